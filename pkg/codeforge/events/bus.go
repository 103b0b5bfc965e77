package events

import (
	"sync"
	"sync/atomic"
)

// Listener receives events from a Bus.
type Listener func(Event)

// Bus is a thread-safe fan-out hub. Listeners are called synchronously in
// Emit, so they must be fast or hand off to a goroutine.
type Bus struct {
	listeners sync.Map // uint64 -> Listener
	nextID    atomic.Uint64
	seqByRun  sync.Map // runID -> *atomic.Int64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers fn and returns its unsubscribe function.
func (b *Bus) Subscribe(fn Listener) func() {
	id := b.nextID.Add(1)
	b.listeners.Store(id, fn)
	return func() { b.listeners.Delete(id) }
}

// SubscribeRun registers fn for the events of a single run.
func (b *Bus) SubscribeRun(runID string, fn Listener) func() {
	return b.Subscribe(func(e Event) {
		if e.RunID == runID {
			fn(e)
		}
	})
}

// Emit assigns the next per-run sequence number and delivers e.
func (b *Bus) Emit(e Event) {
	e.Seq = b.runSeq(e.RunID).Add(1)

	b.listeners.Range(func(_, value any) bool {
		if fn, ok := value.(Listener); ok {
			fn(e)
		}
		return true
	})

	if e.IsTerminal() {
		b.seqByRun.Delete(e.RunID)
	}
}

// Emitter returns an Emitter that stamps runID on every event.
func (b *Bus) Emitter(runID string) Emitter {
	return func(e Event) {
		e.RunID = runID
		b.Emit(e)
	}
}

func (b *Bus) runSeq(runID string) *atomic.Int64 {
	if v, ok := b.seqByRun.Load(runID); ok {
		return v.(*atomic.Int64)
	}
	seq := &atomic.Int64{}
	actual, _ := b.seqByRun.LoadOrStore(runID, seq)
	return actual.(*atomic.Int64)
}
