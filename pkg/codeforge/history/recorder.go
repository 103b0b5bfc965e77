package history

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jholhewres/codeforge/pkg/codeforge/events"
)

const recordTimeout = 5 * time.Second

// Recorder writes run progress from the event bus into the store. Runs must
// be started with Store.StartRun before their events arrive.
type Recorder struct {
	store  *Store
	logger *slog.Logger
}

// NewRecorder creates a recorder for store.
func NewRecorder(store *Store, logger *slog.Logger) *Recorder {
	return &Recorder{store: store, logger: logger.With("component", "history.recorder")}
}

// Attach subscribes the recorder to bus and returns the unsubscribe func.
func (r *Recorder) Attach(bus *events.Bus) func() {
	return bus.Subscribe(r.Handle)
}

// Handle records one event. Events without a run ID are ignored.
func (r *Recorder) Handle(e events.Event) {
	if e.RunID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	var err error
	switch e.Type {
	case events.TypeFileOperation:
		err = r.store.RecordFile(ctx, e.RunID, FileRecord{
			Path:      e.Path,
			Language:  e.Language,
			Status:    string(e.Status),
			SizeBytes: len(e.Content),
			Error:     e.Error,
		})
	case events.TypeComplete:
		count := 0
		if e.FilesCount != nil {
			count = *e.FilesCount
		}
		err = r.store.FinishRun(ctx, e.RunID, StatusCompleted, e.Message, count)
	case events.TypeError:
		err = r.store.FinishRun(ctx, e.RunID, StatusFailed, e.Message, 0)
	default:
		return
	}

	if errors.Is(err, ErrNotFound) {
		r.logger.Debug("event for unknown run", "run_id", e.RunID, "type", e.Type)
		return
	}
	if err != nil {
		r.logger.Warn("failed to record event", "run_id", e.RunID, "type", e.Type, "error", err)
	}
}
