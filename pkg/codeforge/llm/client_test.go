package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/codeforge/pkg/codeforge/credentials"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recorder captures the Authorization header of every request.
type recorder struct {
	mu   sync.Mutex
	keys []string
}

func (r *recorder) add(req *http.Request) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer "))
	return len(r.keys)
}

func (r *recorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.keys...)
}

func writeSSE(w http.ResponseWriter, deltas []string, finish string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, d := range deltas {
		frame, _ := json.Marshal(map[string]any{
			"choices": []any{map[string]any{"delta": map[string]string{"content": d}}},
		})
		fmt.Fprintf(w, "data: %s\n\n", frame)
	}
	fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{},\"finish_reason\":%q}]}\n\n", finish)
	fmt.Fprint(w, "data: [DONE]\n\n")
}

func newTestClient(t *testing.T, families map[string]FamilyConfig, pools map[string]*credentials.Pool) (*Client, *[]time.Duration) {
	t.Helper()
	c := NewClient(Config{Families: families, Routing: DefaultRouting()}, pools, discardLogger())
	waits := &[]time.Duration{}
	c.wait = func(ctx context.Context, d time.Duration) error {
		*waits = append(*waits, d)
		return ctx.Err()
	}
	t.Cleanup(c.httpClient.CloseIdleConnections)
	return c, waits
}

func mustPool(t *testing.T, family string, keys ...string) *credentials.Pool {
	t.Helper()
	p, err := credentials.NewPool(family, keys)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	return p
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestGenerate_RateLimitRotatesThenBacksOff(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rec.add(r) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":{"message":"Rate limit reached"}}`))
			return
		}
		writeSSE(w, []string{"hel", "lo"}, "stop")
	}))
	defer srv.Close()

	pool := mustPool(t, FamilyMiniMax, "key-0", "key-1")
	c, waits := newTestClient(t,
		map[string]FamilyConfig{FamilyMiniMax: {BaseURL: srv.URL, Model: "m"}},
		map[string]*credentials.Pool{FamilyMiniMax: pool},
	)

	var chunks []string
	res, err := c.Generate(context.Background(), Request{Prompt: "p", Stream: true, Task: TaskMVPGeneration},
		func(s string) error { chunks = append(chunks, s); return nil })
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if got, want := rec.seen(), []string{"key-0", "key-1", "key-1"}; !equalStrings(got, want) {
		t.Errorf("credentials used = %v, want %v", got, want)
	}
	if len(*waits) != 1 || (*waits)[0] != time.Second {
		t.Errorf("waits = %v, want [1s]", *waits)
	}
	if res.CredentialIndex != 1 || pool.Index() != 1 {
		t.Errorf("credential index = %d (pool %d), want 1", res.CredentialIndex, pool.Index())
	}
	if a := res.Attempts[0]; a.Rotations != 1 || a.Retries != 1 {
		t.Errorf("attempt = %+v, want 1 rotation and 1 retry", a)
	}
	if res.Text != "hello" || !equalStrings(chunks, []string{"hel", "lo"}) {
		t.Errorf("text = %q chunks = %v", res.Text, chunks)
	}

	// The index is sticky: the next unrelated call starts on key-1.
	if _, err := c.Generate(context.Background(), Request{Prompt: "again", Stream: true, Task: TaskMVPGeneration}, nil); err != nil {
		t.Fatalf("second Generate: %v", err)
	}
	if keys := rec.seen(); keys[len(keys)-1] != "key-1" {
		t.Errorf("second call used %q, want key-1", keys[len(keys)-1])
	}
}

func TestGenerate_RotationBound(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.add(r)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	pool := mustPool(t, FamilyGroq, "k0", "k1", "k2")
	c, waits := newTestClient(t,
		map[string]FamilyConfig{FamilyGroq: {BaseURL: srv.URL, Model: "g", MaxRetries: 2, RateLimitCapSec: 60}},
		map[string]*credentials.Pool{FamilyGroq: pool},
	)

	_, err := c.Generate(context.Background(), Request{Prompt: "p", Family: FamilyGroq}, nil)
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected *ExhaustedError, got %v", err)
	}

	keys := rec.seen()
	distinct := map[string]bool{}
	for _, k := range keys[:3] {
		distinct[k] = true
	}
	if len(distinct) != 3 {
		t.Errorf("first three attempts should use three distinct keys, got %v", keys)
	}
	if !equalStrings(keys[3:], []string{"k2", "k2"}) {
		t.Errorf("backoff retries should keep the last key, got %v", keys)
	}
	if len(*waits) != 2 || (*waits)[0] != time.Second || (*waits)[1] != 2*time.Second {
		t.Errorf("waits = %v, want [1s 2s]", *waits)
	}
	if len(exhausted.Tried) != 1 || exhausted.Tried[0].Rotations != 2 {
		t.Errorf("tried = %+v", exhausted.Tried)
	}
}

func TestGenerate_BackoffCapped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c, waits := newTestClient(t,
		map[string]FamilyConfig{FamilyGroq: {BaseURL: srv.URL, Model: "g", MaxRetries: 5, RateLimitCapSec: 4}},
		map[string]*credentials.Pool{FamilyGroq: mustPool(t, FamilyGroq, "only")},
	)

	c.Generate(context.Background(), Request{Prompt: "p", Family: FamilyGroq}, nil)

	want := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second, 4 * time.Second}
	if len(*waits) != len(want) {
		t.Fatalf("waits = %v, want %v", *waits, want)
	}
	for i := range want {
		if (*waits)[i] != want[i] {
			t.Errorf("wait[%d] = %v, want %v", i, (*waits)[i], want[i])
		}
	}
}

func TestGenerate_QuotaPhraseRotates(t *testing.T) {
	tests := []struct {
		name    string
		respond func(w http.ResponseWriter)
	}{
		{
			name: "4xx body",
			respond: func(w http.ResponseWriter) {
				w.WriteHeader(http.StatusPaymentRequired)
				w.Write([]byte(`{"error":"You have exceeded your monthly included credits"}`))
			},
		},
		{
			name: "error frame in 2xx stream",
			respond: func(w http.ResponseWriter) {
				w.Header().Set("Content-Type", "text/event-stream")
				fmt.Fprint(w, "data: {\"error\":{\"message\":\"Quota exceeded for this key\"}}\n\n")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if rec.add(r) == 1 {
					tt.respond(w)
					return
				}
				writeSSE(w, []string{"ok"}, "stop")
			}))
			defer srv.Close()

			c, waits := newTestClient(t,
				map[string]FamilyConfig{FamilyMiniMax: {BaseURL: srv.URL, Model: "m"}},
				map[string]*credentials.Pool{FamilyMiniMax: mustPool(t, FamilyMiniMax, "a", "b")},
			)

			if _, err := c.Generate(context.Background(), Request{Prompt: "p", Stream: true, Task: TaskCodeEdit}, nil); err != nil {
				t.Fatalf("Generate: %v", err)
			}
			if got := rec.seen(); !equalStrings(got, []string{"a", "b"}) {
				t.Errorf("credentials used = %v, want [a b]", got)
			}
			if len(*waits) != 0 {
				t.Errorf("rotation must not wait, got %v", *waits)
			}
		})
	}
}

func TestGenerate_TransientMidStreamRetriesSameCredential(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rec.add(r) == 1 {
			// Declared length larger than what is written: the client sees
			// an unexpected EOF after the first frame.
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Content-Length", "4096")
			fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n\n")
			return
		}
		writeSSE(w, []string{"full"}, "stop")
	}))
	defer srv.Close()

	pool := mustPool(t, FamilyMiniMax, "a", "b")
	c, waits := newTestClient(t,
		map[string]FamilyConfig{FamilyMiniMax: {BaseURL: srv.URL, Model: "m"}},
		map[string]*credentials.Pool{FamilyMiniMax: pool},
	)

	var chunks []string
	restarts := 0
	req := Request{
		Prompt:    "p",
		Stream:    true,
		Task:      TaskMVPGeneration,
		OnRestart: func(error) { restarts++; chunks = nil },
	}
	res, err := c.Generate(context.Background(), req, func(s string) error {
		chunks = append(chunks, s)
		return nil
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if got := rec.seen(); !equalStrings(got, []string{"a", "a"}) {
		t.Errorf("credentials used = %v, want [a a]", got)
	}
	if restarts != 1 {
		t.Errorf("restarts = %d, want 1", restarts)
	}
	if !equalStrings(chunks, []string{"full"}) || res.Text != "full" {
		t.Errorf("chunks = %v text = %q", chunks, res.Text)
	}
	if len(*waits) != 1 {
		t.Errorf("waits = %v, want one backoff", *waits)
	}
	if pool.Index() != 0 {
		t.Errorf("transient retry must not rotate, index = %d", pool.Index())
	}
}

func TestGenerate_FatalFallsBackToNextFamily(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("upstream exploded"))
	}))
	defer primary.Close()
	secondary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeSSE(w, []string{"from groq"}, "stop")
	}))
	defer secondary.Close()

	c, waits := newTestClient(t,
		map[string]FamilyConfig{
			FamilyMiniMax: {BaseURL: primary.URL, Model: "m"},
			FamilyGroq:    {BaseURL: secondary.URL, Model: "g"},
		},
		map[string]*credentials.Pool{
			FamilyMiniMax: mustPool(t, FamilyMiniMax, "m1"),
			FamilyGroq:    mustPool(t, FamilyGroq, "g1"),
		},
	)

	res, err := c.Generate(context.Background(), Request{Prompt: "p", Stream: true, Task: TaskMVPGeneration}, nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Family != FamilyGroq || res.Text != "from groq" {
		t.Errorf("result = %+v", res)
	}
	if len(res.Attempts) != 2 || res.Attempts[0].Family != FamilyMiniMax || res.Attempts[0].Err == "" {
		t.Errorf("attempts = %+v", res.Attempts)
	}
	if len(*waits) != 0 {
		t.Errorf("fatal errors must not back off, waits = %v", *waits)
	}
}

func TestGenerate_ExhaustedNamesFamilies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"bad model"}}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t,
		map[string]FamilyConfig{
			FamilyMiniMax: {BaseURL: srv.URL, Model: "m"},
			FamilyGroq:    {BaseURL: srv.URL, Model: "g"},
		},
		map[string]*credentials.Pool{
			FamilyMiniMax: mustPool(t, FamilyMiniMax, "m1"),
			FamilyGroq:    mustPool(t, FamilyGroq, "g1"),
		},
	)

	_, err := c.Generate(context.Background(), Request{Prompt: "p", Task: TaskChat}, nil)
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected *ExhaustedError, got %v", err)
	}
	// chat: groq first, kimi skipped for lack of credentials, then minimax.
	if len(exhausted.Tried) != 2 || exhausted.Tried[0].Family != FamilyGroq || exhausted.Tried[1].Family != FamilyMiniMax {
		t.Errorf("tried = %+v", exhausted.Tried)
	}
	msg := err.Error()
	for _, want := range []string{"groq", "minimax", "credential 0", "chat"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q should mention %q", msg, want)
		}
	}
}

func TestGenerate_NoFamilies(t *testing.T) {
	c, _ := newTestClient(t, nil, nil)
	_, err := c.Generate(context.Background(), Request{Prompt: "p"}, nil)
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) || len(exhausted.Tried) != 0 {
		t.Fatalf("expected empty *ExhaustedError, got %v", err)
	}
}

func TestGenerate_NonStreamingSingleChunk(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), `"stream":false`) {
			t.Errorf("request body should disable streaming: %s", body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"whole answer"},"finish_reason":"length"}]}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t,
		map[string]FamilyConfig{FamilyGroq: {BaseURL: srv.URL, Model: "g"}},
		map[string]*credentials.Pool{FamilyGroq: mustPool(t, FamilyGroq, "g1")},
	)

	var chunks []string
	res, err := c.Generate(context.Background(), Request{Prompt: "p", Family: FamilyGroq}, func(s string) error {
		chunks = append(chunks, s)
		return nil
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !equalStrings(chunks, []string{"whole answer"}) {
		t.Errorf("chunks = %v", chunks)
	}
	if !res.Truncated || res.FinishReason != "length" {
		t.Errorf("expected truncated result, got %+v", res)
	}
}

func TestGenerate_ConsumerErrorAborts(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.add(r)
		writeSSE(w, []string{"a", "b"}, "stop")
	}))
	defer srv.Close()

	c, _ := newTestClient(t,
		map[string]FamilyConfig{FamilyGroq: {BaseURL: srv.URL, Model: "g"}},
		map[string]*credentials.Pool{FamilyGroq: mustPool(t, FamilyGroq, "g1")},
	)

	errStop := errors.New("stop")
	_, err := c.Generate(context.Background(), Request{Prompt: "p", Stream: true, Family: FamilyGroq}, func(string) error {
		return errStop
	})
	if !errors.Is(err, errStop) {
		t.Fatalf("expected consumer error, got %v", err)
	}
	if n := len(rec.seen()); n != 1 {
		t.Errorf("consumer abort must not retry, requests = %d", n)
	}
}

func TestStream_Channels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeSSE(w, []string{"x", "y", "z"}, "stop")
	}))
	defer srv.Close()

	c, _ := newTestClient(t,
		map[string]FamilyConfig{FamilyGroq: {BaseURL: srv.URL, Model: "g"}},
		map[string]*credentials.Pool{FamilyGroq: mustPool(t, FamilyGroq, "g1")},
	)

	chunks, errc := c.Stream(context.Background(), Request{Prompt: "p", Family: FamilyGroq})
	var got []string
	for s := range chunks {
		got = append(got, s)
	}
	if err := <-errc; err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if !equalStrings(got, []string{"x", "y", "z"}) {
		t.Errorf("chunks = %v", got)
	}
}
