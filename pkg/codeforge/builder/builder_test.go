package builder

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/jholhewres/codeforge/pkg/codeforge/apply"
	"github.com/jholhewres/codeforge/pkg/codeforge/events"
	"github.com/jholhewres/codeforge/pkg/codeforge/extract"
	"github.com/jholhewres/codeforge/pkg/codeforge/llm"
	"github.com/jholhewres/codeforge/pkg/codeforge/recovery"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scriptedGenerator replays chunks; restartAfter triggers OnRestart once
// after that many chunks and replays from the start.
type scriptedGenerator struct {
	chunks       []string
	err          error
	restartAfter int
	gotReq       llm.Request
	calls        int
}

func (g *scriptedGenerator) Generate(ctx context.Context, req llm.Request, onChunk func(string) error) (*llm.Result, error) {
	g.calls++
	g.gotReq = req
	if g.restartAfter > 0 {
		for _, c := range g.chunks[:g.restartAfter] {
			if err := onChunk(c); err != nil {
				return nil, err
			}
		}
		req.OnRestart(errors.New("unexpected EOF"))
	}
	for _, c := range g.chunks {
		if err := onChunk(c); err != nil {
			return nil, err
		}
	}
	if g.err != nil {
		return nil, g.err
	}
	return &llm.Result{Text: strings.Join(g.chunks, ""), Family: "minimax", Model: "MiniMax-M2", FinishReason: "stop"}, nil
}

type spyRecoverer struct {
	calls    int
	raw      string
	produced map[string]bool
	files    []extract.File
}

func (s *spyRecoverer) Recover(raw string, produced map[string]bool) []extract.File {
	s.calls++
	s.raw = raw
	s.produced = produced
	return s.files
}

type memTarget struct {
	files     map[string]string
	writes    []string
	installed [][]string
}

func (m *memTarget) Write(_ context.Context, path, content string) error {
	m.files[path] = content
	m.writes = append(m.writes, path)
	return nil
}

func (m *memTarget) InstallDependencies(_ context.Context, names []string) error {
	m.installed = append(m.installed, names)
	return nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestBuilder(gen Generator, rec recovery.Recoverer) (*Builder, *memTarget) {
	target := &memTarget{files: map[string]string{}}
	orch := apply.New(target, nil, discard())
	return New(gen, orch, rec, Config{}, discard()), target
}

func record() (*[]events.Event, events.Emitter) {
	var got []events.Event
	return &got, func(e events.Event) { got = append(got, e) }
}

func fileOps(evs []events.Event) []string {
	var out []string
	for _, e := range evs {
		switch e.Type {
		case events.TypeFileOperation:
			out = append(out, string(e.Status)+":"+e.Path)
		case events.TypeComplete, events.TypeError, events.TypePackages:
			out = append(out, string(e.Type))
		}
	}
	return out
}

func terminals(evs []events.Event) []events.Event {
	var out []events.Event
	for _, e := range evs {
		if e.IsTerminal() {
			out = append(out, e)
		}
	}
	return out
}

const threeFiles = `Here is your app.
<file path="index.html"><!DOCTYPE html><html><body><h1>Hi</h1></body></html></file>
<file path="styles.css">body { margin: 0; }</file>
<file path="script.js">console.log("ready");</file>
Enjoy!`

func splitEvery(s string, n int) []string {
	var out []string
	for len(s) > n {
		out = append(out, s[:n])
		s = s[n:]
	}
	return append(out, s)
}

func TestRun_StreamsFilesAsTheyClose(t *testing.T) {
	gen := &scriptedGenerator{chunks: splitEvery(threeFiles, 7)}
	spy := &spyRecoverer{}
	b, target := newTestBuilder(gen, spy)
	got, emit := record()

	out, err := b.Run(context.Background(), Request{Prompt: "landing page"}, emit)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{
		"processing:index.html", "completed:index.html",
		"processing:styles.css", "completed:styles.css",
		"processing:script.js", "completed:script.js",
		"complete",
	}
	if diff := cmp.Diff(want, fileOps(*got)); diff != "" {
		t.Errorf("event order mismatch (-want +got):\n%s", diff)
	}
	if spy.calls != 0 {
		t.Errorf("recovery ran %d times on a complete stream", spy.calls)
	}
	if target.files["styles.css"] != "body { margin: 0; }" {
		t.Errorf("styles.css = %q", target.files["styles.css"])
	}
	if len(out.Files) != 3 || len(out.Recovered) != 0 {
		t.Errorf("outcome files=%d recovered=%d", len(out.Files), len(out.Recovered))
	}

	last := (*got)[len(*got)-1]
	if last.Type != events.TypeComplete || *last.FilesCount != 3 {
		t.Errorf("last event = %+v", last)
	}
	if gen.gotReq.Task != llm.TaskMVPGeneration || !gen.gotReq.Stream {
		t.Errorf("request task=%q stream=%v", gen.gotReq.Task, gen.gotReq.Stream)
	}
	if !strings.Contains(gen.gotReq.SystemPrompt, `<file path="index.html">`) {
		t.Error("system prompt does not describe the file format")
	}
}

func TestRun_RecoveryOnlyWhenShort(t *testing.T) {
	truncated := `<file path="index.html"><html></html></file>` +
		`<file path="script.js">function f(){`
	spy := &spyRecoverer{files: []extract.File{
		extract.NewFile("index.html", "dup", recovery.ProvenanceRepairedTag),
		extract.NewFile("script.js", "function f(){}", recovery.ProvenanceRepairedTag),
	}}
	b, target := newTestBuilder(&scriptedGenerator{chunks: splitEvery(truncated, 5)}, spy)
	got, emit := record()

	out, err := b.Run(context.Background(), Request{Prompt: "x"}, emit)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if spy.calls != 1 {
		t.Fatalf("recovery calls = %d, want 1", spy.calls)
	}
	if !spy.produced["index.html"] || spy.produced["script.js"] {
		t.Errorf("produced passed to recovery = %v", spy.produced)
	}
	if spy.raw != truncated {
		t.Errorf("recovery saw %q", spy.raw)
	}
	if target.files["index.html"] != "<html></html>" {
		t.Errorf("recovered duplicate overwrote streamed file: %q", target.files["index.html"])
	}
	if target.files["script.js"] != "function f(){}" {
		t.Errorf("script.js = %q", target.files["script.js"])
	}
	if len(out.Recovered) != 1 {
		t.Errorf("recovered = %d, want 1", len(out.Recovered))
	}

	var warned bool
	for _, e := range *got {
		if e.Type == events.TypeWarning && strings.Contains(e.Message, "Only 2 files generated. Minimum is 3") {
			warned = true
		}
	}
	if !warned {
		t.Error("missing shortfall warning")
	}
	if ts := terminals(*got); len(ts) != 1 || ts[0].Type != events.TypeComplete || *ts[0].FilesCount != 2 {
		t.Errorf("terminal events = %+v", ts)
	}
}

func TestRun_ClientErrorIsSingleErrorEvent(t *testing.T) {
	gen := &scriptedGenerator{
		chunks: []string{`<file path="a.js">done</file><file path="b.js">half`},
		err:    &llm.ExhaustedError{Task: llm.TaskMVPGeneration},
	}
	spy := &spyRecoverer{}
	b, target := newTestBuilder(gen, spy)
	got, emit := record()

	_, err := b.Run(context.Background(), Request{Prompt: "x"}, emit)
	var exhausted *llm.ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("error = %v, want *ExhaustedError", err)
	}

	ts := terminals(*got)
	if len(ts) != 1 || ts[0].Type != events.TypeError {
		t.Fatalf("terminal events = %+v", ts)
	}
	if _, ok := target.files["b.js"]; ok {
		t.Error("partial file was written")
	}
	if target.files["a.js"] != "done" {
		t.Error("file completed before the failure should stay written")
	}
	if spy.calls != 0 {
		t.Error("recovery must not run after a terminal client error")
	}
}

func TestRun_CancellationDiscardsOpenFile(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	chunks := []string{`<file path="index.html">`, `<html>`, `</html></file>`}
	gen := &cancellingGenerator{chunks: chunks, cancelAfter: 2, cancel: cancel}
	b, target := newTestBuilder(gen, &spyRecoverer{})
	got, emit := record()

	_, err := b.Run(ctx, Request{Prompt: "x"}, emit)
	if !IsCancelled(err) {
		t.Fatalf("error = %v, want cancellation", err)
	}
	if len(target.writes) != 0 {
		t.Errorf("writes = %v, want none", target.writes)
	}
	for _, e := range *got {
		if e.Type == events.TypeFileOperation && e.Status == events.PhaseCompleted {
			t.Errorf("unexpected completed file %s", e.Path)
		}
	}
	if ts := terminals(*got); len(ts) != 1 || ts[0].Type != events.TypeError {
		t.Errorf("terminal events = %+v", ts)
	}
}

type cancellingGenerator struct {
	chunks      []string
	cancelAfter int
	cancel      context.CancelFunc
}

func (g *cancellingGenerator) Generate(ctx context.Context, req llm.Request, onChunk func(string) error) (*llm.Result, error) {
	for i, c := range g.chunks {
		if i == g.cancelAfter {
			g.cancel()
		}
		if err := onChunk(c); err != nil {
			return nil, err
		}
	}
	return &llm.Result{}, nil
}

func TestRun_RestartDiscardsPartialAttempt(t *testing.T) {
	gen := &scriptedGenerator{chunks: splitEvery(threeFiles, 11), restartAfter: 5}
	spy := &spyRecoverer{}
	b, target := newTestBuilder(gen, spy)
	got, emit := record()

	out, err := b.Run(context.Background(), Request{Prompt: "x"}, emit)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(out.Files) != 3 {
		t.Errorf("files = %d, want 3", len(out.Files))
	}
	if spy.calls != 0 {
		t.Error("recovery ran after a successful retry")
	}
	if target.files["index.html"] != "<!DOCTYPE html><html><body><h1>Hi</h1></body></html>" {
		t.Errorf("index.html = %q", target.files["index.html"])
	}
	last := (*got)[len(*got)-1]
	if last.Type != events.TypeComplete || *last.FilesCount != 3 {
		t.Errorf("last event = %+v", last)
	}
}

func TestRun_InstallsImportedDependencies(t *testing.T) {
	text := `<file path="index.html"><html></html></file>` +
		`<file path="styles.css">a{}</file>` +
		`<file path="src/main.js">import confetti from 'canvas-confetti';
import { createApp } from "vue";
import './local.js';</file>`
	b, target := newTestBuilder(&scriptedGenerator{chunks: []string{text}}, &spyRecoverer{})
	got, emit := record()

	if _, err := b.Run(context.Background(), Request{Prompt: "x"}, emit); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if diff := cmp.Diff([][]string{{"canvas-confetti", "vue"}}, target.installed); diff != "" {
		t.Errorf("installed mismatch (-want +got):\n%s", diff)
	}
	ops := fileOps(*got)
	if ops[len(ops)-2] != "packages" || ops[len(ops)-1] != "complete" {
		t.Errorf("packages should precede complete, got %v", ops)
	}
}

func TestRun_EditTask(t *testing.T) {
	gen := &scriptedGenerator{chunks: []string{threeFiles}}
	b, _ := newTestBuilder(gen, nil)
	_, emit := record()

	_, err := b.Run(context.Background(), Request{
		Prompt:      "make the header blue",
		IsEdit:      true,
		TargetFiles: []string{"styles.css"},
		Family:      "groq",
	}, emit)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if gen.gotReq.Task != llm.TaskCodeEdit || gen.gotReq.Family != "groq" {
		t.Errorf("task=%q family=%q", gen.gotReq.Task, gen.gotReq.Family)
	}
	if !strings.Contains(gen.gotReq.SystemPrompt, "- styles.css") {
		t.Error("system prompt is missing the edit targets")
	}
}
