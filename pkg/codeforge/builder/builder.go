// Package builder runs a generation end to end: it streams a completion,
// writes each file the moment its closing delimiter arrives, falls back to
// recovery when the stream comes up short, installs the dependencies the
// files import and finishes with a complete event.
package builder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jholhewres/codeforge/pkg/codeforge/apply"
	"github.com/jholhewres/codeforge/pkg/codeforge/events"
	"github.com/jholhewres/codeforge/pkg/codeforge/extract"
	"github.com/jholhewres/codeforge/pkg/codeforge/llm"
	"github.com/jholhewres/codeforge/pkg/codeforge/recovery"
)

// Generator is the model client surface the builder needs.
type Generator interface {
	Generate(ctx context.Context, req llm.Request, onChunk func(string) error) (*llm.Result, error)
}

// Config tunes a Builder.
type Config struct {
	// MinFiles is the file count below which recovery runs and a shortfall
	// warning is sent. Defaults to 3.
	MinFiles int `yaml:"min_files"`

	// StreamContent forwards raw model text as content events.
	StreamContent bool `yaml:"stream_content"`

	// SystemPrompt replaces the built-in system prompt.
	SystemPrompt string `yaml:"system_prompt"`
}

// Request is one generation.
type Request struct {
	Prompt string `json:"prompt"`

	// Family forces the first model family.
	Family string `json:"model,omitempty"`

	// Task selects the fallback chain. Empty means code generation, or code
	// editing when IsEdit is set.
	Task llm.TaskCategory `json:"task,omitempty"`

	IsEdit      bool      `json:"is_edit,omitempty"`
	TargetFiles []string  `json:"target_files,omitempty"`
	History     []Message `json:"history,omitempty"`
	Reference   string    `json:"reference,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// Outcome summarizes a run.
type Outcome struct {
	Files     []extract.File
	Recovered []extract.File
	Result    *llm.Result
	Summary   apply.Summary
	Duration  time.Duration
}

// Builder wires the model client, the extractor, recovery and the apply
// orchestrator together.
type Builder struct {
	client       Generator
	orchestrator *apply.Orchestrator
	recoverer    recovery.Recoverer
	cfg          Config
	logger       *slog.Logger
}

// New creates a Builder. A nil recoverer disables recovery.
func New(client Generator, orchestrator *apply.Orchestrator, recoverer recovery.Recoverer, cfg Config, logger *slog.Logger) *Builder {
	if cfg.MinFiles <= 0 {
		cfg.MinFiles = recovery.DefaultMinFiles
	}
	return &Builder{
		client:       client,
		orchestrator: orchestrator,
		recoverer:    recoverer,
		cfg:          cfg,
		logger:       logger.With("component", "builder"),
	}
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.NewString()
}

// Run performs one generation and reports through emit. Exactly one terminal
// event is emitted: complete when the model produced a response (however
// few files it yielded), error when it did not.
func (b *Builder) Run(ctx context.Context, req Request, emit events.Emitter) (*Outcome, error) {
	start := time.Now()
	out := &Outcome{}

	task := req.Task
	if task == "" {
		task = llm.TaskMVPGeneration
		if req.IsEdit {
			task = llm.TaskCodeEdit
		}
	}
	model := req.Family
	if model == "" {
		model = "auto"
	}
	emit(events.Status("Generating %s with %s model...", strings.ReplaceAll(string(task), "_", " "), model))

	session := b.orchestrator.NewSession(emit)
	produced := make(map[string]bool)
	var raw strings.Builder

	handler := extract.Handler{
		OnOpen: func(path, language string) {
			emit(events.FileProcessing(path, language))
		},
		OnFile: func(f extract.File) {
			if produced[f.Path] {
				replaceFile(out.Files, f)
			} else {
				produced[f.Path] = true
				out.Files = append(out.Files, f)
			}
			session.Write(ctx, f)
		},
	}
	ext := extract.New(handler)

	llmReq := llm.Request{
		Prompt:       req.Prompt,
		SystemPrompt: BuildSystemPrompt(b.cfg.SystemPrompt, req),
		Stream:       true,
		Family:       req.Family,
		Task:         task,
		MaxTokens:    req.MaxTokens,
		OnRestart: func(reason error) {
			// Files already written stay written; their repeats overwrite.
			b.logger.Warn("generation restarted, discarding partial output", "reason", reason)
			raw.Reset()
			ext = extract.New(handler)
			emit(events.Status("Connection interrupted, retrying generation..."))
		},
	}

	res, err := b.client.Generate(ctx, llmReq, func(chunk string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		raw.WriteString(chunk)
		if b.cfg.StreamContent {
			emit(events.Content(chunk))
		}
		ext.Feed(chunk)
		return nil
	})
	if err != nil {
		rem := ext.Finish()
		if rem.Open != nil {
			b.logger.Info("discarding partial file", "path", rem.Open.Path)
		}
		if ctx.Err() != nil {
			err = fmt.Errorf("generation cancelled: %w", ctx.Err())
		}
		b.logger.Error("generation failed",
			"files_written", len(session.Written()),
			"error", err,
		)
		emit(events.Error(err))
		out.Summary = session.Summary()
		out.Duration = time.Since(start)
		return out, err
	}
	out.Result = res

	rem := ext.Finish()
	b.logger.Info("stream finished",
		"family", res.Family,
		"model", res.Model,
		"files", rem.FilesEmitted,
		"open_at_end", rem.Open != nil,
		"truncated", res.Truncated,
		"finish_reason", res.FinishReason,
	)

	if b.recoverer != nil && recovery.Needed(len(produced), b.cfg.MinFiles, rem.Open != nil) {
		emit(events.Status("Recovering files from incomplete response..."))
		recovered := b.recoverer.Recover(raw.String(), copySet(produced))
		for _, f := range recovered {
			if produced[f.Path] {
				continue
			}
			produced[f.Path] = true
			out.Recovered = append(out.Recovered, f)
			emit(events.FileProcessing(f.Path, f.Language))
			session.Write(ctx, f)
		}
	}

	if n := len(produced); n < b.cfg.MinFiles {
		emit(events.Warning("%s", recovery.ShortfallMessage(n, b.cfg.MinFiles)))
	}

	all := append(append([]extract.File(nil), out.Files...), out.Recovered...)
	session.Install(ctx, all)
	session.Complete()

	out.Summary = session.Summary()
	out.Duration = time.Since(start)
	b.logger.Info("generation complete",
		"written", len(out.Summary.Written),
		"failed", len(out.Summary.Failed),
		"recovered", len(out.Recovered),
		"duration", out.Duration,
	)
	return out, nil
}

// IsCancelled reports whether err ended a run because its context was
// cancelled or timed out.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func replaceFile(files []extract.File, f extract.File) {
	for i := range files {
		if files[i].Path == f.Path {
			files[i] = f
			return
		}
	}
}

func copySet(m map[string]bool) map[string]bool {
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
