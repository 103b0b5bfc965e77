// Package apply performs the side effects of a generation: installing the
// dependencies the files import and writing the files to a target, reporting
// progress as events. Failures of individual steps are reported and skipped;
// a run always ends with a complete event.
package apply

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jholhewres/codeforge/pkg/codeforge/events"
	"github.com/jholhewres/codeforge/pkg/codeforge/extract"
)

// Target is the filesystem the files are applied to.
type Target interface {
	Write(ctx context.Context, path, content string) error
	InstallDependencies(ctx context.Context, names []string) error
}

// BaselineProvider is implemented by targets that know which dependencies
// are already installed.
type BaselineProvider interface {
	InstalledDependencies(ctx context.Context) ([]string, error)
}

// Orchestrator applies extracted files to a target.
type Orchestrator struct {
	target   Target
	baseline []string
	logger   *slog.Logger
}

// New creates an orchestrator. baseline lists dependencies assumed present
// in addition to whatever the target reports.
func New(target Target, baseline []string, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		target:   target,
		baseline: baseline,
		logger:   logger.With("component", "apply"),
	}
}

// Summary is the outcome of a run.
type Summary struct {
	Written    []string
	Failed     []string
	Installed  []string
	InstallErr error
}

// Apply runs the full pipeline over a finished list of files: parsing
// status, dependency install, one write per file, then complete.
func (o *Orchestrator) Apply(ctx context.Context, files []extract.File, emit events.Emitter) Summary {
	s := o.NewSession(emit)
	emit(events.Status("parsing"))

	if len(files) == 0 {
		emit(events.Warning("No files found in generated code"))
		s.Complete()
		return s.Summary()
	}
	emit(events.Status("Found %d files to create", len(files)))

	s.Install(ctx, files)
	for _, f := range files {
		s.Write(ctx, f)
	}
	s.Complete()
	return s.Summary()
}

// Session tracks one run so streaming callers can write files as they
// arrive and install dependencies at the end.
type Session struct {
	o    *Orchestrator
	emit events.Emitter

	summary Summary
	seen    map[string]bool
}

// NewSession starts a run that reports through emit.
func (o *Orchestrator) NewSession(emit events.Emitter) *Session {
	return &Session{o: o, emit: emit, seen: make(map[string]bool)}
}

// Write writes one file and reports completed or error. It returns whether
// the write succeeded. A failed write is not retried.
func (s *Session) Write(ctx context.Context, f extract.File) bool {
	if err := s.o.target.Write(ctx, f.Path, f.Content); err != nil {
		s.o.logger.Error("file write failed", "path", f.Path, "error", err)
		s.summary.Failed = append(s.summary.Failed, f.Path)
		s.emit(events.FileFailed(f.Path, err))
		return false
	}

	if !s.seen[f.Path] {
		s.seen[f.Path] = true
		s.summary.Written = append(s.summary.Written, f.Path)
	}
	s.o.logger.Info("file written",
		"path", f.Path,
		"bytes", f.SizeBytes,
		"provenance", f.Provenance,
	)
	s.emit(events.FileCompleted(f.Path, f.Language, f.Content))
	s.emit(events.Status("Created %d file(s) - %s", len(s.summary.Written), f.Path))
	return true
}

// Install installs the dependencies files import that are not yet present.
// Failure is reported as a warning and does not stop the run.
func (s *Session) Install(ctx context.Context, files []extract.File) {
	required := ScanDependencies(files)
	if len(required) == 0 {
		return
	}

	baseline, err := s.o.baselineSet(ctx)
	if err != nil {
		s.o.logger.Warn("could not read installed dependencies", "error", err)
	}
	missing := NewDependencies(required, baseline)
	if len(missing) == 0 {
		s.o.logger.Debug("all imported dependencies already installed", "required", required)
		return
	}

	s.emit(events.Packages(missing))
	if err := s.o.target.InstallDependencies(ctx, missing); err != nil {
		s.o.logger.Warn("dependency install failed", "packages", missing, "error", err)
		s.summary.InstallErr = err
		s.emit(events.Warning("Dependency installation failed: %v", err))
		return
	}
	s.summary.Installed = append(s.summary.Installed, missing...)
	s.o.logger.Info("dependencies installed", "packages", missing)
}

// Complete emits the terminal event for the files written so far.
func (s *Session) Complete() {
	s.emit(events.Complete(append([]string(nil), s.summary.Written...)))
}

// Written returns the paths written so far, in write order.
func (s *Session) Written() []string {
	return append([]string(nil), s.summary.Written...)
}

// Summary returns a copy of the run outcome.
func (s *Session) Summary() Summary {
	out := s.summary
	out.Written = append([]string(nil), s.summary.Written...)
	out.Failed = append([]string(nil), s.summary.Failed...)
	out.Installed = append([]string(nil), s.summary.Installed...)
	return out
}

func (o *Orchestrator) baselineSet(ctx context.Context) (map[string]bool, error) {
	set := make(map[string]bool, len(o.baseline))
	for _, n := range o.baseline {
		set[n] = true
	}

	bp, ok := o.target.(BaselineProvider)
	if !ok {
		return set, nil
	}
	installed, err := bp.InstalledDependencies(ctx)
	if err != nil {
		return set, fmt.Errorf("installed dependencies: %w", err)
	}
	for _, n := range installed {
		set[n] = true
	}
	return set, nil
}
