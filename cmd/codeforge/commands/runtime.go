package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jholhewres/codeforge/pkg/codeforge/apply"
	"github.com/jholhewres/codeforge/pkg/codeforge/builder"
	"github.com/jholhewres/codeforge/pkg/codeforge/config"
	"github.com/jholhewres/codeforge/pkg/codeforge/credentials"
	"github.com/jholhewres/codeforge/pkg/codeforge/events"
	"github.com/jholhewres/codeforge/pkg/codeforge/history"
	"github.com/jholhewres/codeforge/pkg/codeforge/llm"
	"github.com/jholhewres/codeforge/pkg/codeforge/recovery"
	"github.com/jholhewres/codeforge/pkg/codeforge/sandbox"
)

// runtime holds the services a command works with.
type runtime struct {
	cfg        *config.Config
	configPath string
	logger     *slog.Logger

	bus          *events.Bus
	client       *llm.Client
	workspace    *sandbox.Workspace
	orchestrator *apply.Orchestrator
	recoverer    *recovery.Heuristics
	builder      *builder.Builder

	// store is nil when history is disabled.
	store   *history.Store
	closers []func()
}

// resolveConfig loads the --config file, or the first one found, or the
// defaults.
func resolveConfig(cmd *cobra.Command) (*config.Config, string, error) {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")

	cfg, path, err := config.Load(configPath)
	if err != nil {
		if path != "" {
			return nil, "", fmt.Errorf("loading config from %s: %w", path, err)
		}
		return nil, "", fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

func newLogger(cmd *cobra.Command, cfg *config.Config, w io.Writer) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")

	level := slog.LevelInfo
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(cfg.Logging.Format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// newRuntime wires the services. withModels loads credentials and builds the
// model client and builder; commands that only write files skip it.
func newRuntime(cmd *cobra.Command, withModels bool) (*runtime, error) {
	cfg, path, err := resolveConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cmd, cfg, os.Stderr)
	if path != "" {
		logger.Debug("config loaded", "path", path)
	}

	rt := &runtime{
		cfg:        cfg,
		configPath: path,
		logger:     logger,
		bus:        events.NewBus(),
	}

	runner := sandbox.NewRunner(cfg.Workspace, logger)
	rt.workspace, err = sandbox.NewWorkspace(cfg.Workspace, runner, logger)
	if err != nil {
		return nil, fmt.Errorf("workspace: %w", err)
	}
	rt.orchestrator = apply.New(rt.workspace, nil, logger)
	rt.recoverer = recovery.New(logger)

	if cfg.History.Enabled {
		if err := rt.openHistory(); err != nil {
			rt.Close()
			return nil, err
		}
	}

	if withModels {
		pools, err := rt.loadPools()
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.client = llm.NewClient(cfg.LLMConfig(), pools, logger)
		rt.builder = builder.New(rt.client, rt.orchestrator, rt.recoverer, cfg.Extraction, logger)
	}
	return rt, nil
}

func (rt *runtime) openHistory() error {
	store, err := history.Open(rt.cfg.History.Path, rt.logger)
	if err != nil {
		return fmt.Errorf("history: %w", err)
	}
	rt.store = store
	rt.closers = append(rt.closers,
		history.NewRecorder(store, rt.logger).Attach(rt.bus),
		func() { _ = store.Close() },
	)
	return nil
}

func (rt *runtime) lookup() credentials.LookupFunc {
	if rt.cfg.Credentials.UseKeyring {
		return credentials.KeyringLookup(credentials.EnvLookup)
	}
	return credentials.EnvLookup
}

func (rt *runtime) loadPools() (map[string]*credentials.Pool, error) {
	pools, missing, err := credentials.LoadPools(rt.cfg.CredentialPrefixes(), rt.lookup())
	for _, m := range missing {
		rt.logger.Debug("family unavailable", "reason", m)
	}
	if errors.Is(err, credentials.ErrNoCredentials) {
		return nil, fmt.Errorf("%w: export an API key or run 'codeforge keys set <family>'", err)
	}
	if err != nil {
		return nil, err
	}
	return pools, nil
}

// startRun allocates a run ID and records the run start when history is on.
func (rt *runtime) startRun(ctx context.Context, run history.Run) string {
	run.ID = builder.NewRunID()
	if rt.store != nil {
		if err := rt.store.StartRun(ctx, run); err != nil {
			rt.logger.Warn("failed to record run start", "run_id", run.ID, "error", err)
		}
	}
	return run.ID
}

// Close releases everything newRuntime opened, in reverse order.
func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}
