// Package gateway exposes generation, apply and run history over HTTP.
// Generation and apply progress is streamed as server-sent events.
package gateway

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/jholhewres/codeforge/pkg/codeforge/apply"
	"github.com/jholhewres/codeforge/pkg/codeforge/builder"
	"github.com/jholhewres/codeforge/pkg/codeforge/events"
	"github.com/jholhewres/codeforge/pkg/codeforge/extract"
	"github.com/jholhewres/codeforge/pkg/codeforge/history"
)

// Config configures the HTTP gateway.
type Config struct {
	// Address is the listen address (default: ":8085").
	Address string `yaml:"address"`

	// AuthToken is the Bearer token for /api/* (empty = no auth).
	AuthToken string `yaml:"auth_token"`

	// CORSOrigins lists allowed origins for CORS (empty = no CORS).
	CORSOrigins []string `yaml:"cors_origins"`

	// MaxBodyBytes limits request bodies (default: 2MB).
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

// Generator runs one generation.
type Generator interface {
	Run(ctx context.Context, req builder.Request, emit events.Emitter) (*builder.Outcome, error)
}

// Applier applies a finished list of files.
type Applier interface {
	Apply(ctx context.Context, files []extract.File, emit events.Emitter) apply.Summary
}

// RunStore is the run history the gateway reads and starts runs in.
type RunStore interface {
	StartRun(ctx context.Context, r history.Run) error
	List(ctx context.Context, limit int) ([]history.Run, error)
	Get(ctx context.Context, id string) (*history.Run, error)
}

// Deps are the services behind the routes. History may be nil.
type Deps struct {
	Generator Generator
	Applier   Applier
	Bus       *events.Bus
	History   RunStore

	// Families lists the model families with credentials, for /health.
	Families func() []string
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	cfg       Config
	deps      Deps
	version   string
	server    *http.Server
	logger    *slog.Logger
	startedAt time.Time
}

// New creates a gateway.
func New(cfg Config, deps Deps, version string, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8085"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 2 * 1024 * 1024
	}
	if deps.Bus == nil {
		deps.Bus = events.NewBus()
	}
	return &Gateway{
		cfg:       cfg,
		deps:      deps,
		version:   version,
		logger:    logger.With("component", "gateway"),
		startedAt: time.Now(),
	}
}

// Handler returns the routed handler wrapped in the middleware chain.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health (always public)
	mux.HandleFunc("/health", g.handleHealth)

	mux.HandleFunc("/api/generate", g.handleGenerate)
	mux.HandleFunc("/api/apply", g.handleApply)
	mux.HandleFunc("/api/runs", g.handleListRuns)
	mux.HandleFunc("/api/runs/", g.handleRunByID)

	return g.securityHeadersMiddleware(g.corsMiddleware(g.authMiddleware(mux)))
}

// Start listens in the background until Stop.
func (g *Gateway) Start(ctx context.Context) error {
	g.startedAt = time.Now()
	g.server = &http.Server{
		Addr:              g.cfg.Address,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	if g.cfg.AuthToken == "" && !isLoopback(g.cfg.Address) {
		g.logger.Warn("SECURITY: gateway has no auth token and is bound to a non-loopback address",
			"address", g.cfg.Address)
	}

	ln, err := net.Listen("tcp", g.cfg.Address)
	if err != nil {
		return err
	}
	go func() {
		if err := g.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			g.logger.Error("gateway server error", "error", err)
		}
	}()
	g.logger.Info("gateway started", "address", ln.Addr().String())
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("gateway stopping...")
	return g.server.Shutdown(ctx)
}

func isLoopback(address string) bool {
	host, _, _ := net.SplitHostPort(address)
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
