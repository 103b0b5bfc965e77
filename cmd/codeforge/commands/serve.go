package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jholhewres/codeforge/pkg/codeforge/config"
	"github.com/jholhewres/codeforge/pkg/codeforge/gateway"
	"github.com/jholhewres/codeforge/pkg/codeforge/history"
)

// newServeCmd creates the `codeforge serve` command that starts the HTTP
// gateway.
func newServeCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP gateway",
		Long: `Start the HTTP gateway. POST /api/generate and /api/apply stream their
progress as server-sent events; /api/runs lists past runs.

Examples:
  codeforge serve
  codeforge serve --address 0.0.0.0:8085 --config ./codeforge.yaml`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, version)
		},
	}
	cmd.Flags().String("address", "", "listen address (overrides server.address)")
	return cmd
}

func runServe(cmd *cobra.Command, version string) error {
	rt, err := newRuntime(cmd, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	config.AuditSecrets(rt.cfg, rt.logger)
	if addr, _ := cmd.Flags().GetString("address"); addr != "" {
		rt.cfg.Server.Address = addr
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps := gateway.Deps{
		Generator: rt.builder,
		Applier:   rt.orchestrator,
		Bus:       rt.bus,
		Families:  rt.client.Families,
	}
	var pruner *history.Pruner
	if rt.store != nil {
		deps.History = rt.store
		if rt.cfg.History.Retention > 0 {
			pruner, err = history.NewPruner(rt.store, rt.cfg.History, rt.logger)
			if err != nil {
				return err
			}
			pruner.Start()
		}
	}

	gw := gateway.New(rt.cfg.Server, deps, version, rt.logger)
	if err := gw.Start(ctx); err != nil {
		return err
	}

	rt.logger.Info("codeforge running. Press Ctrl+C to stop.",
		"workspace", rt.workspace.Root(),
		"families", rt.client.Families(),
	)
	<-ctx.Done()
	rt.logger.Info("shutdown signal received, stopping...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var g errgroup.Group
	g.Go(func() error { return gw.Stop(shutdownCtx) })
	if pruner != nil {
		g.Go(func() error {
			pruner.Stop(shutdownCtx)
			return nil
		})
	}
	return g.Wait()
}
