package commands

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jholhewres/codeforge/pkg/codeforge/extract"
	"github.com/jholhewres/codeforge/pkg/codeforge/history"
	"github.com/jholhewres/codeforge/pkg/codeforge/recovery"
)

// newApplyCmd creates the `codeforge apply` command.
func newApplyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apply [file]",
		Short: "Write the files contained in a saved model response",
		Long: `Apply parses <file path="..."> blocks from a saved model response (or
stdin when no file or "-" is given), writes them to the workspace and
installs the npm packages they import.

Examples:
  codeforge apply response.txt
  pbpaste | codeforge apply --recover`,
		Args: cobra.MaximumNArgs(1),
		RunE: runApply,
	}
	cmd.Flags().Bool("recover", false, "salvage files from malformed output when too few are found")
	cmd.Flags().Bool("json", false, "print events as JSON lines")
	return cmd
}

func runApply(cmd *cobra.Command, args []string) error {
	var (
		data []byte
		err  error
	)
	if len(args) == 0 || args[0] == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(args[0])
	}
	if err != nil {
		return fmt.Errorf("reading input: %w", err)
	}

	rt, err := newRuntime(cmd, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	raw := string(data)
	files, rem := extract.ExtractAll(raw)
	if rem.Open != nil {
		rt.logger.Warn("input ends inside a file", "path", rem.Open.Path)
	}
	if doRecover, _ := cmd.Flags().GetBool("recover"); doRecover &&
		recovery.Needed(len(files), rt.cfg.Extraction.MinFiles, rem.Open != nil) {
		produced := make(map[string]bool, len(files))
		for _, f := range files {
			produced[f.Path] = true
		}
		files = append(files, rt.recoverer.Recover(raw, produced)...)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	asJSON, _ := cmd.Flags().GetBool("json")
	out := newPrinter(cmd.OutOrStdout(), asJSON, false)

	runID := rt.startRun(ctx, history.Run{Kind: "apply"})
	unsubscribe := rt.bus.SubscribeRun(runID, out.Print)
	defer unsubscribe()

	summary := rt.orchestrator.Apply(ctx, files, rt.bus.Emitter(runID))
	if n := len(summary.Failed); n > 0 {
		return fmt.Errorf("%d file(s) could not be written", n)
	}
	return nil
}
