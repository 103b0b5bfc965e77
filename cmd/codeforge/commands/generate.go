package commands

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jholhewres/codeforge/pkg/codeforge/builder"
	"github.com/jholhewres/codeforge/pkg/codeforge/history"
	"github.com/jholhewres/codeforge/pkg/codeforge/llm"
)

// newGenerateCmd creates the `codeforge generate` command.
func newGenerateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate [prompt]",
		Short: "Generate a multi-file project from a prompt",
		Long: `Generate streams a model response, writes each file to the workspace as
soon as its closing tag arrives and installs the npm packages it imports.
The prompt is read from stdin when no argument is given.

Examples:
  codeforge generate "a landing page for a coffee shop"
  codeforge generate --model groq --task mvp_generation "a todo app"
  codeforge generate --edit --target index.html "make the header sticky"
  echo "a snake game" | codeforge generate --json`,
		RunE: runGenerate,
	}

	cmd.Flags().StringP("model", "m", "", "model family to try first (minimax, groq, kimi)")
	cmd.Flags().String("task", "", "task category selecting the fallback chain")
	cmd.Flags().Bool("edit", false, "edit existing files instead of creating a project")
	cmd.Flags().StringSlice("target", nil, "files being modified (with --edit)")
	cmd.Flags().String("reference", "", "file whose content is added as reference")
	cmd.Flags().Int("max-tokens", 0, "override the family's max tokens")
	cmd.Flags().Bool("json", false, "print events as JSON lines")
	cmd.Flags().Bool("show-content", false, "echo raw model output")
	return cmd
}

func runGenerate(cmd *cobra.Command, args []string) error {
	prompt, err := readPrompt(args, cmd.InOrStdin())
	if err != nil {
		return err
	}

	req := builder.Request{Prompt: prompt}
	req.Family, _ = cmd.Flags().GetString("model")
	req.IsEdit, _ = cmd.Flags().GetBool("edit")
	req.TargetFiles, _ = cmd.Flags().GetStringSlice("target")
	req.MaxTokens, _ = cmd.Flags().GetInt("max-tokens")
	if task, _ := cmd.Flags().GetString("task"); task != "" {
		req.Task = llm.ParseTask(task)
	}
	if ref, _ := cmd.Flags().GetString("reference"); ref != "" {
		data, err := os.ReadFile(ref)
		if err != nil {
			return fmt.Errorf("reading reference: %w", err)
		}
		req.Reference = string(data)
	}

	rt, err := newRuntime(cmd, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	asJSON, _ := cmd.Flags().GetBool("json")
	showContent, _ := cmd.Flags().GetBool("show-content")
	out := newPrinter(cmd.OutOrStdout(), asJSON, showContent)

	runID := rt.startRun(ctx, history.Run{Kind: "generate", Prompt: prompt, Family: req.Family})
	unsubscribe := rt.bus.SubscribeRun(runID, out.Print)
	defer unsubscribe()

	rt.logger.Debug("generation started", "run_id", runID, "workspace", rt.workspace.Root())
	outcome, err := rt.builder.Run(ctx, req, rt.bus.Emitter(runID))
	if err != nil {
		return err
	}
	if n := len(outcome.Summary.Failed); n > 0 {
		return fmt.Errorf("%d file(s) could not be written", n)
	}
	if outcome.Summary.InstallErr != nil {
		return fmt.Errorf("dependency install: %w", outcome.Summary.InstallErr)
	}
	return nil
}

// readPrompt joins the arguments, or reads stdin when it is piped.
func readPrompt(args []string, stdin io.Reader) (string, error) {
	prompt := strings.TrimSpace(strings.Join(args, " "))
	if prompt != "" {
		return prompt, nil
	}
	if f, ok := stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return "", errors.New("a prompt is required")
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("reading prompt: %w", err)
	}
	prompt = strings.TrimSpace(string(data))
	if prompt == "" {
		return "", errors.New("a prompt is required")
	}
	return prompt, nil
}
