package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrUnsafePath is returned for paths that are absolute or escape the
// workspace root.
var ErrUnsafePath = errors.New("unsafe path")

// Workspace is a directory generated files are written into.
type Workspace struct {
	root    string
	manager string
	runner  *Runner
	logger  *slog.Logger
}

// NewWorkspace creates the root directory if needed.
func NewWorkspace(cfg Config, runner *Runner, logger *slog.Logger) (*Workspace, error) {
	cfg = cfg.Effective()
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}
	return &Workspace{
		root:    root,
		manager: cfg.PackageManager,
		runner:  runner,
		logger:  logger.With("component", "workspace", "root", root),
	}, nil
}

// Root returns the absolute workspace directory.
func (w *Workspace) Root() string { return w.root }

// Resolve maps a relative file path to its location under the root.
func (w *Workspace) Resolve(name string) (string, error) {
	return safeJoinPath(w.root, name)
}

// Write creates or replaces a file, creating parent directories.
func (w *Workspace) Write(ctx context.Context, name, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := w.Resolve(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", name, err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return nil
}

// InstallDependencies runs "<manager> install <names...>" in the root.
func (w *Workspace) InstallDependencies(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return nil
	}
	if w.runner == nil {
		return fmt.Errorf("no runner configured")
	}
	args := append([]string{installVerb(w.manager)}, names...)
	res, err := w.runner.Run(ctx, &ExecRequest{
		Command: w.manager,
		Args:    args,
		WorkDir: w.root,
	})
	if err != nil {
		return fmt.Errorf("%s install: %w", w.manager, err)
	}
	if err := res.Err(); err != nil {
		return fmt.Errorf("%s install: %w", w.manager, err)
	}
	w.logger.Info("dependencies installed", "packages", names, "duration", res.Duration)
	return nil
}

// InstalledDependencies lists dependencies and devDependencies declared in
// the root package.json. A missing manifest yields no dependencies.
func (w *Workspace) InstalledDependencies(ctx context.Context) ([]string, error) {
	data, err := os.ReadFile(filepath.Join(w.root, "package.json"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading package.json: %w", err)
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("package.json is not valid JSON")
	}

	var names []string
	for _, section := range []string{"dependencies", "devDependencies", "peerDependencies"} {
		gjson.GetBytes(data, section).ForEach(func(key, _ gjson.Result) bool {
			names = append(names, key.String())
			return true
		})
	}
	sort.Strings(names)
	return names, nil
}

func installVerb(manager string) string {
	switch filepath.Base(manager) {
	case "yarn", "pnpm", "bun":
		return "add"
	default:
		return "install"
	}
}

// safeJoinPath joins base and name, rejecting absolute names and any that
// escape base after cleaning.
func safeJoinPath(base, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: empty", ErrUnsafePath)
	}
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") || strings.HasPrefix(name, `\`) {
		return "", fmt.Errorf("%w: %q is absolute", ErrUnsafePath, name)
	}
	p := filepath.Clean(filepath.Join(base, name))
	cleanBase := filepath.Clean(base)
	if p == cleanBase || !strings.HasPrefix(p, cleanBase+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q escapes %q", ErrUnsafePath, name, base)
	}
	return p, nil
}
