//go:build windows

package sandbox

import (
	"context"
	"errors"
	"log/slog"
)

var ErrWindowsNotSupported = errors.New("dependency installation is not supported on Windows natively yet")

type DirectExecutor struct {
	logger *slog.Logger
}

func NewDirectExecutor(logger *slog.Logger) *DirectExecutor {
	return &DirectExecutor{logger: logger}
}

func (e *DirectExecutor) Execute(ctx context.Context, req *ExecRequest) (*ExecResult, error) {
	return nil, ErrWindowsNotSupported
}

func (e *DirectExecutor) Name() string { return "direct" }
