package workflow

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shibzuko/ciflow/internal/history"
	"github.com/shibzuko/ciflow/pkg/taskrunner"
)

// LoggerProvider yields a zap logger for command execution.
type LoggerProvider func() *zap.Logger

// TaskRunnerExecutor represents a pipeline runner.
type TaskRunnerExecutor = taskrunner.Executor

// TaskRunnerFactory constructs pipeline runners.
type TaskRunnerFactory = taskrunner.Factory

// HistoryOpener opens the run history database at path.
type HistoryOpener func(path string, logger *zap.Logger) (*history.Store, error)

func resolveLogger(provider LoggerProvider) *zap.Logger {
	if provider == nil {
		return zap.NewNop()
	}
	logger := provider()
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}

func resolveHistoryOpener(opener HistoryOpener) HistoryOpener {
	if opener == nil {
		return history.Open
	}
	return opener
}

func displayCommandHelp(command *cobra.Command) error {
	if command == nil {
		return nil
	}
	return command.Help()
}

// NotifyContext derives a context cancelled on SIGINT or SIGTERM.
func NotifyContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
