package taskrunner

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/shibzuko/ciflow/internal/runner"
)

// Executor runs one pipeline run.
type Executor interface {
	Run(ctx context.Context, request runner.RunRequest) (runner.RunResult, error)
}

// Factory constructs an Executor given resolved dependencies.
type Factory func(DependenciesResult) Executor

// Resolve returns either the provided factory result or the dependencies' scheduler, wrapped
// so that every run ends with its report and summary line.
func Resolve(factory Factory, dependencies DependenciesResult) Executor {
	var base Executor
	if factory != nil {
		base = factory(dependencies)
	}
	if base == nil && dependencies.Scheduler != nil {
		base = dependencies.Scheduler
	}
	return summaryExecutor{
		delegate:     base,
		dependencies: dependencies,
	}
}

type summaryExecutor struct {
	delegate     Executor
	dependencies DependenciesResult
}

func (executor summaryExecutor) Run(ctx context.Context, request runner.RunRequest) (runner.RunResult, error) {
	if executor.delegate == nil {
		return runner.RunResult{}, errExecutorMissing
	}
	result, err := executor.delegate.Run(ctx, request)
	if err == nil {
		executor.printSummary(result)
	}
	return result, err
}

func (executor summaryExecutor) printSummary(result runner.RunResult) {
	if executor.dependencies.Quiet {
		return
	}
	writer := executor.summaryWriter()
	if writer == nil {
		return
	}

	for _, line := range RenderInstanceReport(result) {
		fmt.Fprintln(writer, line)
	}
	summary := RenderSummaryLine(result)
	if len(strings.TrimSpace(summary)) == 0 {
		return
	}
	fmt.Fprintln(writer, summary)
}

func (executor summaryExecutor) summaryWriter() io.Writer {
	if executor.dependencies.Errors != nil {
		return executor.dependencies.Errors
	}
	if executor.dependencies.Output != nil {
		return executor.dependencies.Output
	}
	return nil
}
