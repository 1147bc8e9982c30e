// Package history provides commands for inspecting recorded pipeline runs.
package history

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	humanize "github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	runhistory "github.com/shibzuko/ciflow/internal/history"
)

const (
	namespaceUseConstant                = "history"
	namespaceShortDescriptionConstant   = "Inspect recorded pipeline runs"
	listCommandUseConstant              = "list"
	listCommandShortDescriptionConstant = "List recent runs, newest first"
	showCommandUseConstant              = "show <run-id>"
	showCommandShortDescriptionConstant = "Show a run and its job instances"
	limitFlagNameConstant               = "limit"
	limitFlagUsageConstant              = "Maximum number of runs to list"
	defaultLimitConstant                = 20
	historyDisabledMessageConstant      = "run history is disabled; set history.enabled and history.path"
	runNotFoundTemplateConstant         = "no recorded run with id %q: %w"
	closeFailedMessageConstant          = "unable to close history store"
	listHeaderConstant                  = "ID\tWORKFLOW\tEVENT\tREF\tSTATUS\tEXIT\tSTARTED\tDURATION"
	listRowTemplateConstant             = "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n"
	listEmptyMessageConstant            = "no recorded runs"
	instanceHeaderConstant              = "JOB\tRUNS-ON\tSTATUS\tEXIT\tDURATION\tFAILED STEP"
	instanceRowTemplateConstant         = "%s\t%s\t%s\t%d\t%s\t%s\n"
	timestampLayoutConstant             = "2006-01-02 15:04:05 MST"
)

// ErrHistoryDisabled reports that no history database is configured.
var ErrHistoryDisabled = errors.New(historyDisabledMessageConstant)

// Opener opens the history database.
type Opener func(path string, logger *zap.Logger) (*runhistory.Store, error)

// CommandConfiguration captures the history section.
type CommandConfiguration struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// DefaultCommandConfiguration enables history at the resolved default path.
func DefaultCommandConfiguration() CommandConfiguration {
	return CommandConfiguration{Enabled: true}
}

// CommandBuilder assembles the history command tree.
type CommandBuilder struct {
	LoggerProvider        func() *zap.Logger
	ConfigurationProvider func() CommandConfiguration
	Opener                Opener
	Clock                 func() time.Time
}

// Build constructs the history namespace and its subcommands.
func (builder *CommandBuilder) Build() (*cobra.Command, error) {
	namespace := &cobra.Command{
		Use:   namespaceUseConstant,
		Short: namespaceShortDescriptionConstant,
		RunE: func(command *cobra.Command, arguments []string) error {
			return command.Help()
		},
	}

	var limit int
	listCommand := &cobra.Command{
		Use:   listCommandUseConstant,
		Short: listCommandShortDescriptionConstant,
		Args:  cobra.NoArgs,
		RunE: func(command *cobra.Command, arguments []string) error {
			return builder.runList(command, limit)
		},
	}
	listCommand.Flags().IntVar(&limit, limitFlagNameConstant, defaultLimitConstant, limitFlagUsageConstant)

	showCommand := &cobra.Command{
		Use:   showCommandUseConstant,
		Short: showCommandShortDescriptionConstant,
		Args:  cobra.ExactArgs(1),
		RunE:  builder.runShow,
	}

	namespace.AddCommand(listCommand, showCommand)
	return namespace, nil
}

func (builder *CommandBuilder) runList(command *cobra.Command, limit int) error {
	store, openError := builder.openStore()
	if openError != nil {
		return openError
	}
	defer builder.closeStore(store)

	runs, listError := store.ListRuns(command.Context(), limit)
	if listError != nil {
		return listError
	}
	writer := command.OutOrStdout()
	if len(runs) == 0 {
		fmt.Fprintln(writer, listEmptyMessageConstant)
		return nil
	}

	now := builder.now()
	table := tabwriter.NewWriter(writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(table, listHeaderConstant)
	for _, run := range runs {
		fmt.Fprintf(table, listRowTemplateConstant,
			run.ID,
			run.Workflow,
			run.Event,
			placeholder(run.Ref),
			run.Status,
			run.ExitCode,
			humanize.RelTime(run.StartedAt, now, "ago", "from now"),
			formatDuration(run.Duration()),
		)
	}
	return table.Flush()
}

func (builder *CommandBuilder) runShow(command *cobra.Command, arguments []string) error {
	store, openError := builder.openStore()
	if openError != nil {
		return openError
	}
	defer builder.closeStore(store)

	identifier := strings.TrimSpace(arguments[0])
	run, getError := store.GetRun(command.Context(), identifier)
	if getError != nil {
		if errors.Is(getError, runhistory.ErrRunNotFound) {
			return fmt.Errorf(runNotFoundTemplateConstant, identifier, runhistory.ErrRunNotFound)
		}
		return getError
	}
	return writeRun(command.OutOrStdout(), run)
}

func writeRun(writer io.Writer, run runhistory.Run) error {
	fmt.Fprintf(writer, "run %s\n", run.ID)
	fmt.Fprintf(writer, "  workflow: %s\n", run.Workflow)
	fmt.Fprintf(writer, "  event:    %s\n", run.Event)
	fmt.Fprintf(writer, "  ref:      %s\n", placeholder(run.Ref))
	fmt.Fprintf(writer, "  status:   %s (exit %d)\n", run.Status, run.ExitCode)
	fmt.Fprintf(writer, "  started:  %s\n", run.StartedAt.UTC().Format(timestampLayoutConstant))
	fmt.Fprintf(writer, "  duration: %s\n", formatDuration(run.Duration()))
	if len(run.Instances) == 0 {
		return nil
	}

	fmt.Fprintln(writer)
	table := tabwriter.NewWriter(writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(table, instanceHeaderConstant)
	for _, instance := range run.Instances {
		fmt.Fprintf(table, instanceRowTemplateConstant,
			instance.DisplayName,
			placeholder(instance.RunsOn),
			instance.Status,
			instance.ExitCode,
			formatDuration(instanceDuration(instance)),
			placeholder(instance.FailedStep),
		)
	}
	if flushError := table.Flush(); flushError != nil {
		return flushError
	}

	for _, instance := range run.Instances {
		if len(instance.Combination) > 0 {
			fmt.Fprintf(writer, "%s matrix: %s\n", instance.DisplayName, formatCombination(instance.Combination))
		}
		if len(instance.Error) > 0 {
			fmt.Fprintf(writer, "%s error: %s\n", instance.DisplayName, instance.Error)
		}
	}
	return nil
}

func (builder *CommandBuilder) openStore() (*runhistory.Store, error) {
	configuration := DefaultCommandConfiguration()
	if builder.ConfigurationProvider != nil {
		configuration = builder.ConfigurationProvider()
	}
	path := strings.TrimSpace(configuration.Path)
	if !configuration.Enabled || len(path) == 0 {
		return nil, ErrHistoryDisabled
	}
	opener := builder.Opener
	if opener == nil {
		opener = runhistory.Open
	}
	return opener(path, builder.logger())
}

func (builder *CommandBuilder) closeStore(store *runhistory.Store) {
	if closeError := store.Close(); closeError != nil {
		builder.logger().Warn(closeFailedMessageConstant, zap.Error(closeError))
	}
}

func (builder *CommandBuilder) logger() *zap.Logger {
	if builder.LoggerProvider != nil {
		if logger := builder.LoggerProvider(); logger != nil {
			return logger
		}
	}
	return zap.NewNop()
}

func (builder *CommandBuilder) now() time.Time {
	if builder.Clock != nil {
		return builder.Clock()
	}
	return time.Now()
}

func instanceDuration(instance runhistory.Instance) time.Duration {
	if instance.StartedAt.IsZero() || instance.FinishedAt.Before(instance.StartedAt) {
		return 0
	}
	return instance.FinishedAt.Sub(instance.StartedAt)
}

// formatDuration rounds to whole seconds; sub-second runs print as "<1s".
func formatDuration(duration time.Duration) string {
	if duration < time.Second {
		return "<1s"
	}
	return duration.Round(time.Second).String()
}

func formatCombination(combination map[string]string) string {
	keys := make([]string, 0, len(combination))
	for key := range combination {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		pairs = append(pairs, key+"="+combination[key])
	}
	return strings.Join(pairs, ", ")
}

func placeholder(value string) string {
	if len(strings.TrimSpace(value)) == 0 {
		return "-"
	}
	return value
}
