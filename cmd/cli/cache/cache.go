// Package cache provides the cache inspection commands.
package cache

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	humanize "github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	cachestore "github.com/shibzuko/ciflow/internal/cache"
	flagutils "github.com/shibzuko/ciflow/internal/utils/flags"
)

const (
	namespaceUseConstant                  = "cache"
	namespaceShortDescriptionConstant     = "Inspect and maintain the dependency cache"
	keyCommandUseConstant                 = "key <pattern>..."
	keyCommandShortDescriptionConstant    = "Print the hashFiles digest of the files matching the patterns"
	keyCommandLongDescriptionConstant     = "key hashes the workspace files matching the glob patterns the same way hashFiles() does in a workflow, so a cache key can be predicted before a run. Patterns starting with ! exclude matches."
	keyCommandExampleConstant             = "ciflow cache key requirements/edx/base.txt\n  ciflow cache key --prefix Linux-pip- 'requirements/**/*.txt'"
	listCommandUseConstant                = "list"
	listCommandShortDescriptionConstant   = "List cache entries, newest first"
	pruneCommandUseConstant               = "prune"
	pruneCommandShortDescriptionConstant  = "Remove cache entries older than --max-age"
	removeCommandUseConstant              = "rm <key>..."
	removeCommandShortDescriptionConstant = "Remove cache entries by key"
	prefixFlagNameConstant                = "prefix"
	prefixFlagUsageConstant               = "Text prepended to the digest"
	maxAgeFlagNameConstant                = "max-age"
	maxAgeFlagUsageConstant               = "Age after which entries are removed (defaults to cache.max_age)"
	directoryMissingMessageConstant       = "cache directory is not configured; set cache.directory"
	noMatchesTemplateConstant             = "no file matches %s"
	maxAgeInvalidTemplateConstant         = "max age must be positive, got %s"
	listHeaderConstant                    = "KEY\tSIZE\tCREATED\tDIGEST"
	listRowTemplateConstant               = "%s\t%s\t%s\t%s\n"
	listEmptyMessageConstant              = "no cache entries"
	pruneResultTemplateConstant           = "removed %d cache entr%s older than %s\n"
	removeResultTemplateConstant          = "removed %s\n"
	shortDigestLengthConstant             = 12
	defaultMaxAgeConstant                 = 7 * 24 * time.Hour
)

// ErrDirectoryMissing reports that no cache directory is configured.
var ErrDirectoryMissing = errors.New(directoryMissingMessageConstant)

// LoggerProvider yields a zap logger for command execution.
type LoggerProvider func() *zap.Logger

// CommandConfiguration captures the cache section.
type CommandConfiguration struct {
	Directory string        `mapstructure:"directory"`
	MaxAge    time.Duration `mapstructure:"max_age"`
}

// DefaultCommandConfiguration provides the cache defaults.
func DefaultCommandConfiguration() CommandConfiguration {
	return CommandConfiguration{MaxAge: defaultMaxAgeConstant}
}

// CommandBuilder assembles the cache command tree.
type CommandBuilder struct {
	LoggerProvider        LoggerProvider
	ConfigurationProvider func() CommandConfiguration
	WorkspaceProvider     func() string
	Clock                 func() time.Time
}

// Build constructs the cache namespace and its subcommands.
func (builder *CommandBuilder) Build() (*cobra.Command, error) {
	namespace := &cobra.Command{
		Use:   namespaceUseConstant,
		Short: namespaceShortDescriptionConstant,
		RunE: func(command *cobra.Command, arguments []string) error {
			return command.Help()
		},
	}

	var prefix string
	var workspaceValues *flagutils.WorkspaceFlagValues
	keyCommand := &cobra.Command{
		Use:     keyCommandUseConstant,
		Short:   keyCommandShortDescriptionConstant,
		Long:    keyCommandLongDescriptionConstant,
		Example: keyCommandExampleConstant,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(command *cobra.Command, arguments []string) error {
			return builder.runKey(command, arguments, workspaceValues.Workspace, prefix)
		},
	}
	workspaceValues = flagutils.BindWorkspaceFlags(keyCommand, flagutils.WorkspaceFlagValues{}, flagutils.WorkspaceFlagDefinition{Enabled: true})
	keyCommand.Flags().StringVar(&prefix, prefixFlagNameConstant, "", prefixFlagUsageConstant)

	listCommand := &cobra.Command{
		Use:   listCommandUseConstant,
		Short: listCommandShortDescriptionConstant,
		Args:  cobra.NoArgs,
		RunE:  builder.runList,
	}

	var maxAge time.Duration
	pruneCommand := &cobra.Command{
		Use:   pruneCommandUseConstant,
		Short: pruneCommandShortDescriptionConstant,
		Args:  cobra.NoArgs,
		RunE: func(command *cobra.Command, arguments []string) error {
			return builder.runPrune(command, maxAge)
		},
	}
	pruneCommand.Flags().DurationVar(&maxAge, maxAgeFlagNameConstant, 0, maxAgeFlagUsageConstant)

	removeCommand := &cobra.Command{
		Use:     removeCommandUseConstant,
		Short:   removeCommandShortDescriptionConstant,
		Aliases: []string{"remove"},
		Args:    cobra.MinimumNArgs(1),
		RunE:    builder.runRemove,
	}

	namespace.AddCommand(keyCommand, listCommand, pruneCommand, removeCommand)
	return namespace, nil
}

func (builder *CommandBuilder) runKey(command *cobra.Command, patterns []string, workspace string, prefix string) error {
	if len(strings.TrimSpace(workspace)) == 0 {
		workspace = builder.resolveWorkspace()
	}
	digest, hashError := cachestore.HashFiles(workspace, patterns...)
	if hashError != nil {
		return hashError
	}
	if len(digest) == 0 {
		return fmt.Errorf(noMatchesTemplateConstant, strings.Join(patterns, " "))
	}
	fmt.Fprintln(command.OutOrStdout(), prefix+digest)
	return nil
}

func (builder *CommandBuilder) runList(command *cobra.Command, _ []string) error {
	store, storeError := builder.openStore()
	if storeError != nil {
		return storeError
	}
	entries, listError := store.List()
	if listError != nil {
		return listError
	}
	writer := command.OutOrStdout()
	if len(entries) == 0 {
		fmt.Fprintln(writer, listEmptyMessageConstant)
		return nil
	}
	return writeEntries(writer, entries, builder.now())
}

func (builder *CommandBuilder) runPrune(command *cobra.Command, maxAge time.Duration) error {
	if maxAge == 0 {
		maxAge = builder.resolveConfiguration().MaxAge
	}
	if maxAge <= 0 {
		return fmt.Errorf(maxAgeInvalidTemplateConstant, maxAge)
	}
	store, storeError := builder.openStore()
	if storeError != nil {
		return storeError
	}
	removed, pruneError := store.Prune(maxAge)
	suffix := "ies"
	if len(removed) == 1 {
		suffix = "y"
	}
	fmt.Fprintf(command.OutOrStdout(), pruneResultTemplateConstant, len(removed), suffix, maxAge)
	return pruneError
}

func (builder *CommandBuilder) runRemove(command *cobra.Command, keys []string) error {
	store, storeError := builder.openStore()
	if storeError != nil {
		return storeError
	}
	var removeErrors []error
	for _, key := range keys {
		if removeError := store.Remove(key); removeError != nil {
			removeErrors = append(removeErrors, removeError)
			continue
		}
		fmt.Fprintf(command.OutOrStdout(), removeResultTemplateConstant, key)
	}
	return errors.Join(removeErrors...)
}

func (builder *CommandBuilder) openStore() (*cachestore.Store, error) {
	configuration := builder.resolveConfiguration()
	if len(strings.TrimSpace(configuration.Directory)) == 0 {
		return nil, ErrDirectoryMissing
	}
	var options []cachestore.StoreOption
	if builder.Clock != nil {
		options = append(options, cachestore.WithClock(builder.Clock))
	}
	return cachestore.NewStore(configuration.Directory, builder.resolveLogger(), options...)
}

func (builder *CommandBuilder) resolveConfiguration() CommandConfiguration {
	if builder.ConfigurationProvider == nil {
		return DefaultCommandConfiguration()
	}
	return builder.ConfigurationProvider()
}

func (builder *CommandBuilder) resolveLogger() *zap.Logger {
	if builder.LoggerProvider == nil {
		return zap.NewNop()
	}
	if logger := builder.LoggerProvider(); logger != nil {
		return logger
	}
	return zap.NewNop()
}

func (builder *CommandBuilder) resolveWorkspace() string {
	if builder.WorkspaceProvider != nil {
		if workspace := strings.TrimSpace(builder.WorkspaceProvider()); len(workspace) > 0 {
			return workspace
		}
	}
	return "."
}

func (builder *CommandBuilder) now() time.Time {
	if builder.Clock != nil {
		return builder.Clock()
	}
	return time.Now()
}

func writeEntries(writer io.Writer, entries []cachestore.Entry, now time.Time) error {
	table := tabwriter.NewWriter(writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(table, listHeaderConstant)
	for _, entry := range entries {
		fmt.Fprintf(table, listRowTemplateConstant,
			entry.Key,
			humanize.IBytes(uint64(entry.Size)),
			humanize.RelTime(entry.CreatedAt, now, "ago", "from now"),
			shortDigest(entry.Digest),
		)
	}
	return table.Flush()
}

func shortDigest(digest string) string {
	if len(digest) > shortDigestLengthConstant {
		return digest[:shortDigestLengthConstant]
	}
	return digest
}
