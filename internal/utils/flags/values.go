package flags

import (
	"errors"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/shibzuko/ciflow/internal/utils"
)

// ErrFlagNotDefined indicates that the requested flag is not present on the command.
var ErrFlagNotDefined = errors.New("flag not defined")

// BoolFlag reports a boolean flag value and whether the user set it.
func BoolFlag(command *cobra.Command, name string) (bool, bool, error) {
	return typedFlag(command, name, (*pflag.FlagSet).GetBool)
}

// IntFlag reports an integer flag value and whether the user set it.
func IntFlag(command *cobra.Command, name string) (int, bool, error) {
	return typedFlag(command, name, (*pflag.FlagSet).GetInt)
}

// typedFlag finds name on the command, its persistent or inherited sets, or the root, and
// reads it with getter.
func typedFlag[Value any](command *cobra.Command, name string, getter func(*pflag.FlagSet, string) (Value, error)) (Value, bool, error) {
	var zero Value
	if command == nil {
		return zero, false, ErrFlagNotDefined
	}
	for _, flagSet := range []*pflag.FlagSet{command.Flags(), command.PersistentFlags(), command.InheritedFlags(), command.Root().PersistentFlags()} {
		flag := flagSet.Lookup(name)
		if flag == nil {
			continue
		}
		value, getError := getter(flagSet, name)
		if getError != nil {
			return zero, false, getError
		}
		return value, flag.Changed, nil
	}
	return zero, false, ErrFlagNotDefined
}

// CollectExecutionFlags inspects the command's flags to produce execution flag values.
func CollectExecutionFlags(command *cobra.Command) utils.ExecutionFlags {
	executionFlags := utils.ExecutionFlags{}
	if command == nil {
		return executionFlags
	}

	if workersValue, workersChanged, workersError := IntFlag(command, WorkersFlagName); workersError == nil {
		executionFlags.Workers = workersValue
		executionFlags.WorkersSet = workersChanged
	}

	if dryRunValue, dryRunChanged, dryRunError := BoolFlag(command, DryRunFlagName); dryRunError == nil {
		executionFlags.DryRun = dryRunValue
		executionFlags.DryRunSet = dryRunChanged
	}

	return executionFlags
}

// ResolveExecutionFlags returns execution flags from context or flag values, indicating whether any overrides are provided.
func ResolveExecutionFlags(command *cobra.Command) (utils.ExecutionFlags, bool) {
	contextAccessor := utils.NewCommandContextAccessor()
	if command != nil {
		if flags, available := contextAccessor.ExecutionFlags(command.Context()); available {
			return flags, true
		}
	}

	executionFlags := CollectExecutionFlags(command)
	available := executionFlags.WorkersSet || executionFlags.DryRunSet
	return executionFlags, available
}
