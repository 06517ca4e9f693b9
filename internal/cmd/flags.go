// Copyright Mia srl
// SPDX-License-Identifier: AGPL-3.0-only or Commercial

package cmd

import (
	"github.com/spf13/cobra"
)

const (
	maxForksFlagName  = "max-forks"
	maxForksFlagUsage = "Maximum number of concurrent forks. Overrides the max_forks meta value."

	seedFlagName  = "seed"
	seedFlagUsage = "Seed for the run order shuffle. Overrides the seed meta value."

	noWatchFlagName  = "no-watch"
	noWatchFlagUsage = "If set, changes to the configuration file are ignored while the sweep runs"

	dryRunFlagName  = "dry-run"
	dryRunFlagUsage = "If set, prints the pending runs instead of forking them"

	outputFlagName  = "output"
	outputFlagShort = "o"
	outputFlagUsage = "Output format of the plan. One of: (text, json)"

	includeCompletedFlagName  = "include-completed"
	includeCompletedFlagUsage = "If set, also lists the runs already recorded on the run ledger"

	outputText = "text"
	outputJSON = "json"
)

// runFlags collects the CLI options of the run command.
type runFlags struct {
	maxForks int
	seed     int64
	noWatch  bool
	dryRun   bool
}

// addFlags registers the CLI flags on cmd.
func (f *runFlags) addFlags(cmd *cobra.Command) {
	cmd.Flags().IntVar(&f.maxForks, maxForksFlagName, 0, maxForksFlagUsage)
	cmd.Flags().Int64Var(&f.seed, seedFlagName, 0, seedFlagUsage)
	cmd.Flags().BoolVar(&f.noWatch, noWatchFlagName, false, noWatchFlagUsage)
	cmd.Flags().BoolVar(&f.dryRun, dryRunFlagName, false, dryRunFlagUsage)
}

// toOptions builds an options instance from the parsed flags and CLI arguments.
func (f *runFlags) toOptions(cmd *cobra.Command, args []string) (*options, error) {
	configPath := ""
	if len(args) > 0 {
		configPath = args[0]
	}

	return &options{
		configPath: configPath,
		maxForks:   f.maxForks,
		seed:       f.seed,
		noWatch:    f.noWatch,
		dryRun:     f.dryRun,
		output:     outputText,
		out:        cmd.OutOrStdout(),
	}, nil
}

// planFlags collects the CLI options of the plan command.
type planFlags struct {
	output           string
	includeCompleted bool
}

// addFlags registers the CLI flags on cmd.
func (f *planFlags) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.output, outputFlagName, outputFlagShort, outputText, outputFlagUsage)
	cmd.Flags().BoolVar(&f.includeCompleted, includeCompletedFlagName, false, includeCompletedFlagUsage)

	_ = cmd.RegisterFlagCompletionFunc(
		outputFlagName,
		cobra.FixedCompletions([]string{outputText, outputJSON}, cobra.ShellCompDirectiveNoFileComp),
	)
}

// toOptions builds an options instance from the parsed flags and CLI arguments.
func (f *planFlags) toOptions(cmd *cobra.Command, args []string) (*options, error) {
	configPath := ""
	if len(args) > 0 {
		configPath = args[0]
	}

	return &options{
		configPath:       configPath,
		output:           f.output,
		includeCompleted: f.includeCompleted,
		out:              cmd.OutOrStdout(),
	}, nil
}
