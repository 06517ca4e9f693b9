// Copyright Mia srl
// SPDX-License-Identifier: AGPL-3.0-only or Commercial

package cmd

import (
	"github.com/MakeNowJust/heredoc/v2"
	"github.com/spf13/cobra"
)

const (
	// RunCommandName and PlanCommandName identify the subcommands that
	// operate on an experiment, so the root command knows which ones need
	// the full logging pipeline.
	RunCommandName  = "run"
	PlanCommandName = "plan"

	runCmdUsage = RunCommandName + " CONFIG"
	runCmdShort = "fork the hyperparameter sweep described by an experiment configuration"
	runCmdLong  = `Fork the hyperparameter sweep described by an experiment configuration.
	Every list value in the configuration becomes a permutation axis and every
	permutation becomes one training fork of the meta command. Completed runs
	are recorded on the run ledger next to the fork logs and skipped when the
	sweep is started again.

	While the sweep is active the configuration file is watched: saving it
	reloads the configurations and plans the new runs without disturbing the
	forks already in flight.`

	runCmdExample = `# Fork the sweep described by experiment.json
	furcate run experiment.json

	# Cap the concurrent forks regardless of the meta section
	furcate run --max-forks 2 experiment.json

	# Inspect what would be forked without executing anything
	furcate run --dry-run experiment.json`

	planCmdUsage = PlanCommandName + " CONFIG"
	planCmdShort = "print the runs a sweep would fork, without executing anything"
	planCmdLong  = `Print the runs a sweep would fork, without executing anything.
	The experiment configuration is expanded into its permutations and printed
	as a table, or as JSON with --output json. Runs already recorded on the
	run ledger are skipped unless --include-completed is set.`

	planCmdExample = `# Show the pending runs of experiment.json
	furcate plan experiment.json

	# Inspect the full grid as JSON, completed runs included
	furcate plan --include-completed --output json experiment.json`
)

// RunCmd returns the Cobra command that forks a hyperparameter sweep.
func RunCmd() *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:     runCmdUsage,
		Short:   heredoc.Doc(runCmdShort),
		Long:    heredoc.Doc(runCmdLong),
		Example: heredoc.Doc(runCmdExample),

		SilenceErrors: true,
		SilenceUsage:  true,

		ValidArgsFunction: validArgsFunc,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := flags.toOptions(cmd, args)
			if err != nil {
				return handleError(cmd, err)
			}

			if err := opts.validate(); err != nil {
				return handleError(cmd, err)
			}

			if err := opts.executeRun(cmd.Context()); err != nil {
				return handleError(cmd, err)
			}

			return nil
		},
	}

	flags.addFlags(cmd)
	return cmd
}

// PlanCmd returns the Cobra command that prints the pending sweep runs.
func PlanCmd() *cobra.Command {
	flags := &planFlags{}
	cmd := &cobra.Command{
		Use:     planCmdUsage,
		Short:   heredoc.Doc(planCmdShort),
		Long:    heredoc.Doc(planCmdLong),
		Example: heredoc.Doc(planCmdExample),

		SilenceErrors: true,
		SilenceUsage:  true,

		ValidArgsFunction: validArgsFunc,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := flags.toOptions(cmd, args)
			if err != nil {
				return handleError(cmd, err)
			}

			if err := opts.validate(); err != nil {
				return handleError(cmd, err)
			}

			if err := opts.executePlan(); err != nil {
				return handleError(cmd, err)
			}

			return nil
		},
	}

	flags.addFlags(cmd)
	return cmd
}
