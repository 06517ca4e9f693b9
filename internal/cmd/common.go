// Copyright Mia srl
// SPDX-License-Identifier: AGPL-3.0-only or Commercial

package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mia-platform/furcate/internal/config"
	"github.com/mia-platform/furcate/internal/rundata"
	"github.com/mia-platform/furcate/internal/server"
	"github.com/mia-platform/furcate/internal/sweep"
)

var (
	errNoArguments   = errors.New("no experiment configuration provided")
	errInvalidOutput = errors.New("invalid output format provided")
	errInvalidPort   = errors.New("invalid http port provided")
	errRunsFailed    = errors.New("runs failed")

	// configFileExtensions holds the experiment configuration formats offered
	// during shell completion.
	configFileExtensions = []string{"json", "jsonc", "yaml", "yml"}
)

// handleError will do custom print error handling based on the type of error received.
// it will return nil if the command must return 0 exit code, otherwise it will return
// the original error.
func handleError(cmd *cobra.Command, err error) error {
	switch {
	case errors.Is(err, errNoArguments):
		_ = cmd.Usage() // do not check error as we cannot do much about it
		return nil
	case errors.Is(err, errInvalidOutput):
		cmd.PrintErrln(err)
		_ = cmd.Usage() // do not check error as we cannot do much about it
		return err
	default:
		cmd.PrintErrln(err)
		return err
	}
}

// validArgsFunc completes the single positional argument with experiment
// configuration files.
func validArgsFunc(_ *cobra.Command, args []string, _ string) ([]string, cobra.ShellCompDirective) {
	if len(args) == 0 {
		return configFileExtensions, cobra.ShellCompDirectiveFilterFileExt
	}

	return nil, cobra.ShellCompDirectiveNoFileComp
}

// loadPlan expands cfg into its sweep plan and removes the runs already
// recorded on the ledger, unless includeCompleted keeps them in.
func loadPlan(cfg *config.Config, store *rundata.Store, includeCompleted bool) (*sweep.Plan, error) {
	plan := sweep.Generate(cfg)
	if includeCompleted {
		return plan, nil
	}

	records, err := store.Load()
	if err != nil {
		return nil, err
	}

	for _, record := range records {
		plan.RemoveCompleted(record)
	}

	return plan, nil
}

// serverConfig returns the status server configuration, or nil when neither
// the HTTP_PORT environment variable nor the experiment meta enable it.
// An explicit environment variable wins over the meta value.
func serverConfig(cfg *config.Config) (*server.Config, error) {
	_, envSet := os.LookupEnv(server.PortEnvName)
	if !envSet && cfg.Meta.HTTPPort <= 0 {
		return nil, nil
	}

	srvConfig, err := server.LoadServerConfig()
	if err != nil {
		return nil, err
	}

	if !envSet {
		if cfg.Meta.HTTPPort > 65535 {
			return nil, fmt.Errorf("%w: %d", errInvalidPort, cfg.Meta.HTTPPort)
		}
		srvConfig.HTTPPort = cfg.Meta.HTTPPort
	}

	return srvConfig, nil
}
