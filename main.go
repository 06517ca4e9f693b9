// Copyright Mia srl
// SPDX-License-Identifier: AGPL-3.0-only or Commercial

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/spf13/cobra"

	internalcmd "github.com/mia-platform/furcate/internal/cmd"
	"github.com/mia-platform/furcate/internal/info"
	"github.com/mia-platform/furcate/internal/logger"
)

var (
	// Version is injected at build time via the Makefile.
	Version = info.Version
	// BuildDate is injected at build time via the Makefile.
	BuildDate = info.BuildDate

	appName      = info.AppName
	versionShort = "Display the " + appName + " version"
)

const (
	appShort = "furcate forks a training command across every permutation of an experiment configuration"

	logLevelFlagName      = "log-level"
	logLevelShortFlagName = "v"
	logLevelEnvName       = "LOG_LEVEL"

	logConfigFlagName  = "log-config"
	logConfigFlagUsage = "path to a custom logging configuration file"

	versionCmdName = "version"
)

var (
	allLoggerLevels = []string{
		logger.TRACE.String(),
		logger.DEBUG.String(),
		logger.INFO.String(),
		logger.WARN.String(),
		logger.ERROR.String(),
	}
	logLevelDefaultValue = logger.INFO.String()
	logLevelFlagUsage    = "set the logging level (possible values: " + strings.Join(allLoggerLevels, ", ") + ")"
)

// rootFlags holds the persistent flags shared across the command tree.
type rootFlags struct {
	logLevel  string
	logConfig string

	// closeLogs releases the log files opened for the executed command; it
	// is set once the logging pipeline is built.
	closeLogs func() error
}

// addFlags registers the persistent CLI flags on cmd.
func (f *rootFlags) addFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.StringVarP(&f.logLevel, logLevelFlagName, logLevelShortFlagName, logLevelDefaultValue, heredoc.Doc(logLevelFlagUsage))
	flags.StringVar(&f.logConfig, logConfigFlagName, "", heredoc.Doc(logConfigFlagUsage))
}

func main() {
	flags := &rootFlags{}
	cmd := rootCmd(flags)
	log := logger.NewLogger(cmd.OutOrStderr())
	ctx, stop := signal.NotifyContext(logger.WithContext(context.Background(), log), os.Interrupt, syscall.SIGTERM)

	exitCode := 0
	if err := cmd.ExecuteContext(ctx); err != nil {
		exitCode = 1
	}

	stop()
	if flags.closeLogs != nil {
		_ = flags.closeLogs()
	}

	os.Exit(exitCode)
}

// rootCmd constructs the root Cobra command with shared configuration.
func rootCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   appName,
		Short: heredoc.Doc(appShort),

		SilenceErrors: true,
		SilenceUsage:  true,

		ValidArgsFunction: cobra.NoFileCompletions,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			switch cmd.Name() {
			case internalcmd.RunCommandName, internalcmd.PlanCommandName:
				return setupLogging(cmd, flags)
			default:
				// commands that never touch an experiment keep the plain
				// context logger and open no log file
				return nil
			}
		},
	}

	cmd.SetFlagErrorFunc(func(c *cobra.Command, err error) error {
		c.PrintErrln(err)
		_ = c.Usage()
		return err
	})

	flags.addFlags(cmd)
	cmd.AddCommand(
		internalcmd.RunCmd(),
		internalcmd.PlanCmd(),
		versionCmd(),
	)

	return cmd
}

// setupLogging builds the configured logging pipeline, stores its closer on
// flags and swaps the logger into the command context. An explicit
// --log-level flag wins over the LOG_LEVEL environment variable.
func setupLogging(cmd *cobra.Command, flags *rootFlags) error {
	logConfig := logger.DefaultConfig()
	if flags.logConfig != "" {
		loaded, err := logger.LoadConfig(flags.logConfig)
		if err != nil {
			cmd.PrintErrln(err)
			return err
		}
		logConfig = loaded
	}

	log, closeLogs, err := logger.Setup(logConfig, logger.Options{Console: cmd.ErrOrStderr()})
	if err != nil {
		cmd.PrintErrln(err)
		return err
	}
	flags.closeLogs = closeLogs

	level := flags.logLevel
	if !cmd.Root().PersistentFlags().Changed(logLevelFlagName) {
		if envLevel := os.Getenv(logLevelEnvName); envLevel != "" {
			level = envLevel
		}
	}
	log.SetLevel(logger.LevelFromString(level))

	cmd.SetContext(logger.WithContext(cmd.Context(), log))
	return nil
}

// versionCmd constructs the Cobra command that prints version information.
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   versionCmdName,
		Short: heredoc.Doc(versionShort),

		Args: func(cmd *cobra.Command, args []string) error {
			err := cobra.NoArgs(cmd, args)
			if err != nil {
				cmd.PrintErrln(err)
				_ = cmd.Usage()
			}

			return err
		},
		ValidArgsFunction: cobra.NoFileCompletions,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), versionString(Version, BuildDate, runtime.Version()))
		},
	}
}

// versionString formats the version metadata for display.
func versionString(version, buildDate, runtimeVersion string) string {
	outputString := version
	if buildDate != "" {
		outputString += " (" + buildDate + ")"
	}

	return outputString + ", Go Version: " + runtimeVersion
}
