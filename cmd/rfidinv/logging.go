package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/rfidinv/pkg/config"
)

// configureLogger builds the command logger from the loaded config. --verbose
// forces debug unless --log-level was given explicitly.
func configureLogger(cmd *cobra.Command, cfg *config.Config) *logrus.Logger {
	logger := cfg.NewLogger()
	logger.SetOutput(cmd.ErrOrStderr())

	if cmd.Flags().Changed("log-level") {
		return logger
	}
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	return logger
}
