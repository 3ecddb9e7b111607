package main

import (
	"os"

	"github.com/spf13/cobra"

	"gitlab.com/z0mbie42/rz-go/v2"
	"gitlab.com/z0mbie42/rz-go/v2/log"
)

const defaultLogLevel = rz.InfoLevel

var rootCmd = &cobra.Command{
	Use:           "letsencrypt-aws",
	Short:         "Issue and rotate Let's Encrypt certificates for AWS ELBs",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(rotateCmd)
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(lambdaCmd)
}

func setupLogging() {
	log.SetLogger(log.With(
		rz.Level(defaultLogLevel),
		rz.Fields(
			rz.Timestamp(true),
		),
	))

	// Set log level based on LOG_LEVEL environment variable.
	if logLevelString, ok := os.LookupEnv("LOG_LEVEL"); ok {
		if logLevel, err := rz.ParseLevel(logLevelString); err == nil {
			log.SetLogger(log.With(
				rz.Level(logLevel),
			))
		} else {
			log.Info(
				"Failed to parse log level string",
				rz.String("input_log_level_string", logLevelString),
				rz.String("environment_variable", "LOG_LEVEL"),
				rz.String("current_log_level", defaultLogLevel.String()),
			)
		}
	}
}

func main() {
	setupLogging()

	if err := rootCmd.Execute(); err != nil {
		log.Error(
			"Command failed",
			rz.Err(err),
		)
		os.Exit(1)
	}
}
