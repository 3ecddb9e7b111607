package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"gitlab.com/z0mbie42/rz-go/v2"
	"gitlab.com/z0mbie42/rz-go/v2/log"

	"github.com/gdhbashton/letsencrypt-aws/renewal"
)

// Persistent mode re-runs the rotation once a day.
const persistentSleepInterval = 24 * time.Hour

var (
	rotateForceIssue     bool
	rotateCertOnly       bool
	rotateCreateListener bool
	rotatePersistent     bool
	rotateConfigPath     string
)

var rotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Issue or rotate certificates for all configured domain entries",
	Args:  cobra.NoArgs,
	RunE:  runRotate,
}

func init() {
	rotateCmd.Flags().BoolVar(&rotateForceIssue, "force-issue", false,
		"Issue a new certificate, even if the old one isn't close to expiration")
	rotateCmd.Flags().BoolVar(&rotateCertOnly, "cert-only", false,
		"Only issue the certificate. Do not attempt to add the certificate to the ELB")
	rotateCmd.Flags().BoolVar(&rotateCreateListener, "create-listener", false,
		"Create the HTTPS listener if it is missing")
	rotateCmd.Flags().BoolVar(&rotatePersistent, "persistent", false,
		"Keep running, rotating certificates once a day")
	rotateCmd.Flags().StringVar(&rotateConfigPath, "config", "",
		"Read the configuration document from a file instead of the environment")
}

func runRotate(
	cmd *cobra.Command,
	args []string,
) error {
	log.Info("startup")

	if rotatePersistent && rotateForceIssue {
		return fmt.Errorf("can't specify both --persistent and --force-issue")
	}

	cfg, err := loadConfig(rotateConfigPath)
	if err != nil {
		return err
	}

	opts := renewal.Options{
		ForceIssue:     rotateForceIssue,
		CertOnly:       rotateCertOnly,
		CreateListener: rotateCreateListener,
	}
	coordinator, err := newCoordinator(cfg, opts)
	if err != nil {
		return err
	}

	if !rotatePersistent {
		log.Info("running", rz.String("mode", "single"))
		return coordinator.RenewAll(cmd.Context(), cfg.Domains)
	}

	log.Info("running", rz.String("mode", "persistent"))
	for {
		if err := coordinator.RenewAll(cmd.Context(), cfg.Domains); err != nil {
			log.Warn(
				"Rotation pass finished with failures",
				rz.Err(err),
			)
		}
		log.Info(
			"Sleeping until next rotation pass",
			rz.String("sleep_interval", persistentSleepInterval.String()),
		)
		select {
		case <-cmd.Context().Done():
			return cmd.Context().Err()
		case <-time.After(persistentSleepInterval):
		}
	}
}
