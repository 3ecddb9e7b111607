package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/spf13/cobra"

	"gitlab.com/z0mbie42/rz-go/v2"
	"gitlab.com/z0mbie42/rz-go/v2/log"

	"github.com/gdhbashton/letsencrypt-aws/renewal"
)

var lambdaCmd = &cobra.Command{
	Use:   "lambda",
	Short: "Run as an AWS Lambda handler, rotating on scheduled events",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		lambda.Start(handleLambdaEvent)
		return nil
	},
}

// handleLambdaEvent runs one rotation pass per CloudWatch scheduled
// event. Configuration comes from the environment, as in the CLI.
func handleLambdaEvent(
	ctx context.Context,
	evt json.RawMessage,
) (
	interface{},
	error,
) {
	var cwEvent events.CloudWatchEvent
	if err := json.Unmarshal(evt, &cwEvent); err != nil || cwEvent.Source != "aws.events" {
		log.Warn(
			"Ignoring event that is not a CloudWatch scheduled event",
			rz.Any("event", evt),
		)
		return nil, fmt.Errorf("unsupported event source %q", cwEvent.Source)
	}

	cfg, err := loadConfig("")
	if err != nil {
		log.Error(
			"Error loading configuration",
			rz.Err(err),
		)
		return nil, err
	}

	coordinator, err := newCoordinator(cfg, renewal.Options{})
	if err != nil {
		log.Error(
			"Error building renewal coordinator",
			rz.Err(err),
		)
		return nil, err
	}

	if err := coordinator.RenewAll(ctx, cfg.Domains); err != nil {
		log.Error(
			"Error handling scheduled rotation",
			rz.Err(err),
		)
		return nil, err
	}

	log.Debug("Successfully handled scheduled rotation")
	return nil, nil
}
