package main

import (
	"fmt"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/elb"
	"github.com/aws/aws-sdk-go/service/iam"
	"github.com/aws/aws-sdk-go/service/kms"
	"github.com/aws/aws-sdk-go/service/route53"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/sns"

	"github.com/gdhbashton/letsencrypt-aws/challenge"
	"github.com/gdhbashton/letsencrypt-aws/config"
	"github.com/gdhbashton/letsencrypt-aws/deploy"
	"github.com/gdhbashton/letsencrypt-aws/events"
	"github.com/gdhbashton/letsencrypt-aws/letsencrypt"
	"github.com/gdhbashton/letsencrypt-aws/notify"
	"github.com/gdhbashton/letsencrypt-aws/renewal"
	dnsmgr "github.com/gdhbashton/letsencrypt-aws/route53"
)

// loadConfig prefers an explicit file over the environment document.
func loadConfig(configPath string) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newCoordinator builds one run's client set and wires the renewal
// coordinator on top of it.
func newCoordinator(
	cfg *config.Config,
	opts renewal.Options,
) (
	*renewal.Coordinator,
	error,
) {
	sess, err := session.NewSession()
	if err != nil {
		return nil, fmt.Errorf("starting AWS session: %w", err)
	}

	accountKey, err := letsencrypt.LoadAccountKey(
		letsencrypt.KeySourceDeps{
			S3:  s3.New(sess),
			KMS: kms.New(sess),
		},
		cfg.ACMEAccountKey,
	)
	if err != nil {
		return nil, err
	}

	emitter := events.LogEmitter{}
	acmeService := letsencrypt.New(accountKey, cfg.ACMEDirectoryURL)
	dns := dnsmgr.NewManager(
		route53.New(sess),
		cfg.DNSTTLSeconds,
		cfg.PollInterval(),
		cfg.PropagationTimeout(),
	)

	opts.RenewalThreshold = cfg.RenewalThreshold()

	coordinator := &renewal.Coordinator{
		Issuer: acmeService,
		Challenges: &challenge.Orchestrator{
			ACME:    acmeService.Client,
			DNS:     dns,
			Emitter: emitter,
		},
		Deployer:       deploy.NewDeployer(elb.New(sess), iam.New(sess), emitter),
		Emitter:        emitter,
		PrivateKeyPath: cfg.PrivateKeyPath,
		FullchainPath:  cfg.FullchainPath,
		Options:        opts,
	}

	if cfg.NotificationSNSTopicARN != "" {
		coordinator.Notifier = &notify.Publisher{
			SNS:      sns.New(sess),
			TopicARN: cfg.NotificationSNSTopicARN,
		}
	}

	return coordinator, nil
}
