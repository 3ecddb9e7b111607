// Package renewal drives certificate rotation for the configured
// domain entries: key generation, per-host DNS challenges, issuance,
// persistence and load-balancer attachment, with guaranteed cleanup of
// every DNS record published along the way.
package renewal

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gdhbashton/letsencrypt-aws/challenge"
	"github.com/gdhbashton/letsencrypt-aws/config"
	"github.com/gdhbashton/letsencrypt-aws/deploy"
	"github.com/gdhbashton/letsencrypt-aws/events"
	"github.com/gdhbashton/letsencrypt-aws/letsencrypt"
	"github.com/gdhbashton/letsencrypt-aws/notify"
)

const defaultRenewalThreshold = 45 * 24 * time.Hour

type Issuer interface {
	IssueCertificate(ctx context.Context, csrDER []byte, hosts []string) (*letsencrypt.CertBundle, error)
}

type Challenger interface {
	Start(ctx context.Context, elbName, host string) (*challenge.AuthorizationRecord, error)
	Complete(ctx context.Context, elbName string, rec *challenge.AuthorizationRecord) error
	Cleanup(ctx context.Context, elbName string, rec *challenge.AuthorizationRecord) error
}

type CertDeployer interface {
	Attach(elbName string, listener config.ListenerSpec, bundle *letsencrypt.CertBundle, privateKeyPEM []byte, createListener bool) error
	AttachedCertificateExpiration(elbName string, port int64) (time.Time, error)
}

type Notifier interface {
	PublishResult(msg notify.Message) error
}

type Options struct {
	ForceIssue     bool
	CertOnly       bool
	CreateListener bool

	// RenewalThreshold is how close to expiration the attached
	// certificate must be before a new one is issued; zero means the
	// 45-day default.
	RenewalThreshold time.Duration
}

// Coordinator owns one run's collaborators. It is not safe for
// concurrent use: callers wanting parallel domain entries must build
// one Coordinator, with its own client set, per entry.
type Coordinator struct {
	Issuer     Issuer
	Challenges Challenger
	Deployer   CertDeployer
	Notifier   Notifier
	Emitter    events.Emitter

	PrivateKeyPath string
	FullchainPath  string

	Options Options
}

func (c *Coordinator) emit(event string, fields ...events.Field) {
	if c.Emitter != nil {
		c.Emitter.Emit(event, fields...)
	}
}

func (c *Coordinator) threshold() time.Duration {
	if c.Options.RenewalThreshold > 0 {
		return c.Options.RenewalThreshold
	}
	return defaultRenewalThreshold
}

// RenewAll processes the domain entries strictly in order. A failed
// entry does not stop the remaining entries; the aggregate error names
// every entry that failed.
func (c *Coordinator) RenewAll(
	ctx context.Context,
	entries []config.DomainEntry,
) error {
	var failures []string
	for _, entry := range entries {
		if err := c.Renew(ctx, entry); err != nil {
			c.emit("updating-elb.error",
				events.F("elb_name", entry.ELB.Name),
				events.F("error", err),
			)
			failures = append(failures,
				fmt.Sprintf("%s: %v", entry.ELB.Name, err))
		}
	}
	if len(failures) > 0 {
		return fmt.Errorf(
			"renewal failed for %d of %d domain entries: %s",
			len(failures), len(entries), strings.Join(failures, "; "),
		)
	}
	return nil
}

// Renew runs one domain entry end to end. Every DNS record published
// during the attempt is deleted before Renew returns, on success and
// on every failure path; a failed deletion is reported through the
// emitter and does not stop the remaining deletions.
func (c *Coordinator) Renew(
	ctx context.Context,
	entry config.DomainEntry,
) (err error) {
	elbName := entry.ELB.Name
	c.emit("updating-elb", events.F("elb_name", elbName))

	status := "renewed"
	defer func() {
		c.publishResult(entry, status, err)
	}()

	if len(entry.Hosts) == 0 {
		return fmt.Errorf("domain entry for ELB %q has no hosts", elbName)
	}

	if !c.Options.ForceIssue && !c.Options.CertOnly && c.Deployer != nil {
		expiration, lookupErr := c.Deployer.AttachedCertificateExpiration(
			elbName, entry.ELB.Listener.LoadBalancerPort,
		)
		switch {
		case lookupErr != nil:
			// No listener or no attached certificate means there is
			// nothing to keep; issue a new one.
			c.emit("updating-elb.expiration-unknown",
				events.F("elb_name", elbName),
				events.F("error", lookupErr),
			)
		case time.Until(expiration) > c.threshold():
			c.emit("updating-elb.certificate-current",
				events.F("elb_name", elbName),
				events.F("expiration", expiration),
			)
			status = "skipped"
			return nil
		}
	}

	key, err := letsencrypt.GenerateKey(entry.KeyType)
	if err != nil {
		return fmt.Errorf("generating key for ELB %q: %w", elbName, err)
	}
	privateKeyPEM, err := letsencrypt.EncodePrivateKeyPEM(key)
	if err != nil {
		return err
	}
	if err := deploy.WritePrivateKey(c.PrivateKeyPath, privateKeyPEM); err != nil {
		return err
	}

	csrDER, err := letsencrypt.GenerateCSR(key, entry.Hosts)
	if err != nil {
		return fmt.Errorf("generating CSR for ELB %q: %w", elbName, err)
	}

	var records []*challenge.AuthorizationRecord
	defer func() {
		for _, rec := range records {
			c.emit("updating-elb.delete-txt-record",
				events.F("elb_name", elbName),
				events.F("host", rec.Host),
			)
			if cleanupErr := c.Challenges.Cleanup(ctx, elbName, rec); cleanupErr != nil {
				c.emit("updating-elb.delete-txt-record.error",
					events.F("elb_name", elbName),
					events.F("host", rec.Host),
					events.F("error", cleanupErr),
				)
			}
		}
	}()

	// Publish every host's record first, then validate. A record is
	// retained the moment it exists so the cleanup pass can always
	// find it, even when a later host fails.
	for _, host := range entry.Hosts {
		rec, startErr := c.Challenges.Start(ctx, elbName, host)
		if rec != nil {
			records = append(records, rec)
		}
		if startErr != nil {
			return startErr
		}
	}

	for _, rec := range records {
		if completeErr := c.Challenges.Complete(ctx, elbName, rec); completeErr != nil {
			return completeErr
		}
	}

	c.emit("updating-elb.request-cert", events.F("elb_name", elbName))
	bundle, err := c.Issuer.IssueCertificate(ctx, csrDER, entry.Hosts)
	if err != nil {
		return fmt.Errorf("issuing certificate for ELB %q: %w", elbName, err)
	}

	if err := deploy.WriteFullchain(c.FullchainPath, bundle.FullchainPEM()); err != nil {
		return err
	}

	if !c.Options.CertOnly && c.Deployer != nil {
		if err := c.Deployer.Attach(
			elbName,
			entry.ELB.Listener,
			bundle,
			privateKeyPEM,
			c.Options.CreateListener,
		); err != nil {
			return err
		}
	}

	return nil
}

// publishResult sends the entry's outcome to the notifier, when one is
// configured. Notification failures are reported but never fatal.
func (c *Coordinator) publishResult(
	entry config.DomainEntry,
	status string,
	err error,
) {
	if c.Notifier == nil {
		return
	}
	msg := notify.Message{
		ELBName: entry.ELB.Name,
		Hosts:   entry.Hosts,
		Status:  status,
	}
	if err != nil {
		msg.Status = "failed"
		msg.Error = err.Error()
	}
	if pubErr := c.Notifier.PublishResult(msg); pubErr != nil {
		c.emit("updating-elb.notify.error",
			events.F("elb_name", entry.ELB.Name),
			events.F("error", pubErr),
		)
	}
}
