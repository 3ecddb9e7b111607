// Package challenge drives a single host's DNS-01 authorization:
// request the authorization, publish the proof TXT record, wait for
// propagation, verify the proof locally, and submit it to the
// authority. Cleanup of the published record is a separate operation
// the caller must run on every exit path.
package challenge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/acme"

	"github.com/gdhbashton/letsencrypt-aws/events"
	"github.com/gdhbashton/letsencrypt-aws/route53"
)

var (
	// ErrNoDNSChallenge reports an authorization that offers no
	// dns-01 validation path for the host.
	ErrNoDNSChallenge = errors.New("authorization offers no dns-01 challenge")

	// ErrVerificationFailed reports a locally recomputed proof that
	// does not match the published record. Such a proof is never
	// submitted to the authority.
	ErrVerificationFailed = errors.New("local challenge verification failed")
)

// ACMEClient is the authority-side capability the orchestrator
// consumes. *acme.Client satisfies it.
type ACMEClient interface {
	Authorize(ctx context.Context, domain string) (*acme.Authorization, error)
	Accept(ctx context.Context, chal *acme.Challenge) (*acme.Challenge, error)
	WaitAuthorization(ctx context.Context, url string) (*acme.Authorization, error)
	DNS01ChallengeRecord(token string) (string, error)
}

// DNSManager is the zone-provider capability the orchestrator
// consumes. *route53.Manager satisfies it.
type DNSManager interface {
	FindZoneID(domain string) (string, error)
	ChangeTXTRecord(action, zoneID, name, value string) (string, error)
	WaitForChange(ctx context.Context, changeID string) error
}

// AuthorizationRecord is the durable reference to one published DNS
// proof record. Everything Cleanup needs to delete the record exactly
// as it was created is carried here.
type AuthorizationRecord struct {
	Host        string
	Authz       *acme.Authorization
	Challenge   *acme.Challenge
	ZoneID      string
	ChangeID    string
	RecordName  string
	RecordValue string
}

type Orchestrator struct {
	ACME    ACMEClient
	DNS     DNSManager
	Emitter events.Emitter
}

func (o *Orchestrator) emit(event string, fields ...events.Field) {
	if o.Emitter != nil {
		o.Emitter.Emit(event, fields...)
	}
}

// validationDomainName is where the authority looks for the DNS-01
// proof: a fixed prefix of the host, fully qualified.
func validationDomainName(host string) string {
	if !strings.HasSuffix(host, ".") {
		host = host + "."
	}
	return "_acme-challenge." + host
}

// findDNSChallenge selects the dns-01 challenge the authority will
// accept on its own. Authorities that express challenge combinations
// must offer a single-challenge dns-01 combination; otherwise the flat
// challenge list is searched.
func findDNSChallenge(
	authz *acme.Authorization,
) (
	*acme.Challenge,
	error,
) {
	if len(authz.Combinations) > 0 {
		for _, combo := range authz.Combinations {
			if len(combo) != 1 {
				continue
			}
			i := combo[0]
			if i < len(authz.Challenges) && authz.Challenges[i].Type == "dns-01" {
				return authz.Challenges[i], nil
			}
		}
		return nil, ErrNoDNSChallenge
	}

	for _, c := range authz.Challenges {
		if c.Type == "dns-01" {
			return c, nil
		}
	}
	return nil, ErrNoDNSChallenge
}

// Start requests the host's authorization and publishes the proof TXT
// record. The returned record is the caller's only handle to the live
// DNS record; the caller must retain it before doing anything else
// that can fail. No fallible step runs after the record is created.
func (o *Orchestrator) Start(
	ctx context.Context,
	elbName string,
	host string,
) (
	*AuthorizationRecord,
	error,
) {
	o.emit("updating-elb.request-acme-challenge",
		events.F("elb_name", elbName),
		events.F("host", host),
	)
	authz, err := o.ACME.Authorize(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("authorizing %s: %w", host, err)
	}

	chal, err := findDNSChallenge(authz)
	if err != nil {
		return nil, fmt.Errorf("%w: host %s", err, host)
	}

	value, err := o.ACME.DNS01ChallengeRecord(chal.Token)
	if err != nil {
		return nil, fmt.Errorf("computing dns-01 proof for %s: %w", host, err)
	}

	zoneID, err := o.DNS.FindZoneID(host)
	if err != nil {
		return nil, fmt.Errorf("resolving zone for %s: %w", host, err)
	}

	o.emit("updating-elb.create-txt-record",
		events.F("elb_name", elbName),
		events.F("host", host),
	)
	name := validationDomainName(host)
	changeID, err := o.DNS.ChangeTXTRecord(route53.ActionCreate, zoneID, name, value)
	if err != nil {
		return nil, fmt.Errorf("creating TXT record for %s: %w", host, err)
	}

	return &AuthorizationRecord{
		Host:        host,
		Authz:       authz,
		Challenge:   chal,
		ZoneID:      zoneID,
		ChangeID:    changeID,
		RecordName:  name,
		RecordValue: value,
	}, nil
}

// Complete waits for the published record to propagate, verifies the
// proof locally, and submits it to the authority, blocking until the
// authority accepts the authorization.
func (o *Orchestrator) Complete(
	ctx context.Context,
	elbName string,
	rec *AuthorizationRecord,
) error {
	o.emit("updating-elb.wait-for-route53",
		events.F("elb_name", elbName),
		events.F("host", rec.Host),
	)
	if err := o.DNS.WaitForChange(ctx, rec.ChangeID); err != nil {
		return fmt.Errorf("waiting for propagation for %s: %w", rec.Host, err)
	}

	// Recompute the expected proof from the challenge token and the
	// account key. A mismatch with the published value means the
	// record would fail the authority's check; submitting it anyway
	// would burn the authorization.
	o.emit("updating-elb.local-validation",
		events.F("elb_name", elbName),
		events.F("host", rec.Host),
	)
	expected, err := o.ACME.DNS01ChallengeRecord(rec.Challenge.Token)
	if err != nil {
		return fmt.Errorf("recomputing dns-01 proof for %s: %w", rec.Host, err)
	}
	if expected != rec.RecordValue {
		return fmt.Errorf("%w: host %s", ErrVerificationFailed, rec.Host)
	}

	o.emit("updating-elb.answer-challenge",
		events.F("elb_name", elbName),
		events.F("host", rec.Host),
	)
	if _, err := o.ACME.Accept(ctx, rec.Challenge); err != nil {
		return fmt.Errorf("answering challenge for %s: %w", rec.Host, err)
	}
	if _, err := o.ACME.WaitAuthorization(ctx, rec.Authz.URI); err != nil {
		return fmt.Errorf("waiting for authorization of %s: %w", rec.Host, err)
	}

	return nil
}

// Cleanup deletes the proof TXT record using the identical tuple it
// was created with. Deleting a record that is already gone is not an
// error.
func (o *Orchestrator) Cleanup(
	ctx context.Context,
	elbName string,
	rec *AuthorizationRecord,
) error {
	_, err := o.DNS.ChangeTXTRecord(
		route53.ActionDelete,
		rec.ZoneID,
		rec.RecordName,
		rec.RecordValue,
	)
	if err != nil {
		return fmt.Errorf("deleting TXT record for %s: %w", rec.Host, err)
	}
	return nil
}
