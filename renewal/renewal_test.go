package renewal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/acme"

	"github.com/gdhbashton/letsencrypt-aws/challenge"
	"github.com/gdhbashton/letsencrypt-aws/config"
	"github.com/gdhbashton/letsencrypt-aws/events"
	"github.com/gdhbashton/letsencrypt-aws/letsencrypt"
	"github.com/gdhbashton/letsencrypt-aws/notify"
	"github.com/gdhbashton/letsencrypt-aws/route53"
)

type fakeChallenger struct {
	startErrFor    map[string]error
	completeErrFor map[string]error
	cleanupErrFor  map[string]error

	started   []string
	completed []string
	cleaned   []string
}

func (f *fakeChallenger) Start(
	ctx context.Context,
	elbName, host string,
) (*challenge.AuthorizationRecord, error) {
	if err, ok := f.startErrFor[host]; ok {
		return nil, fmt.Errorf("resolving zone for %s: %w", host, err)
	}
	f.started = append(f.started, host)
	return &challenge.AuthorizationRecord{
		Host:        host,
		Authz:       &acme.Authorization{URI: "https://acme.test/authz/" + host},
		Challenge:   &acme.Challenge{Type: "dns-01", Token: "tok-" + host},
		ZoneID:      "Z1",
		ChangeID:    "change-" + host,
		RecordName:  "_acme-challenge." + host + ".",
		RecordValue: "proof-" + host,
	}, nil
}

func (f *fakeChallenger) Complete(
	ctx context.Context,
	elbName string,
	rec *challenge.AuthorizationRecord,
) error {
	if err, ok := f.completeErrFor[rec.Host]; ok {
		return err
	}
	f.completed = append(f.completed, rec.Host)
	return nil
}

func (f *fakeChallenger) Cleanup(
	ctx context.Context,
	elbName string,
	rec *challenge.AuthorizationRecord,
) error {
	if err, ok := f.cleanupErrFor[rec.Host]; ok {
		return err
	}
	f.cleaned = append(f.cleaned, rec.Host)
	return nil
}

type fakeIssuer struct {
	err    error
	issued [][]string
}

func (f *fakeIssuer) IssueCertificate(
	ctx context.Context,
	csrDER []byte,
	hosts []string,
) (*letsencrypt.CertBundle, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.issued = append(f.issued, hosts)
	return &letsencrypt.CertBundle{
		CertificatePEM: []byte("-----BEGIN CERTIFICATE-----\nZmFrZQ==\n-----END CERTIFICATE-----\n"),
		ChainPEM:       []byte("-----BEGIN CERTIFICATE-----\nY2hhaW4=\n-----END CERTIFICATE-----\n"),
	}, nil
}

type fakeDeployer struct {
	expiration    time.Time
	expirationErr error
	attachErr     error

	attached []string
}

func (f *fakeDeployer) Attach(
	elbName string,
	listener config.ListenerSpec,
	bundle *letsencrypt.CertBundle,
	privateKeyPEM []byte,
	createListener bool,
) error {
	if f.attachErr != nil {
		return f.attachErr
	}
	f.attached = append(f.attached, elbName)
	return nil
}

func (f *fakeDeployer) AttachedCertificateExpiration(
	elbName string,
	port int64,
) (time.Time, error) {
	if f.expirationErr != nil {
		return time.Time{}, f.expirationErr
	}
	return f.expiration, nil
}

type fakeNotifier struct {
	messages []notify.Message
}

func (f *fakeNotifier) PublishResult(msg notify.Message) error {
	f.messages = append(f.messages, msg)
	return nil
}

func testEntry(hosts ...string) config.DomainEntry {
	return config.DomainEntry{
		ELB: config.ELB{
			Name: "my-elb",
			Listener: config.ListenerSpec{
				LoadBalancerPort: 443,
				InstancePort:     80,
				InstanceProtocol: "http",
			},
		},
		Hosts:   hosts,
		KeyType: "rsa",
	}
}

func testCoordinator(t *testing.T) (*Coordinator, *fakeChallenger, *fakeIssuer, *fakeDeployer, *events.Recorder) {
	t.Helper()
	dir := t.TempDir()
	challenger := &fakeChallenger{}
	issuer := &fakeIssuer{}
	deployer := &fakeDeployer{
		expirationErr: errors.New("no attached certificate"),
	}
	recorder := &events.Recorder{}
	c := &Coordinator{
		Issuer:         issuer,
		Challenges:     challenger,
		Deployer:       deployer,
		Emitter:        recorder,
		PrivateKeyPath: filepath.Join(dir, "privkey.pem"),
		FullchainPath:  filepath.Join(dir, "fullchain.pem"),
	}
	return c, challenger, issuer, deployer, recorder
}

func TestRenewSuccess(t *testing.T) {
	c, challenger, issuer, deployer, recorder := testCoordinator(t)

	err := c.Renew(context.Background(), testEntry("a.example.com", "b.example.com"))
	require.NoError(t, err)

	// All hosts published before any was completed.
	require.Equal(t, []string{"a.example.com", "b.example.com"}, challenger.started)
	require.Equal(t, []string{"a.example.com", "b.example.com"}, challenger.completed)
	require.Equal(t, [][]string{{"a.example.com", "b.example.com"}}, issuer.issued)
	require.Equal(t, []string{"my-elb"}, deployer.attached)

	// Cleanup ran for both records even on success.
	require.Equal(t, []string{"a.example.com", "b.example.com"}, challenger.cleaned)

	// The key and full chain landed on disk.
	keyPEM, err := os.ReadFile(c.PrivateKeyPath)
	require.NoError(t, err)
	require.Contains(t, string(keyPEM), "RSA PRIVATE KEY")

	chainPEM, err := os.ReadFile(c.FullchainPath)
	require.NoError(t, err)
	require.Contains(t, string(chainPEM), "CERTIFICATE")

	names := recorder.Names()
	require.Contains(t, names, "updating-elb")
	require.Contains(t, names, "updating-elb.request-cert")
	require.Contains(t, names, "updating-elb.delete-txt-record")
}

func TestRenewSecondHostZoneFailureCleansFirst(t *testing.T) {
	c, challenger, issuer, _, _ := testCoordinator(t)
	challenger.startErrFor = map[string]error{
		"b.example.org": route53.ErrZoneNotFound,
	}

	err := c.Renew(context.Background(), testEntry("a.example.com", "b.example.org"))
	require.ErrorIs(t, err, route53.ErrZoneNotFound)
	require.Contains(t, err.Error(), "b.example.org")

	// Exactly the first host's record was published and cleaned.
	require.Equal(t, []string{"a.example.com"}, challenger.started)
	require.Equal(t, []string{"a.example.com"}, challenger.cleaned)
	require.Empty(t, challenger.completed)
	require.Empty(t, issuer.issued)
}

func TestRenewCompleteFailureCleansAll(t *testing.T) {
	c, challenger, issuer, _, _ := testCoordinator(t)
	challenger.completeErrFor = map[string]error{
		"b.example.com": challenge.ErrVerificationFailed,
	}

	err := c.Renew(context.Background(),
		testEntry("a.example.com", "b.example.com", "c.example.com"))
	require.ErrorIs(t, err, challenge.ErrVerificationFailed)

	// All three records were published; all three must be deleted.
	require.Equal(t,
		[]string{"a.example.com", "b.example.com", "c.example.com"},
		challenger.started)
	require.Equal(t,
		[]string{"a.example.com", "b.example.com", "c.example.com"},
		challenger.cleaned)
	require.Empty(t, issuer.issued)
}

func TestRenewIssuanceFailureStillCleans(t *testing.T) {
	c, challenger, issuer, deployer, _ := testCoordinator(t)
	issuer.err = errors.New("authority melted")

	err := c.Renew(context.Background(), testEntry("a.example.com"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "authority melted")

	require.Equal(t, []string{"a.example.com"}, challenger.cleaned)
	require.Empty(t, deployer.attached)
}

func TestRenewCleanupFailureDoesNotStopRemaining(t *testing.T) {
	c, challenger, _, _, recorder := testCoordinator(t)
	challenger.cleanupErrFor = map[string]error{
		"a.example.com": errors.New("rate limited"),
	}

	err := c.Renew(context.Background(), testEntry("a.example.com", "b.example.com"))
	require.NoError(t, err)

	// The second record was still deleted, and the failure surfaced
	// as an event.
	require.Equal(t, []string{"b.example.com"}, challenger.cleaned)
	require.Contains(t, recorder.Names(), "updating-elb.delete-txt-record.error")
}

func TestRenewNoHosts(t *testing.T) {
	c, challenger, _, _, _ := testCoordinator(t)

	err := c.Renew(context.Background(), testEntry())
	require.Error(t, err)
	require.Empty(t, challenger.started)
}

func TestRenewBadKeyType(t *testing.T) {
	c, challenger, _, _, _ := testCoordinator(t)
	entry := testEntry("a.example.com")
	entry.KeyType = "dsa"

	err := c.Renew(context.Background(), entry)
	require.ErrorIs(t, err, letsencrypt.ErrUnsupportedKeyType)
	require.Empty(t, challenger.started)
}

func TestRenewSkipsCurrentCertificate(t *testing.T) {
	c, challenger, issuer, deployer, recorder := testCoordinator(t)
	deployer.expirationErr = nil
	deployer.expiration = time.Now().Add(80 * 24 * time.Hour)

	err := c.Renew(context.Background(), testEntry("a.example.com"))
	require.NoError(t, err)

	require.Empty(t, challenger.started)
	require.Empty(t, issuer.issued)
	require.Contains(t, recorder.Names(), "updating-elb.certificate-current")
}

func TestRenewForceIssueBypassesGating(t *testing.T) {
	c, challenger, issuer, _, _ := testCoordinator(t)
	c.Options.ForceIssue = true
	deployer := c.Deployer.(*fakeDeployer)
	deployer.expirationErr = nil
	deployer.expiration = time.Now().Add(80 * 24 * time.Hour)

	err := c.Renew(context.Background(), testEntry("a.example.com"))
	require.NoError(t, err)
	require.Equal(t, []string{"a.example.com"}, challenger.started)
	require.Len(t, issuer.issued, 1)
}

func TestRenewExpiringCertificateIsReissued(t *testing.T) {
	c, _, issuer, deployer, _ := testCoordinator(t)
	deployer.expirationErr = nil
	deployer.expiration = time.Now().Add(10 * 24 * time.Hour)

	err := c.Renew(context.Background(), testEntry("a.example.com"))
	require.NoError(t, err)
	require.Len(t, issuer.issued, 1)
}

func TestRenewCertOnlySkipsAttach(t *testing.T) {
	c, _, issuer, deployer, _ := testCoordinator(t)
	c.Options.CertOnly = true

	err := c.Renew(context.Background(), testEntry("a.example.com"))
	require.NoError(t, err)
	require.Len(t, issuer.issued, 1)
	require.Empty(t, deployer.attached)
}

func TestRenewAllContinuesPastFailures(t *testing.T) {
	c, challenger, issuer, _, _ := testCoordinator(t)
	challenger.startErrFor = map[string]error{
		"bad.example.org": route53.ErrZoneNotFound,
	}

	entries := []config.DomainEntry{
		testEntry("bad.example.org"),
		testEntry("good.example.com"),
	}
	entries[1].ELB.Name = "other-elb"

	err := c.RenewAll(context.Background(), entries)
	require.Error(t, err)
	require.Contains(t, err.Error(), "1 of 2")
	require.Contains(t, err.Error(), "my-elb")

	// The second entry still renewed.
	require.Equal(t, [][]string{{"good.example.com"}}, issuer.issued)
}

func TestRenewPublishesResult(t *testing.T) {
	c, challenger, _, _, _ := testCoordinator(t)
	notifier := &fakeNotifier{}
	c.Notifier = notifier

	require.NoError(t, c.Renew(context.Background(), testEntry("a.example.com")))

	challenger.startErrFor = map[string]error{
		"b.example.org": route53.ErrZoneNotFound,
	}
	require.Error(t, c.Renew(context.Background(), testEntry("b.example.org")))

	require.Len(t, notifier.messages, 2)
	require.Equal(t, "renewed", notifier.messages[0].Status)
	require.Equal(t, "failed", notifier.messages[1].Status)
	require.Contains(t, notifier.messages[1].Error, "b.example.org")
}
