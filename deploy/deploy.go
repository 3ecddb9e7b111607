// Package deploy writes issued certificates to durable storage and
// attaches them to classic ELB listeners through IAM server
// certificates.
package deploy

import (
	"crypto/x509"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/elb"
	"github.com/aws/aws-sdk-go/service/elb/elbiface"
	"github.com/aws/aws-sdk-go/service/iam"
	"github.com/aws/aws-sdk-go/service/iam/iamiface"

	"github.com/gdhbashton/letsencrypt-aws/config"
	"github.com/gdhbashton/letsencrypt-aws/events"
	"github.com/gdhbashton/letsencrypt-aws/letsencrypt"
)

const (
	// IAM certificate names are capped at 128 characters.
	maxCertificateNameLen = 128

	// Freshly uploaded IAM certificates take a moment to become
	// visible to ELB.
	defaultAttachAttempts = 10
	defaultRetryInterval  = 2 * time.Second
)

var (
	// ErrListenerNotFound reports that the load balancer has no
	// listener on the requested port.
	ErrListenerNotFound = errors.New("no listener on requested port")

	// ErrCertificateNotFound reports that no attached certificate, or
	// no IAM metadata for it, could be found.
	ErrCertificateNotFound = errors.New("no attached certificate found")
)

type Deployer struct {
	ELB     elbiface.ELBAPI
	IAM     iamiface.IAMAPI
	Emitter events.Emitter

	attachAttempts int
	retryInterval  time.Duration
}

func NewDeployer(
	elbAPI elbiface.ELBAPI,
	iamAPI iamiface.IAMAPI,
	emitter events.Emitter,
) *Deployer {
	return &Deployer{
		ELB:            elbAPI,
		IAM:            iamAPI,
		Emitter:        emitter,
		attachAttempts: defaultAttachAttempts,
		retryInterval:  defaultRetryInterval,
	}
}

func (d *Deployer) emit(event string, fields ...events.Field) {
	if d.Emitter != nil {
		d.Emitter.Emit(event, fields...)
	}
}

// CertificateName derives the IAM server certificate name from the
// issued certificate: serial, expiration date and the covered hosts
// with dots flattened, truncated to the IAM limit.
func CertificateName(
	hosts []string,
	cert *x509.Certificate,
) string {
	flattened := make([]string, len(hosts))
	for i, h := range hosts {
		flattened[i] = strings.ReplaceAll(h, ".", "_")
	}
	name := fmt.Sprintf(
		"%s-%s-%s",
		cert.SerialNumber,
		cert.NotAfter.Format("2006-01-02"),
		strings.Join(flattened, "-"),
	)
	if len(name) > maxCertificateNameLen {
		name = name[:maxCertificateNameLen]
	}
	return name
}

// Attach uploads the bundle as an IAM server certificate and points
// the ELB listener's TLS configuration at it. ELB may not see a fresh
// IAM certificate immediately, so the listener update retries while
// IAM propagates. When the listener is missing and createListener is
// set, an HTTPS listener is created from the listener spec.
func (d *Deployer) Attach(
	elbName string,
	listener config.ListenerSpec,
	bundle *letsencrypt.CertBundle,
	privateKeyPEM []byte,
	createListener bool,
) error {
	leaf, err := bundle.Leaf()
	if err != nil {
		return fmt.Errorf("parsing bundle leaf: %w", err)
	}
	name := CertificateName(leaf.DNSNames, leaf)

	d.emit("updating-elb.upload-iam-certificate",
		events.F("elb_name", elbName),
		events.F("certificate_name", name),
	)
	uscParams := &iam.UploadServerCertificateInput{
		ServerCertificateName: aws.String(name),
		CertificateBody:       aws.String(string(bundle.CertificatePEM)),
		PrivateKey:            aws.String(string(privateKeyPEM)),
	}
	// IAM rejects an empty chain field outright.
	if len(bundle.ChainPEM) > 0 {
		uscParams.CertificateChain = aws.String(string(bundle.ChainPEM))
	}
	uscOutput, err := d.IAM.UploadServerCertificate(uscParams)
	if err != nil {
		return fmt.Errorf("uploading server certificate %q: %w", name, err)
	}
	arn := aws.StringValue(uscOutput.ServerCertificateMetadata.Arn)

	d.emit("updating-elb.set-listener-certificate",
		events.F("elb_name", elbName),
		events.F("certificate_arn", arn),
	)

	var lastErr error
	for attempt := 0; attempt < d.attachAttempts; attempt++ {
		_, err := d.ELB.SetLoadBalancerListenerSSLCertificate(
			&elb.SetLoadBalancerListenerSSLCertificateInput{
				LoadBalancerName: aws.String(elbName),
				LoadBalancerPort: aws.Int64(listener.LoadBalancerPort),
				SSLCertificateId: aws.String(arn),
			},
		)
		if err == nil {
			return nil
		}

		var awsErr awserr.Error
		if !errors.As(err, &awsErr) {
			return fmt.Errorf("setting listener certificate on %q: %w", elbName, err)
		}
		switch awsErr.Code() {
		case elb.ErrCodeCertificateNotFoundException, "Throttling":
			lastErr = err
			time.Sleep(d.retryInterval)
		case elb.ErrCodeListenerNotFoundException:
			if createListener {
				return d.createHTTPSListener(elbName, listener, arn)
			}
			return fmt.Errorf(
				"%w: %s port %d", ErrListenerNotFound,
				elbName, listener.LoadBalancerPort,
			)
		default:
			return fmt.Errorf("setting listener certificate on %q: %w", elbName, err)
		}
	}

	return fmt.Errorf(
		"setting listener certificate on %q: gave up after %d attempts: %w",
		elbName, d.attachAttempts, lastErr,
	)
}

func (d *Deployer) createHTTPSListener(
	elbName string,
	listener config.ListenerSpec,
	certificateARN string,
) error {
	d.emit("updating-elb.create-listener",
		events.F("elb_name", elbName),
		events.F("load_balancer_port", listener.LoadBalancerPort),
	)
	_, err := d.ELB.CreateLoadBalancerListeners(
		&elb.CreateLoadBalancerListenersInput{
			LoadBalancerName: aws.String(elbName),
			Listeners: []*elb.Listener{
				{
					Protocol:         aws.String("HTTPS"),
					LoadBalancerPort: aws.Int64(listener.LoadBalancerPort),
					InstanceProtocol: aws.String(strings.ToUpper(listener.InstanceProtocol)),
					InstancePort:     aws.Int64(listener.InstancePort),
					SSLCertificateId: aws.String(certificateARN),
				},
			},
		},
	)
	if err != nil {
		return fmt.Errorf("creating HTTPS listener on %q: %w", elbName, err)
	}
	return nil
}

// AttachedCertificateExpiration resolves the expiration time of the
// certificate currently attached to the listener on the given port,
// via the IAM server certificate metadata. ErrListenerNotFound and
// ErrCertificateNotFound distinguish absence from transport failures.
func (d *Deployer) AttachedCertificateExpiration(
	elbName string,
	port int64,
) (
	time.Time,
	error,
) {
	dlbOutput, err := d.ELB.DescribeLoadBalancers(
		&elb.DescribeLoadBalancersInput{
			LoadBalancerNames: []*string{aws.String(elbName)},
		},
	)
	if err != nil {
		return time.Time{}, fmt.Errorf("describing load balancer %q: %w", elbName, err)
	}
	if len(dlbOutput.LoadBalancerDescriptions) != 1 {
		return time.Time{}, fmt.Errorf(
			"expected one description for load balancer %q, got %d",
			elbName, len(dlbOutput.LoadBalancerDescriptions),
		)
	}

	var certificateID string
	for _, ld := range dlbOutput.LoadBalancerDescriptions[0].ListenerDescriptions {
		if ld.Listener == nil {
			continue
		}
		if aws.Int64Value(ld.Listener.LoadBalancerPort) == port {
			certificateID = aws.StringValue(ld.Listener.SSLCertificateId)
			break
		}
	}
	if certificateID == "" {
		return time.Time{}, fmt.Errorf(
			"%w: %s port %d", ErrListenerNotFound, elbName, port,
		)
	}

	var expiration time.Time
	err = d.IAM.ListServerCertificatesPages(&iam.ListServerCertificatesInput{},
		func(page *iam.ListServerCertificatesOutput, lastPage bool) bool {
			for _, meta := range page.ServerCertificateMetadataList {
				if aws.StringValue(meta.Arn) == certificateID {
					expiration = aws.TimeValue(meta.Expiration)
					return false
				}
			}
			return true
		})
	if err != nil {
		return time.Time{}, fmt.Errorf("listing server certificates: %w", err)
	}
	if expiration.IsZero() {
		return time.Time{}, fmt.Errorf(
			"%w: %s", ErrCertificateNotFound, certificateID,
		)
	}

	return expiration, nil
}
