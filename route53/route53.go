// Package route53 implements hosted-zone resolution and TXT record
// management for DNS-01 challenges.
package route53

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/route53"
	"github.com/aws/aws-sdk-go/service/route53/route53iface"
)

const (
	ActionCreate = route53.ChangeActionCreate
	ActionDelete = route53.ChangeActionDelete

	defaultTTLSeconds   = 30
	defaultPollInterval = 5 * time.Second
)

// ErrZoneNotFound reports that no visible hosted zone owns a domain.
var ErrZoneNotFound = errors.New("no hosted zone found for domain")

// Manager talks to the DNS provider for one renewal run.
type Manager struct {
	api          route53iface.Route53API
	ttl          int64
	pollInterval time.Duration
	waitTimeout  time.Duration
}

// NewManager wires a Route53 client. A zero waitTimeout means
// propagation waits are unbounded.
func NewManager(
	api route53iface.Route53API,
	ttlSeconds int64,
	pollInterval time.Duration,
	waitTimeout time.Duration,
) *Manager {
	if ttlSeconds <= 0 {
		ttlSeconds = defaultTTLSeconds
	}
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &Manager{
		api:          api,
		ttl:          ttlSeconds,
		pollInterval: pollInterval,
		waitTimeout:  waitTimeout,
	}
}

func zoneMatches(domain, zoneName string) bool {
	if domain == zoneName {
		return true
	}
	if strings.HasSuffix(domain, zoneName) {
		return true
	}
	// Route53 zone names carry a trailing dot.
	return strings.HasSuffix(domain+".", zoneName)
}

// FindZoneID returns the id of the hosted zone owning domain. All
// pages of the zone listing are searched; among matching zones the one
// with the longest name wins, so a "a.example.com" zone beats
// "example.com" regardless of listing order.
func (m *Manager) FindZoneID(
	domain string,
) (
	string,
	error,
) {
	var bestName, bestID string

	lhzParams := &route53.ListHostedZonesInput{}
	err := m.api.ListHostedZonesPages(lhzParams,
		func(page *route53.ListHostedZonesOutput, lastPage bool) bool {
			for _, zone := range page.HostedZones {
				if zone.Name == nil || zone.Id == nil {
					continue
				}
				if !zoneMatches(domain, *zone.Name) {
					continue
				}
				if len(*zone.Name) > len(bestName) {
					bestName = *zone.Name
					bestID = *zone.Id
				}
			}
			return true
		})
	if err != nil {
		return "", fmt.Errorf("listing hosted zones: %w", err)
	}

	if bestID == "" {
		return "", fmt.Errorf("%w: %s", ErrZoneNotFound, domain)
	}

	return bestID, nil
}

// ChangeTXTRecord submits a CREATE or DELETE for a single-value TXT
// record and returns the provider change id. The value is wrapped in
// literal double quotes, which Route53 requires for TXT rdata. A
// DELETE for a record that no longer exists is treated as success with
// an empty change id.
func (m *Manager) ChangeTXTRecord(
	action string,
	zoneID string,
	name string,
	value string,
) (
	string,
	error,
) {
	crrsParams := &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: aws.String(zoneID),
		ChangeBatch: &route53.ChangeBatch{
			Changes: []*route53.Change{
				{
					Action: aws.String(action),
					ResourceRecordSet: &route53.ResourceRecordSet{
						Name: aws.String(name),
						Type: aws.String(route53.RRTypeTxt),
						TTL:  aws.Int64(m.ttl),
						ResourceRecords: []*route53.ResourceRecord{
							{Value: aws.String(quoteTXTValue(value))},
						},
					},
				},
			},
		},
	}

	resp, err := m.api.ChangeResourceRecordSets(crrsParams)
	if err != nil {
		if action == ActionDelete && isRecordAbsent(err) {
			return "", nil
		}
		return "", fmt.Errorf("changing record set %s %s: %w", action, name, err)
	}

	return aws.StringValue(resp.ChangeInfo.Id), nil
}

// WaitForChange blocks until the change has propagated to all
// authoritative servers, polling the change status at the configured
// interval. With a zero timeout it waits indefinitely; a stuck
// provider blocks the calling renewal attempt.
func (m *Manager) WaitForChange(
	ctx context.Context,
	changeID string,
) error {
	if changeID == "" {
		return nil
	}

	var deadline time.Time
	if m.waitTimeout > 0 {
		deadline = time.Now().Add(m.waitTimeout)
	}

	gcParams := &route53.GetChangeInput{
		Id: aws.String(changeID),
	}
	for {
		resp, err := m.api.GetChange(gcParams)
		if err != nil {
			return fmt.Errorf("getting change %s: %w", changeID, err)
		}
		if resp.ChangeInfo != nil &&
			aws.StringValue(resp.ChangeInfo.Status) == route53.ChangeStatusInsync {
			return nil
		}

		if !deadline.IsZero() && time.Now().After(deadline) {
			return fmt.Errorf(
				"timed out after %s waiting for change %s to propagate",
				m.waitTimeout, changeID,
			)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.pollInterval):
		}
	}
}

func quoteTXTValue(value string) string {
	if strings.HasPrefix(value, `"`) {
		return value
	}
	return `"` + value + `"`
}

// isRecordAbsent detects the InvalidChangeBatch error Route53 returns
// for a DELETE whose record set is already gone.
func isRecordAbsent(err error) bool {
	var awsErr awserr.Error
	if !errors.As(err, &awsErr) {
		return false
	}
	if awsErr.Code() != "InvalidChangeBatch" {
		return false
	}
	return strings.Contains(awsErr.Message(), "not found")
}
