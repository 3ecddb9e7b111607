// Package notify publishes renewal results to an SNS topic.
package notify

import (
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/sns"
	"github.com/aws/aws-sdk-go/service/sns/snsiface"
)

// Message summarizes the outcome of one domain-entry renewal.
type Message struct {
	ELBName  string   `json:"elb"`
	Hosts    []string `json:"hosts"`
	Status   string   `json:"status"`
	Error    string   `json:"error,omitempty"`
	NotAfter string   `json:"not_after,omitempty"`
}

type Publisher struct {
	SNS      snsiface.SNSAPI
	TopicARN string
}

// PublishResult sends the renewal summary to the configured topic.
func (p *Publisher) PublishResult(msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshalling renewal summary: %w", err)
	}

	subject := fmt.Sprintf("Certificate renewal %s: %s", msg.Status, msg.ELBName)

	pParams := &sns.PublishInput{
		Message:  aws.String(string(body)),
		Subject:  aws.String(subject),
		TopicArn: aws.String(p.TopicARN),
	}
	if _, err := p.SNS.Publish(pParams); err != nil {
		return fmt.Errorf("publishing to %s: %w", p.TopicARN, err)
	}
	return nil
}
