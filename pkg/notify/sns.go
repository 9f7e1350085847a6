package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
)

// maxSubjectLength is the SNS limit for email subjects.
const maxSubjectLength = 100

// SNSAPI is the subset of the SNS client the publisher needs.
type SNSAPI interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
	Subscribe(ctx context.Context, in *sns.SubscribeInput, optFns ...func(*sns.Options)) (*sns.SubscribeOutput, error)
}

type SNSPublisher struct {
	api      SNSAPI
	topicARN string
}

func NewSNSPublisher(api SNSAPI, topicARN string) *SNSPublisher {
	return &SNSPublisher{api: api, topicARN: topicARN}
}

func (p *SNSPublisher) Publish(ctx context.Context, n Notification) error {
	subject := n.Subject
	if len(subject) > maxSubjectLength {
		subject = subject[:maxSubjectLength]
	}
	in := &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Subject:  aws.String(subject),
		Message:  aws.String(n.Message),
	}
	if len(n.Attributes) > 0 {
		in.MessageAttributes = make(map[string]types.MessageAttributeValue, len(n.Attributes))
		for k, v := range n.Attributes {
			in.MessageAttributes[k] = types.MessageAttributeValue{
				DataType:    aws.String("String"),
				StringValue: aws.String(v),
			}
		}
	}
	if _, err := p.api.Publish(ctx, in); err != nil {
		return fmt.Errorf("sns publish to %s: %w", p.topicARN, err)
	}
	return nil
}

// EnsureEmailSubscription subscribes address to the topic. SNS returns the
// existing subscription for a repeated endpoint, so this is safe at every start.
func (p *SNSPublisher) EnsureEmailSubscription(ctx context.Context, address string) error {
	if address == "" {
		return nil
	}
	out, err := p.api.Subscribe(ctx, &sns.SubscribeInput{
		TopicArn: aws.String(p.topicARN),
		Protocol: aws.String("email"),
		Endpoint: aws.String(address),
	})
	if err != nil {
		return fmt.Errorf("sns subscribe %s: %w", address, err)
	}
	slog.Info("email subscription ensured", "topic", p.topicARN, "subscription", aws.ToString(out.SubscriptionArn))
	return nil
}
