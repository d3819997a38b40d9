// Package sns publishes plain-text notifications to one topic.
package sns

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awssns "github.com/aws/aws-sdk-go-v2/service/sns"
)

// Subjects longer than this are rejected by SNS.
const maxSubjectLen = 100

type snsAPI interface {
	Publish(ctx context.Context, params *awssns.PublishInput, optFns ...func(*awssns.Options)) (*awssns.PublishOutput, error)
}

type Publisher struct {
	api      snsAPI
	topicARN string
}

func New(api snsAPI, topicARN string) (*Publisher, error) {
	if api == nil {
		return nil, errors.New("sns: api must not be nil")
	}
	topicARN = strings.TrimSpace(topicARN)
	if topicARN == "" {
		return nil, errors.New("sns: topic arn is empty")
	}
	return &Publisher{api: api, topicARN: topicARN}, nil
}

// Publish sends one message and returns the SNS message id.
func (p *Publisher) Publish(ctx context.Context, subject, message string) (string, error) {
	if len(subject) > maxSubjectLen {
		subject = subject[:maxSubjectLen]
	}
	out, err := p.api.Publish(ctx, &awssns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Subject:  aws.String(subject),
		Message:  aws.String(message),
	})
	if err != nil {
		return "", fmt.Errorf("sns: publish to %s: %w", p.topicARN, err)
	}
	return aws.ToString(out.MessageId), nil
}
