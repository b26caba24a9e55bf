package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"

	"vigil/internal/models"
)

// SNSConfig configures the SNS notifier.
type SNSConfig struct {
	TopicARN string
	Region   string
	Subject  string
}

// SNS publishes alerts to an SNS topic.
type SNS struct {
	client  *sns.Client
	topic   string
	subject string
}

// NewSNS creates an SNS notifier for the configured topic.
func NewSNS(ctx context.Context, cfg SNSConfig) (*SNS, error) {
	if cfg.TopicARN == "" {
		return nil, errors.New("sns: topic ARN is required")
	}
	if cfg.Subject == "" {
		cfg.Subject = "IoT Anomaly Alert"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("sns: load aws config: %w", err)
	}

	return &SNS{
		client:  sns.NewFromConfig(awsCfg),
		topic:   cfg.TopicARN,
		subject: cfg.Subject,
	}, nil
}

// Publish sends one alert as a JSON message.
func (n *SNS) Publish(ctx context.Context, alert *models.AlertMessage) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("sns: marshal alert: %w", err)
	}

	_, err = n.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(n.topic),
		Subject:  aws.String(n.subject),
		Message:  aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("sns: publish alert: %w", err)
	}
	return nil
}

// Close releases resources.
func (n *SNS) Close() error {
	return nil
}
