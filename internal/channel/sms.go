package channel

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/aws/smithy-go"

	"github.com/jwalitptl/iris/internal/model"
)

// SNSPublisher is the part of the SNS client the SMS adapter uses.
type SNSPublisher interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// NewSNSClient builds an SNS client from the default AWS credential chain.
func NewSNSClient(ctx context.Context, region string) (*sns.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return sns.NewFromConfig(cfg), nil
}

type SMSConfig struct {
	SenderID string
	// Transactional or Promotional
	SMSType string
}

type SMSAdapter struct {
	client SNSPublisher
	config SMSConfig
}

func NewSMSAdapter(client SNSPublisher, config SMSConfig) *SMSAdapter {
	if config.SMSType == "" {
		config.SMSType = "Transactional"
	}
	return &SMSAdapter{client: client, config: config}
}

func (a *SMSAdapter) Provider() model.Provider { return model.ProviderSMS }

func (a *SMSAdapter) Send(ctx context.Context, msg Message) (string, error) {
	attrs := map[string]types.MessageAttributeValue{
		"AWS.SNS.SMS.SMSType": {
			DataType:    aws.String("String"),
			StringValue: aws.String(a.config.SMSType),
		},
	}
	if a.config.SenderID != "" {
		attrs["AWS.SNS.SMS.SenderID"] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(a.config.SenderID),
		}
	}

	out, err := a.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber:       aws.String(msg.To),
		Message:           aws.String(msg.Body),
		MessageAttributes: attrs,
	})
	if err != nil {
		return "", classifySNSError(err)
	}
	return aws.ToString(out.MessageId), nil
}

// classifySNSError treats rejected parameters and other client faults as
// permanent. Throttling and server faults are retried.
func classifySNSError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorFault() == smithy.FaultClient {
		switch apiErr.ErrorCode() {
		case "Throttling", "ThrottledException", "KMSThrottlingException":
		default:
			return Permanent(fmt.Errorf("sns publish: %w", err))
		}
	}
	return fmt.Errorf("sns publish: %w", err)
}
