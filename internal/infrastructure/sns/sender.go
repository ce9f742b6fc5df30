package sns

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/go-notify-escalation/internal/config"
)

// PublishAPI is the part of the SNS client the sender needs. *sns.Client satisfies it.
type PublishAPI interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Sender publishes transactional SMS messages through AWS SNS.
type Sender struct {
	client   PublishAPI
	creds    aws.CredentialsProvider
	senderID string
}

// NewSender loads AWS configuration for the SMS region. Static credentials from
// the environment take precedence over the default chain, as for DynamoDB.
func NewSender(ctx context.Context, cfg *config.Config) (*Sender, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.SMS.Region),
	}
	if cfg.AWSAccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AWSAccessKeyID, cfg.AWSSecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if cfg.AWSEndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWSEndpointURL)
		}
	})
	return NewSenderWithClient(client, awsCfg.Credentials, cfg.SMS.SenderID), nil
}

func NewSenderWithClient(client PublishAPI, creds aws.CredentialsProvider, senderID string) *Sender {
	return &Sender{client: client, creds: creds, senderID: senderID}
}

// Publish sends message to phone (E.164) and returns the SNS message id.
func (s *Sender) Publish(ctx context.Context, phone, message string) (string, error) {
	attrs := map[string]types.MessageAttributeValue{
		"AWS.SNS.SMS.SMSType": {DataType: aws.String("String"), StringValue: aws.String("Transactional")},
	}
	if s.senderID != "" {
		attrs["AWS.SNS.SMS.SenderID"] = types.MessageAttributeValue{
			DataType: aws.String("String"), StringValue: aws.String(s.senderID),
		}
	}
	out, err := s.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber:       aws.String(phone),
		Message:           aws.String(message),
		MessageAttributes: attrs,
	})
	if err != nil {
		return "", err
	}
	return aws.ToString(out.MessageId), nil
}

// CheckCredentials resolves the credential chain without sending anything.
func (s *Sender) CheckCredentials(ctx context.Context) error {
	if s.creds == nil {
		return errors.New("no aws credentials provider")
	}
	c, err := s.creds.Retrieve(ctx)
	if err != nil {
		return fmt.Errorf("retrieve aws credentials: %w", err)
	}
	if !c.HasKeys() {
		return errors.New("aws credentials are empty")
	}
	return nil
}
