package domain

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ses"
	"github.com/aws/aws-sdk-go/service/ses/sesiface"
)

// AmazonSESSettings configures the SES driver.
type AmazonSESSettings struct {
	Region           string `json:"region"`
	AccessKey        string `json:"access_key"`
	SecretKey        string `json:"secret_key"`
	ConfigurationSet string `json:"configuration_set,omitempty"`
	SandboxMode      bool   `json:"sandbox_mode,omitempty"`
}

// SESProvider sends through Amazon SES. Delivery feedback arrives
// asynchronously over SNS and is handled by the feedback ingestor.
type SESProvider struct {
	client   sesiface.SESAPI
	settings AmazonSESSettings
}

// NewSESProvider builds an SES driver from settings.
func NewSESProvider(settings AmazonSESSettings) (*SESProvider, error) {
	sess, err := session.NewSession(&aws.Config{
		Region:      aws.String(settings.Region),
		Credentials: credentials.NewStaticCredentials(settings.AccessKey, settings.SecretKey, ""),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}
	return &SESProvider{client: ses.New(sess), settings: settings}, nil
}

// NewSESProviderWithClient is used by tests to inject a fake client.
func NewSESProviderWithClient(client sesiface.SESAPI, settings AmazonSESSettings) *SESProvider {
	return &SESProvider{client: client, settings: settings}
}

func (p *SESProvider) Kind() EmailProviderKind { return EmailProviderKindSES }

func (p *SESProvider) Send(ctx context.Context, msg *OutboundMessage) (*SendReceipt, error) {
	body := &ses.Body{
		Html: &ses.Content{Charset: aws.String("UTF-8"), Data: aws.String(msg.HTML)},
	}
	if msg.Text != "" {
		body.Text = &ses.Content{Charset: aws.String("UTF-8"), Data: aws.String(msg.Text)}
	}

	input := &ses.SendEmailInput{
		Source: aws.String(fmt.Sprintf("%s <%s>", msg.FromName, msg.FromEmail)),
		Destination: &ses.Destination{
			ToAddresses: []*string{aws.String(msg.To)},
		},
		Message: &ses.Message{
			Subject: &ses.Content{Charset: aws.String("UTF-8"), Data: aws.String(msg.Subject)},
			Body:    body,
		},
	}
	if msg.ReplyTo != "" {
		input.ReplyToAddresses = []*string{aws.String(msg.ReplyTo)}
	}
	if p.settings.ConfigurationSet != "" {
		input.ConfigurationSetName = aws.String(p.settings.ConfigurationSet)
	}

	out, err := p.client.SendEmailWithContext(ctx, input)
	if err != nil {
		return nil, err
	}
	return &SendReceipt{MessageID: aws.StringValue(out.MessageId)}, nil
}

// Verify checks the account send quota as a credentials probe.
func (p *SESProvider) Verify(ctx context.Context) error {
	_, err := p.client.GetSendQuotaWithContext(ctx, &ses.GetSendQuotaInput{})
	if err != nil {
		return fmt.Errorf("SES verification failed: %w", err)
	}
	return nil
}
