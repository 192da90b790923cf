package notification

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-resty/resty/v2"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/twilio/twilio-go"
	v2010 "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/communitywatch/response-core/internal/config"
)

// SMSClient delivers messages through Twilio
type SMSClient struct {
	config config.SMSConfig
	logger *slog.Logger
	client *twilio.RestClient
}

// NewSMSClient creates a Twilio SMS client
func NewSMSClient(cfg config.SMSConfig, logger *slog.Logger) *SMSClient {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.TwilioAccountSID,
		Password: cfg.TwilioAuthToken,
	})

	return &SMSClient{
		config: cfg,
		logger: logger,
		client: client,
	}
}

// Send delivers one SMS
func (c *SMSClient) Send(_ context.Context, msg *Message) error {
	params := &v2010.CreateMessageParams{}
	params.SetTo(msg.Destination)
	params.SetFrom(c.config.FromNumber)
	params.SetBody(msg.Body)

	resp, err := c.client.Api.CreateMessage(params)
	if err != nil {
		return fmt.Errorf("failed to send SMS via Twilio: %w", err)
	}

	if resp.Sid != nil {
		c.logger.Debug("SMS accepted by Twilio", "message_id", msg.ID, "sid", *resp.Sid)
	}
	return nil
}

// EmailClient delivers messages through SendGrid
type EmailClient struct {
	config config.EmailConfig
	logger *slog.Logger
	client *sendgrid.Client
}

// NewEmailClient creates a SendGrid email client
func NewEmailClient(cfg config.EmailConfig, logger *slog.Logger) *EmailClient {
	return &EmailClient{
		config: cfg,
		logger: logger,
		client: sendgrid.NewSendClient(cfg.SendGridAPIKey),
	}
}

// Send delivers one email
func (c *EmailClient) Send(ctx context.Context, msg *Message) error {
	from := mail.NewEmail(c.config.FromName, c.config.FromAddress)
	to := mail.NewEmail("", msg.Destination)

	subject := "Incident escalation"
	if incidentID, ok := msg.Metadata["incident_id"].(string); ok {
		subject = fmt.Sprintf("Incident escalation: %s", incidentID)
	}

	message := mail.NewSingleEmail(from, subject, to, msg.Body, "")
	response, err := c.client.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("failed to send email via SendGrid: %w", err)
	}
	if response.StatusCode >= 400 {
		return fmt.Errorf("SendGrid rejected email with status %d", response.StatusCode)
	}

	return nil
}

// WebhookClient posts messages to a push gateway endpoint
type WebhookClient struct {
	config config.WebhookConfig
	logger *slog.Logger
	client *resty.Client
}

// NewWebhookClient creates a webhook client
func NewWebhookClient(cfg config.WebhookConfig, logger *slog.Logger) *WebhookClient {
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(2)

	return &WebhookClient{
		config: cfg,
		logger: logger,
		client: client,
	}
}

// Send posts one message to the configured endpoint
func (c *WebhookClient) Send(ctx context.Context, msg *Message) error {
	payload := map[string]interface{}{
		"destination": msg.Destination,
		"body":        msg.Body,
		"metadata":    msg.Metadata,
		"enqueued_at": msg.EnqueuedAt,
	}

	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		Post(c.config.Endpoint)
	if err != nil {
		return fmt.Errorf("failed to post webhook: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook endpoint returned status %d", resp.StatusCode())
	}

	return nil
}
