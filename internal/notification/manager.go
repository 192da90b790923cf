package notification

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/communitywatch/response-core/internal/config"
	"github.com/communitywatch/response-core/internal/metrics"
)

// Delivery channels
const (
	ChannelSMS     = "sms"
	ChannelEmail   = "email"
	ChannelWebhook = "webhook"
)

// Message is one queued outbound notification
type Message struct {
	ID          string
	Destination string
	Channel     string
	Body        string
	Metadata    map[string]interface{}
	EnqueuedAt  time.Time
}

// Manager delivers outbound messages through SMS, email and webhook
// channels. Enqueue is fire-and-forget: delivery runs on a worker pool
// and failures are logged and counted, never surfaced to the caller.
type Manager struct {
	config       config.NotificationsConfig
	logger       *slog.Logger
	metrics      *metrics.Collector
	smsClient    *SMSClient
	emailClient  *EmailClient
	webhook      *WebhookClient
	rateLimiters map[string]*rate.Limiter
	queue        chan *Message
	shutdownOnce sync.Once
	shutdownChan chan struct{}
	wg           sync.WaitGroup
}

// NewManager creates a notification manager
func NewManager(cfg config.NotificationsConfig, logger *slog.Logger, collector *metrics.Collector) *Manager {
	m := &Manager{
		config:       cfg,
		logger:       logger,
		metrics:      collector,
		queue:        make(chan *Message, cfg.QueueSize),
		shutdownChan: make(chan struct{}),
		rateLimiters: map[string]*rate.Limiter{
			ChannelSMS:     perMinuteLimiter(cfg.SMS.RateLimitPerMin),
			ChannelEmail:   perMinuteLimiter(cfg.Email.RateLimitPerMin),
			ChannelWebhook: perMinuteLimiter(cfg.Webhook.RateLimitPerMin),
		},
	}

	if cfg.SMS.Enabled {
		m.smsClient = NewSMSClient(cfg.SMS, logger)
	}
	if cfg.Email.Enabled {
		m.emailClient = NewEmailClient(cfg.Email, logger)
	}
	if cfg.Webhook.Enabled {
		m.webhook = NewWebhookClient(cfg.Webhook, logger)
	}

	return m
}

func perMinuteLimiter(perMin int) *rate.Limiter {
	if perMin <= 0 {
		perMin = 60
	}
	return rate.NewLimiter(rate.Limit(float64(perMin)/60.0), perMin)
}

// Start launches the delivery workers
func (m *Manager) Start(ctx context.Context) {
	workers := m.config.WorkerCount
	if workers <= 0 {
		workers = 1
	}
	m.logger.Info("Starting notification manager", "workers", workers)

	for i := 0; i < workers; i++ {
		m.wg.Add(1)
		go m.worker(ctx, i)
	}
}

// Stop drains the workers
func (m *Manager) Stop() {
	m.shutdownOnce.Do(func() {
		m.logger.Info("Stopping notification manager")
		close(m.shutdownChan)
		m.wg.Wait()
		m.logger.Info("Notification manager stopped")
	})
}

// Enqueue queues one message for delivery. A full queue drops the
// message rather than blocking the caller's sweep or request path.
func (m *Manager) Enqueue(_ context.Context, destination, channel, body string, metadata map[string]interface{}) error {
	switch channel {
	case ChannelSMS, ChannelEmail, ChannelWebhook:
	default:
		return fmt.Errorf("unsupported notification channel: %s", channel)
	}

	msg := &Message{
		ID:          uuid.New().String(),
		Destination: destination,
		Channel:     channel,
		Body:        body,
		Metadata:    metadata,
		EnqueuedAt:  time.Now().UTC(),
	}

	select {
	case m.queue <- msg:
		m.metrics.RecordNotification(channel, "queued")
		return nil
	default:
		m.metrics.RecordNotification(channel, "dropped")
		m.logger.Error("Notification queue full, dropping message",
			"message_id", msg.ID,
			"channel", channel)
		return fmt.Errorf("notification queue is full")
	}
}

func (m *Manager) worker(ctx context.Context, id int) {
	defer m.wg.Done()

	for {
		select {
		case <-m.shutdownChan:
			return
		case <-ctx.Done():
			return
		case msg := <-m.queue:
			m.deliver(ctx, msg, id)
		}
	}
}

func (m *Manager) deliver(ctx context.Context, msg *Message, worker int) {
	if limiter := m.rateLimiters[msg.Channel]; limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
	}

	var err error
	switch msg.Channel {
	case ChannelSMS:
		err = m.sendSMS(ctx, msg)
	case ChannelEmail:
		err = m.sendEmail(ctx, msg)
	case ChannelWebhook:
		err = m.sendWebhook(ctx, msg)
	}

	if err != nil {
		m.metrics.RecordNotification(msg.Channel, "failed")
		m.logger.Error("Failed to deliver notification",
			"message_id", msg.ID,
			"channel", msg.Channel,
			"worker", worker,
			"error", err)
		return
	}

	m.metrics.RecordNotification(msg.Channel, "sent")
	m.logger.Debug("Notification delivered",
		"message_id", msg.ID,
		"channel", msg.Channel,
		"worker", worker)
}

func (m *Manager) sendSMS(ctx context.Context, msg *Message) error {
	if m.smsClient == nil {
		return fmt.Errorf("SMS notifications are disabled")
	}
	return m.smsClient.Send(ctx, msg)
}

func (m *Manager) sendEmail(ctx context.Context, msg *Message) error {
	if m.emailClient == nil {
		return fmt.Errorf("email notifications are disabled")
	}
	return m.emailClient.Send(ctx, msg)
}

func (m *Manager) sendWebhook(ctx context.Context, msg *Message) error {
	if m.webhook == nil {
		return fmt.Errorf("webhook notifications are disabled")
	}
	return m.webhook.Send(ctx, msg)
}
