// File: internal/notification/notification.go
package notification

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/smartdevs17/bridge-relayer/internal/config"
	"github.com/smartdevs17/bridge-relayer/internal/metrics"
	"github.com/smartdevs17/bridge-relayer/internal/models"
	"github.com/smartdevs17/bridge-relayer/pkg/utils"
)

// Notifier delivers operator alerts
type Notifier interface {
	// Lifecycle management
	Start(ctx context.Context) error
	Stop() error
	IsHealthy() bool

	// Alert queues an alert for delivery. It never blocks the caller.
	Alert(ctx context.Context, kind models.AlertKind, severity models.Severity, title, message string, data map[string]interface{})

	// Statistics
	GetStats() *NotificationStats
}

// NotificationManager implements Notifier. Every alert is logged; alerts are
// also posted to the webhook when one is configured.
type NotificationManager struct {
	config *NotificationManagerConfig
	logger *NotificationLogger

	mu       sync.RWMutex
	running  bool
	queue    chan *models.Notification
	stopChan chan struct{}
	wg       sync.WaitGroup

	// Components
	webhookSender *WebhookSender

	// Statistics
	stats          *NotificationStats
	metricsManager *metrics.Manager
}

// NotificationManagerConfig holds notification manager configuration
type NotificationManagerConfig struct {
	WebhookURL          string        `json:"webhook_url"`
	NotificationTimeout time.Duration `json:"notification_timeout"`
	RetryAttempts       int           `json:"retry_attempts"`
	RetryDelay          time.Duration `json:"retry_delay"`
	QueueSize           int           `json:"queue_size"`
	Workers             int           `json:"workers"`
}

// NotificationStats provides notification statistics
type NotificationStats struct {
	TotalNotificationsSent   uint64        `json:"total_notifications_sent"`
	TotalWebhooksSent        uint64        `json:"total_webhooks_sent"`
	TotalNotificationsFailed uint64        `json:"total_notifications_failed"`
	TotalDropped             uint64        `json:"total_dropped"`
	AverageResponseTime      time.Duration `json:"average_response_time"`
	QueueLength              int           `json:"queue_length"`
	LastError                *string       `json:"last_error,omitempty"`
	LastErrorTime            *time.Time    `json:"last_error_time,omitempty"`
}

type NotificationHealth struct {
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// ManagerConfigFrom maps the notifications section of the configuration
func ManagerConfigFrom(cfg config.NotificationConfig) *NotificationManagerConfig {
	c := &NotificationManagerConfig{
		NotificationTimeout: cfg.Timeout,
		RetryAttempts:       cfg.MaxRetries,
	}
	if cfg.Enabled {
		c.WebhookURL = cfg.WebhookURL
	}
	return c
}

// NewNotificationManager creates a new notification manager
func NewNotificationManager(config *NotificationManagerConfig, metricsManager *metrics.Manager) *NotificationManager {
	if config.NotificationTimeout <= 0 {
		config.NotificationTimeout = 10 * time.Second
	}
	if config.RetryAttempts <= 0 {
		config.RetryAttempts = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 256
	}
	if config.Workers <= 0 {
		config.Workers = 2
	}

	nm := &NotificationManager{
		config:         config,
		logger:         NewNotificationLogger(),
		queue:          make(chan *models.Notification, config.QueueSize),
		stopChan:       make(chan struct{}),
		stats:          &NotificationStats{},
		metricsManager: metricsManager,
	}

	if config.WebhookURL != "" {
		nm.webhookSender = NewWebhookSender(config, nm.logger)
	}
	return nm
}

// Start starts the delivery workers
func (nm *NotificationManager) Start(ctx context.Context) error {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	if nm.running {
		return utils.NewAppError(utils.ErrCodeInternal, "Notification manager already running", "")
	}

	nm.running = true
	for i := 0; i < nm.config.Workers; i++ {
		nm.wg.Add(1)
		go nm.worker(ctx)
	}

	nm.logger.Info("Notification manager started", map[string]interface{}{
		"webhook": nm.webhookSender != nil,
		"workers": nm.config.Workers,
	})
	return nil
}

// Stop stops the workers after they deliver what is already queued
func (nm *NotificationManager) Stop() error {
	nm.mu.Lock()
	if !nm.running {
		nm.mu.Unlock()
		return nil
	}
	nm.running = false
	close(nm.stopChan)
	nm.mu.Unlock()

	nm.wg.Wait()
	nm.logger.Info("Notification manager stopped")
	return nil
}

// IsHealthy returns whether the notification manager is healthy
func (nm *NotificationManager) IsHealthy() bool {
	nm.mu.RLock()
	defer nm.mu.RUnlock()
	return nm.running
}

var generateID = utils.GenerateID

// alertID falls back to a timestamp ID when the random source fails
func alertID(now time.Time) string {
	id, err := generateID()
	if err != nil || id == "" {
		return fmt.Sprintf("alert-%d", now.UnixNano())
	}
	return id
}

// Alert logs the alert and queues it for webhook delivery
func (nm *NotificationManager) Alert(ctx context.Context, kind models.AlertKind, severity models.Severity, title, message string, data map[string]interface{}) {
	now := time.Now()
	n := &models.Notification{
		ID:        alertID(now),
		Type:      models.NotificationTypeLog,
		Kind:      kind,
		Severity:  severity,
		Title:     title,
		Message:   message,
		Data:      data,
		Status:    "sent",
		CreatedAt: now,
	}

	nm.logger.LogAlert(n)
	nm.recordSent(string(models.NotificationTypeLog), n)

	if nm.webhookSender == nil {
		return
	}

	hook := *n
	hook.Type = models.NotificationTypeWebhook
	hook.Target = nm.config.WebhookURL
	hook.Status = "pending"

	select {
	case nm.queue <- &hook:
	default:
		nm.mu.Lock()
		nm.stats.TotalDropped++
		nm.mu.Unlock()
		nm.logger.Warn("Notification queue full, dropping webhook", map[string]interface{}{
			"notification_id": hook.ID,
			"kind":            hook.Kind,
		})
	}
}

func (nm *NotificationManager) worker(ctx context.Context) {
	defer nm.wg.Done()

	for {
		select {
		case n := <-nm.queue:
			nm.deliver(ctx, n)
		case <-nm.stopChan:
			// Drain what is left
			for {
				select {
				case n := <-nm.queue:
					nm.deliver(context.WithoutCancel(ctx), n)
				default:
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (nm *NotificationManager) deliver(ctx context.Context, n *models.Notification) {
	startTime := time.Now()
	attempts, err := nm.webhookSender.Send(ctx, n)
	n.Attempts = attempts

	nm.updateNotificationStats(startTime, err)
	if err != nil {
		errorStr := err.Error()
		n.Status = "failed"
		n.Error = &errorStr
		nm.metricsManager.GetPrometheusMetrics().RecordNotificationFailure(string(n.Type), string(n.Kind))
		nm.logger.LogNotificationFailure(n, err, time.Since(startTime))
		return
	}

	now := time.Now()
	n.Status = "sent"
	n.SentAt = &now
	nm.recordSent(string(n.Type), n)
	nm.mu.Lock()
	nm.stats.TotalWebhooksSent++
	nm.mu.Unlock()
}

func (nm *NotificationManager) recordSent(channel string, n *models.Notification) {
	nm.mu.Lock()
	nm.stats.TotalNotificationsSent++
	nm.mu.Unlock()
	nm.metricsManager.GetPrometheusMetrics().RecordNotificationSent(channel, string(n.Kind))
}

// updateNotificationStats updates webhook delivery statistics
func (nm *NotificationManager) updateNotificationStats(startTime time.Time, err error) {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	if err != nil {
		nm.stats.TotalNotificationsFailed++
		errorStr := err.Error()
		nm.stats.LastError = &errorStr
		now := time.Now()
		nm.stats.LastErrorTime = &now
		return
	}

	responseTime := time.Since(startTime)
	if nm.stats.AverageResponseTime == 0 {
		nm.stats.AverageResponseTime = responseTime
	} else {
		nm.stats.AverageResponseTime = (nm.stats.AverageResponseTime + responseTime) / 2
	}
}

// GetStats returns notification statistics
func (nm *NotificationManager) GetStats() *NotificationStats {
	nm.mu.RLock()
	defer nm.mu.RUnlock()

	stats := *nm.stats
	stats.QueueLength = len(nm.queue)
	return &stats
}

func (nm *NotificationManager) GetHealth() *NotificationHealth {
	nm.mu.RLock()
	defer nm.mu.RUnlock()
	health := &NotificationHealth{
		Healthy: nm.running,
	}
	if nm.stats.LastError != nil {
		health.Error = *nm.stats.LastError
	}
	return health
}
