// File: internal/notification/webhook.go
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/smartdevs17/bridge-relayer/internal/models"
	"github.com/smartdevs17/bridge-relayer/pkg/utils"
)

const maxResponseBody = 1024

// WebhookSender posts alerts to an HTTP endpoint
type WebhookSender struct {
	config     *NotificationManagerConfig
	logger     *NotificationLogger
	httpClient *http.Client
}

// WebhookPayload defines the webhook payload structure
type WebhookPayload struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Source    string                 `json:"source"`
	Kind      models.AlertKind       `json:"kind"`
	Severity  models.Severity        `json:"severity"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Version   string                 `json:"version"`
}

// NewWebhookSender creates a new webhook sender
func NewWebhookSender(config *NotificationManagerConfig, logger *NotificationLogger) *WebhookSender {
	return &WebhookSender{
		config: config,
		logger: logger.WithField("channel", "webhook"),
		httpClient: &http.Client{
			Timeout: config.NotificationTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     30 * time.Second,
			},
		},
	}
}

// Send posts n to the configured URL, retrying failed attempts with
// exponential backoff. A 4xx response is not retried. It returns the number
// of attempts made.
func (ws *WebhookSender) Send(ctx context.Context, n *models.Notification) (int, error) {
	body, err := json.Marshal(&WebhookPayload{
		ID:        n.ID,
		Timestamp: n.CreatedAt,
		Source:    "bridge-relayer",
		Kind:      n.Kind,
		Severity:  n.Severity,
		Title:     n.Title,
		Message:   n.Message,
		Data:      n.Data,
		Version:   "1.0",
	})
	if err != nil {
		return 0, utils.NewAppError(utils.ErrCodeInternal, "Failed to marshal webhook payload", err.Error())
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = ws.config.RetryDelay
	policy.MaxInterval = 30 * time.Second
	policy.MaxElapsedTime = 0

	attempts := 0
	err = backoff.RetryNotify(func() error {
		attempts++
		return ws.post(ctx, n.Target, body)
	},
		backoff.WithContext(backoff.WithMaxRetries(policy, uint64(ws.config.RetryAttempts-1)), ctx),
		func(err error, delay time.Duration) {
			ws.logger.LogRetryAttempt(attempts, ws.config.RetryAttempts, delay, err)
		})
	return attempts, err
}

func (ws *WebhookSender) post(ctx context.Context, url string, body []byte) error {
	startTime := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(utils.NewAppError(utils.ErrCodeInternal, "Failed to create webhook request", err.Error()))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "bridge-relayer/1.0")
	req.Header.Set("X-Timestamp", fmt.Sprintf("%d", time.Now().Unix()))

	resp, err := ws.httpClient.Do(req)
	if err != nil {
		ws.logger.LogWebhookResponse(url, 0, time.Since(startTime), err)
		return utils.NewAppError(utils.ErrCodeExternal, "Failed to send webhook", err.Error())
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		ws.logger.LogWebhookResponse(url, resp.StatusCode, time.Since(startTime), nil)
		return nil
	}

	err = utils.NewAppError(utils.ErrCodeExternal,
		"Webhook returned non-success status",
		fmt.Sprintf("status: %d, body: %s", resp.StatusCode, respBody))
	ws.logger.LogWebhookResponse(url, resp.StatusCode, time.Since(startTime), err)
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return backoff.Permanent(err)
	}
	return err
}
