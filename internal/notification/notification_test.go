package notification

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smartdevs17/bridge-relayer/internal/config"
	"github.com/smartdevs17/bridge-relayer/internal/models"
	"github.com/smartdevs17/bridge-relayer/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type hookServer struct {
	*httptest.Server
	mu       sync.Mutex
	payloads []WebhookPayload
	calls    atomic.Int32
}

// newHookServer answers with statuses in order, then 200
func newHookServer(t *testing.T, statuses ...int) *hookServer {
	t.Helper()
	hs := &hookServer{}
	hs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(hs.calls.Add(1))
		if n <= len(statuses) {
			w.WriteHeader(statuses[n-1])
			return
		}
		var p WebhookPayload
		if err := json.NewDecoder(r.Body).Decode(&p); err == nil {
			hs.mu.Lock()
			hs.payloads = append(hs.payloads, p)
			hs.mu.Unlock()
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(hs.Close)
	return hs
}

func (hs *hookServer) received() []WebhookPayload {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return append([]WebhookPayload(nil), hs.payloads...)
}

func startManager(t *testing.T, cfg *NotificationManagerConfig) *NotificationManager {
	t.Helper()
	utils.InitLogger("error", "text", "stdout", "")
	nm := NewNotificationManager(cfg, nil)
	require.NoError(t, nm.Start(context.Background()))
	t.Cleanup(func() { nm.Stop() })
	return nm
}

func TestWebhookDelivery(t *testing.T) {
	t.Run("alert is posted", func(t *testing.T) {
		hs := newHookServer(t)
		nm := startManager(t, &NotificationManagerConfig{WebhookURL: hs.URL, RetryDelay: time.Millisecond})

		nm.Alert(context.Background(), models.AlertWatcherDegraded, models.SeverityWarning,
			"Watcher degraded", "source bridge keeps failing", map[string]interface{}{"chain": "source"})

		require.Eventually(t, func() bool { return len(hs.received()) == 1 }, 2*time.Second, 10*time.Millisecond)
		p := hs.received()[0]
		assert.Equal(t, models.AlertWatcherDegraded, p.Kind)
		assert.Equal(t, models.SeverityWarning, p.Severity)
		assert.Equal(t, "bridge-relayer", p.Source)
		assert.Equal(t, "source", p.Data["chain"])
	})

	t.Run("server errors are retried", func(t *testing.T) {
		hs := newHookServer(t, http.StatusInternalServerError, http.StatusBadGateway)
		nm := startManager(t, &NotificationManagerConfig{WebhookURL: hs.URL, RetryAttempts: 3, RetryDelay: time.Millisecond})

		nm.Alert(context.Background(), models.AlertVoucherFailing, models.SeverityWarning, "t", "m", nil)

		require.Eventually(t, func() bool { return nm.GetStats().TotalWebhooksSent == 1 }, 2*time.Second, 10*time.Millisecond)
		assert.Len(t, hs.received(), 1)
		assert.Equal(t, int32(3), hs.calls.Load())
	})

	t.Run("client errors are not retried", func(t *testing.T) {
		hs := newHookServer(t, http.StatusBadRequest)
		nm := startManager(t, &NotificationManagerConfig{WebhookURL: hs.URL, RetryAttempts: 3, RetryDelay: time.Millisecond})

		nm.Alert(context.Background(), models.AlertEventDeferred, models.SeverityWarning, "t", "m", nil)

		require.Eventually(t, func() bool { return nm.GetStats().TotalNotificationsFailed == 1 }, 2*time.Second, 10*time.Millisecond)
		assert.Equal(t, int32(1), hs.calls.Load())
		assert.NotEmpty(t, nm.GetHealth().Error)
	})
}

func TestLogOnlyAlerts(t *testing.T) {
	nm := startManager(t, ManagerConfigFrom(config.NotificationConfig{Enabled: false, WebhookURL: "http://unused"}))
	assert.Nil(t, nm.webhookSender)

	nm.Alert(context.Background(), models.AlertWatcherRecovered, models.SeverityInfo, "t", "m", nil)

	stats := nm.GetStats()
	assert.Equal(t, uint64(1), stats.TotalNotificationsSent)
	assert.Equal(t, 0, stats.QueueLength)
}

func TestFullQueueDropsWebhook(t *testing.T) {
	utils.InitLogger("error", "text", "stdout", "")
	// Not started, so nothing drains the queue
	nm := NewNotificationManager(&NotificationManagerConfig{WebhookURL: "http://127.0.0.1:1", QueueSize: 1}, nil)

	nm.Alert(context.Background(), models.AlertWatcherDegraded, models.SeverityWarning, "t", "m", nil)
	nm.Alert(context.Background(), models.AlertWatcherDegraded, models.SeverityWarning, "t", "m", nil)

	stats := nm.GetStats()
	assert.Equal(t, 1, stats.QueueLength)
	assert.Equal(t, uint64(1), stats.TotalDropped)
}

func TestAlertIDFallsBackToTimestamp(t *testing.T) {
	hs := newHookServer(t)
	nm := startManager(t, &NotificationManagerConfig{WebhookURL: hs.URL, RetryAttempts: 1})

	orig := generateID
	generateID = func() (string, error) { return "", errors.New("entropy source unavailable") }
	t.Cleanup(func() { generateID = orig })

	nm.Alert(context.Background(), models.AlertWatcherDegraded, models.SeverityWarning, "t", "m", nil)

	require.Eventually(t, func() bool { return len(hs.received()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, strings.HasPrefix(hs.received()[0].ID, "alert-"))
	assert.Greater(t, len(hs.received()[0].ID), len("alert-"))
}
