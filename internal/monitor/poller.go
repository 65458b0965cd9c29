// File: internal/monitor/poller.go
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/bridge-relayer/internal/connection"
	"github.com/smartdevs17/bridge-relayer/internal/metrics"
	"github.com/smartdevs17/bridge-relayer/internal/models"
	"github.com/smartdevs17/bridge-relayer/pkg/utils"
)

// HeadPoller tracks the chain head of each chain for lag reporting
type HeadPoller struct {
	clients        map[models.Chain]connection.ChainClient
	interval       time.Duration
	logger         *logrus.Entry
	metricsManager *metrics.Manager

	mu           sync.RWMutex
	heads        map[models.Chain]uint64
	lastPollTime time.Time
	pollCount    uint64
	errorCount   uint64
}

// HeadInfo is the last observed head of a chain
type HeadInfo struct {
	Chain    models.Chain `json:"chain"`
	Number   uint64       `json:"number"`
	PolledAt time.Time    `json:"polled_at"`
}

// NewHeadPoller creates a head poller over clients
func NewHeadPoller(clients map[models.Chain]connection.ChainClient, interval time.Duration, metricsManager *metrics.Manager) *HeadPoller {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &HeadPoller{
		clients:        clients,
		interval:       interval,
		logger:         utils.ComponentLogger("head_poller"),
		metricsManager: metricsManager,
		heads:          make(map[models.Chain]uint64),
	}
}

// Run polls until ctx is cancelled
func (hp *HeadPoller) Run(ctx context.Context) {
	ticker := time.NewTicker(hp.interval)
	defer ticker.Stop()

	hp.PollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hp.PollOnce(ctx)
		}
	}
}

// PollOnce fetches the head of every chain
func (hp *HeadPoller) PollOnce(ctx context.Context) {
	hp.mu.Lock()
	hp.pollCount++
	hp.lastPollTime = time.Now()
	hp.mu.Unlock()

	for chain, client := range hp.clients {
		head, err := client.BlockNumber(ctx)
		if err != nil {
			hp.mu.Lock()
			hp.errorCount++
			hp.mu.Unlock()
			hp.logger.WithError(err).WithField("chain", chain).Debug("Failed to get chain head")
			continue
		}

		hp.mu.Lock()
		hp.heads[chain] = head
		hp.mu.Unlock()
		hp.metricsManager.GetPrometheusMetrics().UpdateChainHead(string(chain), head)
	}
}

// Head returns the last observed head of chain
func (hp *HeadPoller) Head(chain models.Chain) (uint64, bool) {
	hp.mu.RLock()
	defer hp.mu.RUnlock()
	head, ok := hp.heads[chain]
	return head, ok
}

// GetStats returns poller statistics
func (hp *HeadPoller) GetStats() map[string]interface{} {
	hp.mu.RLock()
	defer hp.mu.RUnlock()

	heads := make([]HeadInfo, 0, len(hp.heads))
	for chain, number := range hp.heads {
		heads = append(heads, HeadInfo{Chain: chain, Number: number, PolledAt: hp.lastPollTime})
	}

	return map[string]interface{}{
		"poll_count":     hp.pollCount,
		"error_count":    hp.errorCount,
		"last_poll_time": hp.lastPollTime,
		"heads":          heads,
	}
}
