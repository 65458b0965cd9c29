package connection

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/bridge-relayer/internal/config"
	"github.com/smartdevs17/bridge-relayer/internal/metrics"
	"github.com/smartdevs17/bridge-relayer/internal/models"
	"github.com/smartdevs17/bridge-relayer/pkg/utils"
	"golang.org/x/sync/errgroup"
)

// ConnectionPool holds the connection manager and client of each bridge chain
type ConnectionPool struct {
	managers map[models.Chain]Manager
	clients  map[models.Chain]*RelayClient
	mu       sync.RWMutex
	logger   *logrus.Entry
	closed   bool
}

// NewConnectionPool creates managers for the source and destination chains
func NewConnectionPool(cfg *config.Config, metricsManager *metrics.Manager) *ConnectionPool {
	pool := &ConnectionPool{
		managers: make(map[models.Chain]Manager),
		clients:  make(map[models.Chain]*RelayClient),
		logger:   utils.ComponentLogger("connection_pool"),
	}

	for chain, chainCfg := range map[models.Chain]config.ChainConfig{
		models.ChainSource:      cfg.Source,
		models.ChainDestination: cfg.Destination,
	} {
		manager := NewConnectionManager(chain, chainCfg, cfg.RPC, metricsManager)
		pool.managers[chain] = manager
		pool.clients[chain] = NewRelayClient(manager, cfg.RPC, metricsManager)
	}

	pool.logger.WithField("size", len(pool.managers)).Info("Connection pool created")
	return pool
}

// Client returns the paced client of chain
func (cp *ConnectionPool) Client(chain models.Chain) *RelayClient {
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	return cp.clients[chain]
}

// Manager returns the connection manager of chain
func (cp *ConnectionPool) Manager(chain models.Chain) Manager {
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	return cp.managers[chain]
}

// HealthCheck checks every chain concurrently
func (cp *ConnectionPool) HealthCheck(ctx context.Context) error {
	cp.mu.RLock()
	managers := make([]Manager, 0, len(cp.managers))
	for _, m := range cp.managers {
		managers = append(managers, m)
	}
	cp.mu.RUnlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, m := range managers {
		m := m
		g.Go(func() error { return m.HealthCheck(ctx) })
	}
	return g.Wait()
}

// Stats returns connection statistics for each chain
func (cp *ConnectionPool) Stats() map[models.Chain]ConnectionStats {
	cp.mu.RLock()
	defer cp.mu.RUnlock()

	stats := make(map[models.Chain]ConnectionStats, len(cp.managers))
	for chain, m := range cp.managers {
		stats[chain] = m.Stats()
	}
	return stats
}

// Close closes all connections
func (cp *ConnectionPool) Close() error {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if cp.closed {
		return nil
	}

	var lastErr error
	for chain, m := range cp.managers {
		if err := m.Close(); err != nil {
			cp.logger.WithError(err).WithField("chain", chain).Error("Failed to close connection manager")
			lastErr = err
		}
	}

	cp.closed = true
	cp.logger.Info("Connection pool closed")
	return lastErr
}
