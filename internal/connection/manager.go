package connection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/bridge-relayer/internal/config"
	"github.com/smartdevs17/bridge-relayer/internal/metrics"
	"github.com/smartdevs17/bridge-relayer/internal/models"
	"github.com/smartdevs17/bridge-relayer/pkg/utils"
)

// Manager defines the connection manager interface
type Manager interface {
	GetClient(ctx context.Context) (*ethclient.Client, error)
	Reconnect(ctx context.Context) (*ethclient.Client, error)
	HealthCheck(ctx context.Context) error
	IsConnected() bool
	Chain() models.Chain
	Close() error
	Stats() ConnectionStats
}

// ConnectionManager keeps one live ethclient per chain, failing over
// between the primary and backup endpoints.
type ConnectionManager struct {
	chain           models.Chain
	config          config.ChainConfig
	rpc             config.RPCConfig
	urls            []string
	currentIndex    int
	client          *ethclient.Client
	mu              sync.RWMutex
	connectMu       sync.Mutex
	logger          *logrus.Entry
	stats           ConnectionStats
	lastHealthCheck time.Time
	isHealthy       bool
	metricsManager  *metrics.Manager

	// dial is replaced in tests
	dial func(ctx context.Context, url string) (*ethclient.Client, error)
}

// ConnectionStats holds connection statistics
type ConnectionStats struct {
	Chain           models.Chain `json:"chain"`
	TotalRequests   uint64       `json:"total_requests"`
	FailedRequests  uint64       `json:"failed_requests"`
	Reconnects      uint64       `json:"reconnects"`
	CurrentURL      string       `json:"current_url"`
	LastConnectedAt time.Time    `json:"last_connected_at"`
	LastHealthCheck time.Time    `json:"last_health_check"`
	IsHealthy       bool         `json:"is_healthy"`
	ChainID         uint64       `json:"chain_id"`
	LatestBlock     uint64       `json:"latest_block"`
}

// NewConnectionManager creates a new connection manager for one chain
func NewConnectionManager(chain models.Chain, cfg config.ChainConfig, rpcCfg config.RPCConfig, metricsManager *metrics.Manager) *ConnectionManager {
	urls := []string{cfg.RPCURL}
	urls = append(urls, cfg.BackupURLs...)

	return &ConnectionManager{
		chain:          chain,
		config:         cfg,
		rpc:            rpcCfg,
		urls:           urls,
		logger:         utils.ComponentLogger("connection").WithField("chain", chain),
		metricsManager: metricsManager,
		stats: ConnectionStats{
			Chain:      chain,
			CurrentURL: cfg.RPCURL,
		},
		dial: ethclient.DialContext,
	}
}

// Chain returns the chain this manager connects to
func (cm *ConnectionManager) Chain() models.Chain {
	return cm.chain
}

// GetClient returns the current client, connecting if necessary
func (cm *ConnectionManager) GetClient(ctx context.Context) (*ethclient.Client, error) {
	cm.mu.Lock()
	client := cm.client
	if client != nil {
		cm.stats.TotalRequests++
	}
	cm.mu.Unlock()

	if client != nil {
		return client, nil
	}
	return cm.connect(ctx)
}

// connect establishes a new connection
func (cm *ConnectionManager) connect(ctx context.Context) (*ethclient.Client, error) {
	cm.connectMu.Lock()
	defer cm.connectMu.Unlock()

	// Another caller may have connected while we waited
	cm.mu.RLock()
	if cm.client != nil {
		client := cm.client
		cm.mu.RUnlock()
		return client, nil
	}
	cm.mu.RUnlock()

	attempts := cm.rpc.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}
	urls := cm.getAllURLs()

	for attempt := 0; attempt < attempts; attempt++ {
		for i, url := range urls {
			log := cm.logger.WithFields(logrus.Fields{"url": url, "attempt": attempt + 1})
			log.Info("Attempting connection")

			client, err := cm.dialWithTimeout(ctx, url)
			if err != nil {
				log.WithError(err).Warn("Connection failed")
				cm.recordFailure("dial_failed")
				continue
			}

			// Verify the endpoint serves the configured chain
			chainID, err := cm.quickHealthCheck(ctx, client)
			if err != nil {
				client.Close()
				log.WithError(err).Warn("Health check failed after connection")
				cm.recordFailure("health_check_failed")
				continue
			}

			cm.mu.Lock()
			cm.client = client
			cm.currentIndex = (cm.currentIndex + i) % len(cm.urls)
			cm.stats.CurrentURL = url
			cm.stats.LastConnectedAt = time.Now()
			cm.stats.ChainID = chainID
			cm.isHealthy = true
			cm.lastHealthCheck = time.Now()
			cm.mu.Unlock()

			cm.metricsManager.GetPrometheusMetrics().UpdateConnectionStatus(string(cm.chain), true)
			log.WithField("chain_id", chainID).Info("Connected to chain node")
			return client, nil
		}

		if attempt < attempts-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(cm.rpc.RetryDelay):
			}
		}
	}

	cm.metricsManager.GetPrometheusMetrics().UpdateConnectionStatus(string(cm.chain), false)
	return nil, utils.NewAppError(utils.ErrCodeConnection,
		fmt.Sprintf("Failed to connect to any %s node", cm.chain),
		"All connection attempts exhausted")
}

func (cm *ConnectionManager) recordFailure(errorType string) {
	cm.mu.Lock()
	cm.stats.FailedRequests++
	cm.mu.Unlock()
	cm.metricsManager.GetPrometheusMetrics().RecordConnectionError(string(cm.chain), errorType)
}

// Reconnect drops the current client and connects again, moving on to the
// next endpoint first.
func (cm *ConnectionManager) Reconnect(ctx context.Context) (*ethclient.Client, error) {
	cm.mu.Lock()
	if cm.client != nil {
		cm.client.Close()
		cm.client = nil
		cm.currentIndex = (cm.currentIndex + 1) % len(cm.urls)
	}
	cm.isHealthy = false
	cm.stats.Reconnects++
	cm.mu.Unlock()

	cm.metricsManager.GetPrometheusMetrics().UpdateConnectionStatus(string(cm.chain), false)
	return cm.connect(ctx)
}

// dialWithTimeout creates a connection with timeout
func (cm *ConnectionManager) dialWithTimeout(ctx context.Context, url string) (*ethclient.Client, error) {
	timeout := cm.rpc.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return cm.dial(dialCtx, url)
}

// quickHealthCheck checks the endpoint answers with the configured chain id
func (cm *ConnectionManager) quickHealthCheck(ctx context.Context, client *ethclient.Client) (uint64, error) {
	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	chainID, err := client.ChainID(checkCtx)
	if err != nil {
		return 0, err
	}
	if cm.config.ChainID != 0 && chainID.Uint64() != cm.config.ChainID {
		return 0, utils.NewAppError(utils.ErrCodeConnection,
			"Chain ID mismatch",
			fmt.Sprintf("expected %d, got %d", cm.config.ChainID, chainID.Uint64()))
	}
	return chainID.Uint64(), nil
}

// HealthCheck verifies the chain id and reads the latest block
func (cm *ConnectionManager) HealthCheck(ctx context.Context) error {
	client, err := cm.GetClient(ctx)
	if err != nil {
		cm.setHealthy(false)
		return err
	}

	chainID, err := cm.quickHealthCheck(ctx, client)
	if err != nil {
		cm.setHealthy(false)
		return utils.WrapError(utils.ErrCodeConnection, "Failed to verify chain id", err)
	}

	blockNumber, err := client.BlockNumber(ctx)
	if err != nil {
		cm.setHealthy(false)
		return utils.WrapError(utils.ErrCodeConnection, "Failed to get latest block", err)
	}

	cm.mu.Lock()
	cm.stats.ChainID = chainID
	cm.stats.LatestBlock = blockNumber
	cm.stats.LastHealthCheck = time.Now()
	cm.stats.IsHealthy = true
	cm.lastHealthCheck = time.Now()
	cm.isHealthy = true
	cm.mu.Unlock()

	cm.metricsManager.GetPrometheusMetrics().UpdateChainHead(string(cm.chain), blockNumber)
	cm.logger.WithFields(logrus.Fields{
		"chain_id":     chainID,
		"latest_block": blockNumber,
	}).Debug("Health check passed")

	return nil
}

func (cm *ConnectionManager) setHealthy(healthy bool) {
	cm.mu.Lock()
	cm.isHealthy = healthy
	cm.stats.IsHealthy = healthy
	cm.mu.Unlock()
}

// IsConnected returns whether the manager is connected
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.client != nil && cm.isHealthy
}

// Close closes the connection
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.client != nil {
		cm.client.Close()
		cm.client = nil
	}

	cm.isHealthy = false
	cm.logger.Info("Connection manager closed")
	return nil
}

// Stats returns connection statistics
func (cm *ConnectionManager) Stats() ConnectionStats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	stats := cm.stats
	stats.IsHealthy = cm.isHealthy
	return stats
}

// getAllURLs returns all available URLs starting from current index
func (cm *ConnectionManager) getAllURLs() []string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if cm.currentIndex > 0 && cm.currentIndex < len(cm.urls) {
		rotated := make([]string, len(cm.urls))
		copy(rotated, cm.urls[cm.currentIndex:])
		copy(rotated[len(cm.urls)-cm.currentIndex:], cm.urls[:cm.currentIndex])
		return rotated
	}

	return append([]string(nil), cm.urls...)
}
