// File: internal/monitor/monitor.go
package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/bridge-relayer/internal/config"
	"github.com/smartdevs17/bridge-relayer/internal/connection"
	"github.com/smartdevs17/bridge-relayer/internal/metrics"
	"github.com/smartdevs17/bridge-relayer/internal/models"
	"github.com/smartdevs17/bridge-relayer/pkg/utils"
)

// Monitor defines the event monitor interface
type Monitor interface {
	// Lifecycle management
	Start(ctx context.Context) error
	Stop() error
	IsRunning() bool

	// Contract management
	AddContract(spec WatchSpec) (bool, error)
	GetContracts() []WatchSpec

	// Backfill and recovery
	Backfill(ctx context.Context, chain models.Chain, contract common.Address, fromBlock, toBlock uint64) error

	// Statistics and monitoring
	GetStats() *MonitorStats
	GetHealth() *HealthStatus
}

type watcherKey struct {
	chain    models.Chain
	contract common.Address
}

// EventMonitor supervises one Watcher per watched contract
type EventMonitor struct {
	// Dependencies
	clients  map[models.Chain]connection.ChainClient
	chainIDs map[models.Chain]uint64
	store    CheckpointStore
	handler  Handler
	alerter  Alerter
	logger   *logrus.Entry

	// Configuration
	config WatcherConfig

	// State management
	mu       sync.RWMutex
	running  bool
	runCtx   context.Context
	cancel   context.CancelFunc
	watchers map[watcherKey]*Watcher
	order    []watcherKey
	wg       sync.WaitGroup

	// Components
	poller *HeadPoller

	// Statistics
	startTime      time.Time
	metricsManager *metrics.Manager
}

// MonitorStats provides monitoring statistics
type MonitorStats struct {
	StartTime          time.Time              `json:"start_time"`
	Uptime             time.Duration          `json:"uptime"`
	IsRunning          bool                   `json:"is_running"`
	ContractsMonitored int                    `json:"contracts_monitored"`
	Watchers           []WatcherStatus        `json:"watchers"`
	Poller             map[string]interface{} `json:"poller"`
}

// HealthStatus provides health information
type HealthStatus struct {
	Healthy  bool            `json:"healthy"`
	Watchers []WatcherHealth `json:"watchers"`
	Issues   []string        `json:"issues,omitempty"`
}

// WatcherHealth summarizes one watcher for health checks
type WatcherHealth struct {
	Chain     models.Chain `json:"chain"`
	Contract  string       `json:"contract"`
	Healthy   bool         `json:"healthy"`
	Mode      string       `json:"mode,omitempty"`
	BlockLag  uint64       `json:"block_lag"`
	LastError string       `json:"last_error,omitempty"`
}

// WatcherConfigFrom maps monitor configuration onto watcher settings
func WatcherConfigFrom(cfg config.MonitorConfig) WatcherConfig {
	return WatcherConfig{
		EnableSubscription:   cfg.EnableWebSocket,
		PollInterval:         cfg.PollInterval,
		ResyncInterval:       cfg.ResyncInterval,
		MaxBlockRange:        cfg.MaxBlockRange,
		RetryInitialInterval: cfg.RetryInitialInterval,
		RetryMaxInterval:     cfg.RetryMaxInterval,
		DegradedAfter:        cfg.DegradedAfter,
	}
}

// NewEventMonitor creates a new event monitor
func NewEventMonitor(
	clients map[models.Chain]connection.ChainClient,
	chainIDs map[models.Chain]uint64,
	store CheckpointStore,
	cfg WatcherConfig,
	alerter Alerter,
	metricsManager *metrics.Manager,
) *EventMonitor {
	if alerter == nil {
		alerter = NoopAlerter{}
	}
	return &EventMonitor{
		clients:        clients,
		chainIDs:       chainIDs,
		store:          store,
		alerter:        alerter,
		config:         cfg,
		logger:         utils.ComponentLogger("monitor"),
		watchers:       make(map[watcherKey]*Watcher),
		poller:         NewHeadPoller(clients, cfg.PollInterval, metricsManager),
		metricsManager: metricsManager,
	}
}

// SetHandler sets the consumer of event batches. It must be called before
// Start or Backfill.
func (em *EventMonitor) SetHandler(handler Handler) {
	em.mu.Lock()
	defer em.mu.Unlock()
	em.handler = handler
}

// Start starts every registered watcher. Contracts added later start
// immediately.
func (em *EventMonitor) Start(ctx context.Context) error {
	em.mu.Lock()
	defer em.mu.Unlock()

	if em.running {
		return utils.NewAppError(utils.ErrCodeInternal, "Monitor already running", "")
	}
	if em.handler == nil {
		return utils.NewAppError(utils.ErrCodeConfiguration, "Monitor has no event handler", "")
	}

	em.logger.Info("Starting event monitor")

	em.runCtx, em.cancel = context.WithCancel(ctx)
	em.running = true
	em.startTime = time.Now()

	for _, key := range em.order {
		w := em.watchers[key]
		w.handler = em.handler
		if err := w.Start(em.runCtx); err != nil {
			return err
		}
	}

	em.wg.Add(1)
	go func() {
		defer em.wg.Done()
		em.poller.Run(em.runCtx)
	}()

	em.metricsManager.GetPrometheusMetrics().UpdateActiveWatchers(len(em.watchers))
	em.logger.WithFields(logrus.Fields{
		"contracts":     len(em.watchers),
		"poll_interval": em.config.PollInterval,
	}).Info("Event monitor started")

	return nil
}

// Stop stops all watchers and waits for in-flight batches
func (em *EventMonitor) Stop() error {
	em.mu.Lock()
	if !em.running {
		em.mu.Unlock()
		return nil
	}
	em.running = false
	watchers := make([]*Watcher, 0, len(em.watchers))
	for _, key := range em.order {
		watchers = append(watchers, em.watchers[key])
	}
	em.mu.Unlock()

	em.logger.Info("Stopping event monitor")

	var wg sync.WaitGroup
	for _, w := range watchers {
		wg.Add(1)
		go func(w *Watcher) {
			defer wg.Done()
			w.Stop()
		}(w)
	}
	wg.Wait()

	em.cancel()
	em.wg.Wait()

	em.logger.Info("Event monitor stopped")
	return nil
}

// IsRunning returns whether the monitor is running
func (em *EventMonitor) IsRunning() bool {
	em.mu.RLock()
	defer em.mu.RUnlock()
	return em.running
}

// AddContract registers a contract to watch. It reports false when the
// contract is already watched.
func (em *EventMonitor) AddContract(spec WatchSpec) (bool, error) {
	em.mu.Lock()
	defer em.mu.Unlock()

	key := watcherKey{chain: spec.Chain, contract: spec.Contract}
	if _, exists := em.watchers[key]; exists {
		return false, nil
	}

	w, err := em.newWatcher(spec)
	if err != nil {
		return false, err
	}

	if em.running {
		if err := w.Start(em.runCtx); err != nil {
			return false, err
		}
	}

	em.watchers[key] = w
	em.order = append(em.order, key)
	em.metricsManager.GetPrometheusMetrics().UpdateActiveWatchers(len(em.watchers))

	em.logger.WithFields(logrus.Fields{
		"chain":    spec.Chain,
		"contract": spec.Contract.Hex(),
		"running":  em.running,
	}).Info("Contract added to monitoring")
	return true, nil
}

func (em *EventMonitor) newWatcher(spec WatchSpec) (*Watcher, error) {
	client, ok := em.clients[spec.Chain]
	if !ok {
		return nil, utils.NewAppError(utils.ErrCodeConfiguration, "No client for chain", string(spec.Chain))
	}
	return NewWatcher(spec, em.chainIDs[spec.Chain], em.config, client, em.store, em.handler, em.alerter, em.metricsManager), nil
}

// GetContracts returns all watched contracts in registration order
func (em *EventMonitor) GetContracts() []WatchSpec {
	em.mu.RLock()
	defer em.mu.RUnlock()

	specs := make([]WatchSpec, 0, len(em.order))
	for _, key := range em.order {
		specs = append(specs, em.watchers[key].spec)
	}
	return specs
}

// Backfill replays [fromBlock, toBlock] of a contract without moving its
// checkpoint. The contract does not need to be registered; a detached
// watcher performs the replay.
func (em *EventMonitor) Backfill(ctx context.Context, chain models.Chain, contract common.Address, fromBlock, toBlock uint64) error {
	em.mu.RLock()
	handler := em.handler
	var (
		w   *Watcher
		err error
	)
	if handler != nil {
		w, err = em.newWatcher(WatchSpec{Chain: chain, Contract: contract})
	}
	em.mu.RUnlock()

	if handler == nil {
		return utils.NewAppError(utils.ErrCodeConfiguration, "Monitor has no event handler", "")
	}
	if err != nil {
		return err
	}
	return w.Backfill(ctx, fromBlock, toBlock)
}

// GetStats returns monitoring statistics
func (em *EventMonitor) GetStats() *MonitorStats {
	em.mu.RLock()
	defer em.mu.RUnlock()

	stats := &MonitorStats{
		StartTime:          em.startTime,
		IsRunning:          em.running,
		ContractsMonitored: len(em.watchers),
		Watchers:           make([]WatcherStatus, 0, len(em.watchers)),
		Poller:             em.poller.GetStats(),
	}
	if em.running {
		stats.Uptime = time.Since(em.startTime)
	}
	for _, key := range em.order {
		stats.Watchers = append(stats.Watchers, em.watchers[key].Status())
	}
	return stats
}

// GetHealth reports watcher health and lag behind the chain head
func (em *EventMonitor) GetHealth() *HealthStatus {
	em.mu.RLock()
	defer em.mu.RUnlock()

	health := &HealthStatus{Healthy: true, Watchers: make([]WatcherHealth, 0, len(em.watchers))}
	if !em.running {
		health.Healthy = false
		health.Issues = append(health.Issues, "monitor is not running")
	}

	for _, key := range em.order {
		status := em.watchers[key].Status()
		wh := WatcherHealth{
			Chain:     status.Chain,
			Contract:  status.Contract,
			Healthy:   status.Healthy,
			Mode:      status.Mode,
			LastError: status.LastError,
		}
		if head, ok := em.poller.Head(key.chain); ok && head > status.LastSyncedBlock {
			wh.BlockLag = head - status.LastSyncedBlock
		}
		if !status.Healthy {
			health.Healthy = false
			health.Issues = append(health.Issues,
				fmt.Sprintf("watcher %s on %s is degraded: %s", status.Contract, status.Chain, status.LastError))
		}
		health.Watchers = append(health.Watchers, wh)
	}

	sort.SliceStable(health.Watchers, func(i, j int) bool {
		return health.Watchers[i].Chain < health.Watchers[j].Chain
	})
	return health
}
