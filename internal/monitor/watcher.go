package monitor

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/bridge-relayer/internal/connection"
	"github.com/smartdevs17/bridge-relayer/internal/metrics"
	"github.com/smartdevs17/bridge-relayer/internal/models"
	"github.com/smartdevs17/bridge-relayer/internal/storage"
	"github.com/smartdevs17/bridge-relayer/pkg/utils"
)

// Handler consumes ordered event batches of one contract
type Handler interface {
	ProcessBatch(ctx context.Context, batch *models.EventBatch) error
}

// CheckpointStore is the checkpoint surface the watcher reads
type CheckpointStore interface {
	GetCheckpoint(ctx context.Context, chainID uint64, contract common.Address) (*models.Checkpoint, error)
	AdvanceCheckpoint(ctx context.Context, chainID uint64, contract common.Address, block uint64) error
}

// Alerter raises operator alerts
type Alerter interface {
	Alert(ctx context.Context, kind models.AlertKind, severity models.Severity, title, message string, data map[string]interface{})
}

// NoopAlerter discards alerts
type NoopAlerter struct{}

func (NoopAlerter) Alert(context.Context, models.AlertKind, models.Severity, string, string, map[string]interface{}) {
}

// WatchSpec identifies a contract to watch
type WatchSpec struct {
	Chain    models.Chain
	Contract common.Address
	// Kinds restricts the events fetched; empty means all bridge events
	Kinds []models.EventKind
}

// WatcherConfig holds watcher timing configuration
type WatcherConfig struct {
	EnableSubscription   bool
	PollInterval         time.Duration
	ResyncInterval       time.Duration
	MaxBlockRange        uint64
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	DegradedAfter        int
	FetchRetries         int
}

// Watcher delivers the events of one contract in (block, logIndex) order,
// closing gaps from its checkpoint whenever it (re)connects.
type Watcher struct {
	spec    WatchSpec
	chainID uint64
	config  WatcherConfig

	client  connection.ChainClient
	store   CheckpointStore
	handler Handler
	parser  *EventParser
	alerter Alerter
	logger  *logrus.Entry

	metricsManager *metrics.Manager

	mu       sync.RWMutex
	running  bool
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	status   WatcherStatus

	subscriptionUnsupported bool
}

// WatcherStatus reports the state of a watcher
type WatcherStatus struct {
	Chain               models.Chain `json:"chain"`
	Contract            string       `json:"contract"`
	Running             bool         `json:"running"`
	Healthy             bool         `json:"healthy"`
	Mode                string       `json:"mode"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	Restarts            uint64       `json:"restarts"`
	LastError           string       `json:"last_error,omitempty"`
	LastErrorAt         *time.Time   `json:"last_error_at,omitempty"`
	LastEventBlock      uint64       `json:"last_event_block"`
	LastSyncedBlock     uint64       `json:"last_synced_block"`
	StartedAt           time.Time    `json:"started_at"`
}

// NewWatcher creates a watcher for spec
func NewWatcher(
	spec WatchSpec,
	chainID uint64,
	cfg WatcherConfig,
	client connection.ChainClient,
	store CheckpointStore,
	handler Handler,
	alerter Alerter,
	metricsManager *metrics.Manager,
) *Watcher {
	if len(spec.Kinds) == 0 {
		spec.Kinds = models.EventKinds
	}
	if alerter == nil {
		alerter = NoopAlerter{}
	}
	if cfg.MaxBlockRange == 0 {
		cfg.MaxBlockRange = 2000
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if cfg.DegradedAfter <= 0 {
		cfg.DegradedAfter = 5
	}
	if cfg.ResyncInterval <= 0 {
		cfg.ResyncInterval = 5 * time.Minute
	}

	return &Watcher{
		spec:           spec,
		chainID:        chainID,
		config:         cfg,
		client:         client,
		store:          store,
		handler:        handler,
		parser:         NewEventParser(spec.Chain, chainID, spec.Contract),
		alerter:        alerter,
		metricsManager: metricsManager,
		logger: utils.ComponentLogger("watcher").WithFields(logrus.Fields{
			"chain":    spec.Chain,
			"contract": spec.Contract.Hex(),
		}),
		status: WatcherStatus{
			Chain:    spec.Chain,
			Contract: spec.Contract.Hex(),
			Healthy:  true,
		},
	}
}

// Start runs the watcher until ctx is cancelled or Stop is called
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return utils.NewAppError(utils.ErrCodeInternal, "Watcher already running", w.spec.Contract.Hex())
	}

	w.running = true
	w.stopChan = make(chan struct{})
	w.stopOnce = sync.Once{}
	w.status.Running = true
	w.status.StartedAt = time.Now()

	w.wg.Add(1)
	go w.run(ctx)

	w.logger.Info("Watcher started")
	return nil
}

// Stop stops the watcher and waits for in-flight batches to finish
func (w *Watcher) Stop() {
	w.mu.RLock()
	running := w.running
	w.mu.RUnlock()
	if !running {
		return
	}

	w.stopOnce.Do(func() { close(w.stopChan) })
	w.wg.Wait()

	w.mu.Lock()
	w.running = false
	w.status.Running = false
	w.mu.Unlock()
	w.logger.Info("Watcher stopped")
}

// IsRunning reports whether the watcher loop is active
func (w *Watcher) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

// Status returns a snapshot of the watcher state
func (w *Watcher) Status() WatcherStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status
}

// run supervises sessions, restarting failed ones with exponential backoff
// for as long as the watcher is running.
func (w *Watcher) run(ctx context.Context) {
	defer w.wg.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	policy := backoff.NewExponentialBackOff()
	if w.config.RetryInitialInterval > 0 {
		policy.InitialInterval = w.config.RetryInitialInterval
	}
	if w.config.RetryMaxInterval > 0 {
		policy.MaxInterval = w.config.RetryMaxInterval
	}
	policy.MaxElapsedTime = 0
	policy.Reset()

	for {
		err := w.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = errors.New("session ended unexpectedly")
		}

		if w.recordFailure(ctx, err) == 1 {
			policy.Reset()
		}
		delay := policy.NextBackOff()
		w.logger.WithError(err).WithField("retry_in", delay.String()).Warn("Watcher session failed")

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (w *Watcher) query(from, to *big.Int) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		FromBlock: from,
		ToBlock:   to,
		Addresses: []common.Address{w.spec.Contract},
		Topics:    [][]common.Hash{EventTopics(w.spec.Kinds)},
	}
}

// session subscribes, closes the gap since the checkpoint and then follows
// the chain until an error occurs.
func (w *Watcher) session(ctx context.Context) error {
	var (
		sub  ethereum.Subscription
		logs chan types.Log
	)

	if w.config.EnableSubscription && !w.subscriptionUnsupported {
		logs = make(chan types.Log, 256)
		var err error
		sub, err = w.client.SubscribeFilterLogs(ctx, w.query(nil, nil), logs)
		switch {
		case errors.Is(err, connection.ErrSubscriptionUnsupported):
			w.logger.Info("Endpoint does not support subscriptions, falling back to polling")
			w.subscriptionUnsupported = true
			sub = nil
		case err != nil:
			return err
		default:
			defer sub.Unsubscribe()
		}
	}

	// Subscribing first means nothing emitted after head is missed
	if err := w.catchUp(ctx); err != nil {
		return err
	}
	w.markHealthy(ctx, sub != nil)

	if sub == nil {
		return w.pollLoop(ctx)
	}
	return w.liveLoop(ctx, sub, logs)
}

// catchUp processes (checkpoint, head]. On the first run the checkpoint is
// set to the current head and no history is replayed.
func (w *Watcher) catchUp(ctx context.Context) error {
	head, err := w.client.BlockNumber(ctx)
	if err != nil {
		return err
	}

	cp, err := w.store.GetCheckpoint(ctx, w.chainID, w.spec.Contract)
	if errors.Is(err, storage.ErrNotFound) {
		if err := w.store.AdvanceCheckpoint(ctx, w.chainID, w.spec.Contract, head); err != nil {
			return err
		}
		w.setSynced(head)
		w.logger.WithField("head", head).Info("No checkpoint found, starting from chain head")
		return nil
	}
	if err != nil {
		return err
	}

	if cp.LastProcessedBlock >= head {
		w.setSynced(cp.LastProcessedBlock)
		return nil
	}

	w.logger.WithFields(logrus.Fields{
		"from": cp.LastProcessedBlock + 1,
		"to":   head,
	}).Debug("Catching up")
	return w.processRange(ctx, cp.LastProcessedBlock+1, head, false)
}

// Backfill replays [from, to] through the handler without moving the
// checkpoint. Already applied events are skipped by deduplication.
func (w *Watcher) Backfill(ctx context.Context, from, to uint64) error {
	w.logger.WithFields(logrus.Fields{"from": from, "to": to}).Info("Backfilling")
	return w.processRange(ctx, from, to, true)
}

func (w *Watcher) processRange(ctx context.Context, from, to uint64, backfill bool) error {
	ranges, err := SplitRange(from, to, w.config.MaxBlockRange)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeValidation, "Invalid block range", err.Error())
	}

	for _, r := range ranges {
		logs, err := w.fetchLogs(ctx, r)
		if err != nil {
			return err
		}

		records := w.parseLogs(logs)
		for _, group := range GroupByBlock(records) {
			if err := w.deliver(ctx, &models.EventBatch{
				Block:          group[0].BlockNumber,
				Events:         group,
				Complete:       true,
				SkipCheckpoint: backfill,
			}); err != nil {
				return err
			}
		}

		// Close the range so the checkpoint covers blocks without events
		if err := w.deliver(ctx, &models.EventBatch{Block: r.To, Complete: true, SkipCheckpoint: backfill}); err != nil {
			return err
		}
		if !backfill {
			w.setSynced(r.To)
		}
	}
	return nil
}

// fetchLogs requests one bounded range, retrying with backoff
func (w *Watcher) fetchLogs(ctx context.Context, r BlockRange) ([]types.Log, error) {
	retries := w.config.FetchRetries
	if retries <= 0 {
		retries = 3
	}
	policy := backoff.NewExponentialBackOff()
	if w.config.RetryInitialInterval > 0 {
		policy.InitialInterval = w.config.RetryInitialInterval
	}

	var logs []types.Log
	err := backoff.Retry(func() error {
		var err error
		logs, err = w.client.FilterLogs(ctx, w.query(new(big.Int).SetUint64(r.From), new(big.Int).SetUint64(r.To)))
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(retries)), ctx))
	if err != nil {
		return nil, err
	}
	return logs, nil
}

// parseLogs decodes and orders logs, dropping malformed and removed ones
func (w *Watcher) parseLogs(logs []types.Log) []*models.EventRecord {
	records := make([]*models.EventRecord, 0, len(logs))
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		record, err := w.parser.ParseLog(lg)
		if err != nil {
			w.dropMalformed(lg, err)
			continue
		}
		records = append(records, record)
	}
	SortRecords(records)
	return records
}

func (w *Watcher) dropMalformed(lg types.Log, err error) {
	w.logger.WithError(err).WithFields(logrus.Fields{
		"tx_hash":   lg.TxHash.Hex(),
		"log_index": lg.Index,
		"block":     lg.BlockNumber,
	}).Warn("Dropping malformed log")
	w.metricsManager.GetPrometheusMetrics().RecordMalformedLog(string(w.spec.Chain), w.spec.Contract.Hex())
}

func (w *Watcher) deliver(ctx context.Context, batch *models.EventBatch) error {
	batch.Chain = w.spec.Chain
	batch.ChainID = w.chainID
	batch.ContractAddress = w.spec.Contract

	if err := w.handler.ProcessBatch(ctx, batch); err != nil {
		if utils.HasCode(err, utils.ErrCodeCheckpoint) {
			w.alerter.Alert(ctx, models.AlertCheckpointFailed, models.SeverityCritical,
				"Checkpoint write failed",
				fmt.Sprintf("Watcher for %s on %s halted at block %d and will replay from its last checkpoint",
					w.spec.Contract.Hex(), w.spec.Chain, batch.Block),
				map[string]interface{}{"error": err.Error()})
		}
		return err
	}

	if len(batch.Events) > 0 {
		w.mu.Lock()
		w.status.LastEventBlock = batch.Block
		w.mu.Unlock()
	}
	return nil
}

// liveLoop applies pushed logs in arrival order and periodically re-runs
// catch-up to close gaps the subscription may have missed. Pushed logs
// never move the checkpoint; only a FilterLogs catch-up proves a range.
func (w *Watcher) liveLoop(ctx context.Context, sub ethereum.Subscription, logs <-chan types.Log) error {
	ticker := time.NewTicker(w.config.ResyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-sub.Err():
			if err == nil {
				err = errors.New("subscription closed")
			}
			return utils.WrapError(utils.ErrCodeConnection, "Log subscription dropped", err)

		case lg := <-logs:
			if lg.Removed {
				w.logger.WithFields(logrus.Fields{
					"tx_hash": lg.TxHash.Hex(),
					"block":   lg.BlockNumber,
				}).Warn("Ignoring log removed by reorg")
				continue
			}
			record, err := w.parser.ParseLog(lg)
			if err != nil {
				w.dropMalformed(lg, err)
				continue
			}
			// A subscription can skip logs silently, so a pushed log proves
			// nothing about the blocks before it.
			if err := w.deliver(ctx, &models.EventBatch{
				Block:          record.BlockNumber,
				Events:         []*models.EventRecord{record},
				SkipCheckpoint: true,
			}); err != nil {
				return err
			}

		case <-ticker.C:
			if err := w.catchUp(ctx); err != nil {
				return err
			}
		}
	}
}

// pollLoop re-runs catch-up on every poll interval
func (w *Watcher) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := w.catchUp(ctx); err != nil {
				return err
			}
		}
	}
}

func (w *Watcher) setSynced(block uint64) {
	w.mu.Lock()
	if block > w.status.LastSyncedBlock {
		w.status.LastSyncedBlock = block
	}
	w.mu.Unlock()
	w.metricsManager.GetPrometheusMetrics().UpdateCheckpoint(string(w.spec.Chain), w.spec.Contract.Hex(), block)
}

// recordFailure updates health after a failed session and returns the
// number of consecutive failures.
func (w *Watcher) recordFailure(ctx context.Context, err error) int {
	now := time.Now()

	w.mu.Lock()
	w.status.ConsecutiveFailures++
	w.status.Restarts++
	w.status.LastError = err.Error()
	w.status.LastErrorAt = &now
	failures := w.status.ConsecutiveFailures
	becameDegraded := w.status.Healthy && failures >= w.config.DegradedAfter
	if becameDegraded {
		w.status.Healthy = false
	}
	w.mu.Unlock()

	pm := w.metricsManager.GetPrometheusMetrics()
	pm.RecordWatcherRestart(string(w.spec.Chain), w.spec.Contract.Hex())

	if becameDegraded {
		pm.UpdateWatcherHealth(string(w.spec.Chain), w.spec.Contract.Hex(), false)
		w.logger.WithError(err).WithField("failures", failures).Error("Watcher degraded")
		w.alerter.Alert(ctx, models.AlertWatcherDegraded, models.SeverityWarning,
			"Chain watcher degraded",
			fmt.Sprintf("Watcher for %s on %s failed %d times in a row; still retrying",
				w.spec.Contract.Hex(), w.spec.Chain, failures),
			map[string]interface{}{"error": err.Error(), "failures": failures})
	}
	return failures
}

func (w *Watcher) markHealthy(ctx context.Context, subscribed bool) {
	w.mu.Lock()
	recovered := !w.status.Healthy
	w.status.Healthy = true
	w.status.ConsecutiveFailures = 0
	if subscribed {
		w.status.Mode = "subscription"
	} else {
		w.status.Mode = "polling"
	}
	w.mu.Unlock()

	w.metricsManager.GetPrometheusMetrics().UpdateWatcherHealth(string(w.spec.Chain), w.spec.Contract.Hex(), true)
	if recovered {
		w.logger.Info("Watcher recovered")
		w.alerter.Alert(ctx, models.AlertWatcherRecovered, models.SeverityInfo,
			"Chain watcher recovered",
			fmt.Sprintf("Watcher for %s on %s is following the chain again", w.spec.Contract.Hex(), w.spec.Chain),
			nil)
	}
}
