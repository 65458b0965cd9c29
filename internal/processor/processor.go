// File: internal/processor/processor.go
package processor

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/bridge-relayer/internal/config"
	"github.com/smartdevs17/bridge-relayer/internal/metrics"
	"github.com/smartdevs17/bridge-relayer/internal/models"
	"github.com/smartdevs17/bridge-relayer/internal/monitor"
	"github.com/smartdevs17/bridge-relayer/internal/storage"
	"github.com/smartdevs17/bridge-relayer/pkg/utils"
	"golang.org/x/sync/errgroup"
)

// Processor defines the reconciliation engine interface
type Processor interface {
	// Lifecycle management
	Start(ctx context.Context) error
	Stop() error
	IsRunning() bool

	// Event processing
	ProcessBatch(ctx context.Context, batch *models.EventBatch) error

	// Statistics and monitoring
	GetStats() *ProcessorStats
	GetHealth(ctx context.Context) *ProcessorHealth
}

// VoucherIssuer signs claim and release vouchers
type VoucherIssuer interface {
	Issue(ctx context.Context, action models.VoucherAction, key models.LedgerKey, amount *big.Int) (*models.Voucher, error)
}

// TokenRegistry is notified of every locked source token
type TokenRegistry interface {
	TokenResolver
	Observe(ctx context.Context, sourceToken common.Address)
}

// EventProcessor applies event batches to the ledger, advances checkpoints
// and drives voucher issuance.
type EventProcessor struct {
	// Dependencies
	storage  storage.Storage
	issuer   VoucherIssuer
	registry TokenRegistry
	alerter  monitor.Alerter
	logger   *logrus.Entry

	// Configuration
	config *ProcessorConfig

	// State management
	mu       sync.RWMutex
	running  bool
	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup

	// Processing components
	router      *EventRouter
	transformer *EventTransformer
	validator   *EventValidator
	vouchers    *voucherQueue

	// Statistics
	stats          *ProcessorStats
	metricsManager *metrics.Manager
}

// ProcessorConfig holds processor configuration
type ProcessorConfig struct {
	Workers              int           `json:"workers"`
	OutOfOrderRetries    int           `json:"out_of_order_retries"`
	OutOfOrderDelay      time.Duration `json:"out_of_order_delay"`
	ProcessTimeout       time.Duration `json:"process_timeout"`
	VoucherWorkers       int           `json:"voucher_workers"`
	VoucherRetryInterval time.Duration `json:"voucher_retry_interval"`
	VoucherAlertAfter    int           `json:"voucher_alert_after"`
	BufferSize           int           `json:"buffer_size"`
}

// ProcessorStats provides processor statistics
type ProcessorStats struct {
	StartTime             time.Time     `json:"start_time"`
	Uptime                time.Duration `json:"uptime"`
	IsRunning             bool          `json:"is_running"`
	BatchesProcessed      uint64        `json:"batches_processed"`
	EventsApplied         uint64        `json:"events_applied"`
	EventsDuplicate       uint64        `json:"events_duplicate"`
	EventsDeferred        uint64        `json:"events_deferred"`
	EventsInvalid         uint64        `json:"events_invalid"`
	VouchersIssued        uint64        `json:"vouchers_issued"`
	VoucherFailures       uint64        `json:"voucher_failures"`
	AverageProcessingTime time.Duration `json:"average_processing_time"`
	ErrorCount            uint64        `json:"error_count"`
	LastError             *string       `json:"last_error,omitempty"`
	LastErrorTime         *time.Time    `json:"last_error_time,omitempty"`
}

// ProcessorHealth provides processor health information
type ProcessorHealth struct {
	Healthy         bool     `json:"healthy"`
	StorageHealthy  bool     `json:"storage_healthy"`
	VoucherQueue    int      `json:"voucher_queue"`
	FailingVouchers int      `json:"failing_vouchers"`
	Issues          []string `json:"issues,omitempty"`
}

// ConfigFrom maps processor and voucher configuration
func ConfigFrom(p config.ProcessorConfig, v config.VoucherConfig) *ProcessorConfig {
	return &ProcessorConfig{
		Workers:              p.Workers,
		OutOfOrderRetries:    p.OutOfOrderRetries,
		OutOfOrderDelay:      p.OutOfOrderDelay,
		ProcessTimeout:       p.ProcessTimeout,
		VoucherWorkers:       v.Workers,
		VoucherRetryInterval: v.RetryInterval,
		VoucherAlertAfter:    v.AlertAfter,
	}
}

// NewEventProcessor creates a new event processor
func NewEventProcessor(
	storage storage.Storage,
	issuer VoucherIssuer,
	registry TokenRegistry,
	alerter monitor.Alerter,
	config *ProcessorConfig,
	metricsManager *metrics.Manager,
) *EventProcessor {
	if config.Workers <= 0 {
		config.Workers = 4
	}
	if config.VoucherWorkers <= 0 {
		config.VoucherWorkers = 2
	}
	if config.VoucherRetryInterval <= 0 {
		config.VoucherRetryInterval = 30 * time.Second
	}
	if config.VoucherAlertAfter <= 0 {
		config.VoucherAlertAfter = 5
	}
	if config.OutOfOrderDelay <= 0 {
		config.OutOfOrderDelay = time.Second
	}
	if config.ProcessTimeout <= 0 {
		config.ProcessTimeout = 30 * time.Second
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 1024
	}
	if alerter == nil {
		alerter = monitor.NoopAlerter{}
	}

	processor := &EventProcessor{
		storage:        storage,
		issuer:         issuer,
		registry:       registry,
		alerter:        alerter,
		config:         config,
		logger:         utils.ComponentLogger("processor"),
		stopChan:       make(chan struct{}),
		metricsManager: metricsManager,
		stats: &ProcessorStats{
			StartTime: time.Now(),
		},
	}

	// Initialize components
	processor.router = NewEventRouter()
	processor.transformer = NewEventTransformer(registry)
	processor.validator = NewEventValidator()
	processor.vouchers = newVoucherQueue(config.BufferSize)

	return processor
}

// Start launches the voucher workers and the pending voucher sweep
func (ep *EventProcessor) Start(ctx context.Context) error {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if ep.running {
		return utils.NewAppError(utils.ErrCodeInternal, "Processor already running", "")
	}

	ep.logger.Info("Starting event processor")

	ep.running = true
	ep.stats.StartTime = time.Now()
	ep.stats.IsRunning = true

	for i := 0; i < ep.config.VoucherWorkers; i++ {
		ep.wg.Add(1)
		go ep.voucherWorker(ctx, i)
	}

	ep.wg.Add(1)
	go ep.sweepLoop(ctx)

	ep.logger.WithFields(logrus.Fields{
		"workers":         ep.config.Workers,
		"voucher_workers": ep.config.VoucherWorkers,
	}).Info("Event processor started")

	return nil
}

// Stop stops the voucher workers. Batches being applied finish first.
func (ep *EventProcessor) Stop() error {
	ep.mu.Lock()
	if !ep.running {
		ep.mu.Unlock()
		return nil
	}
	ep.running = false
	ep.stats.IsRunning = false
	ep.mu.Unlock()

	ep.logger.Info("Stopping event processor")

	ep.stopOnce.Do(func() {
		close(ep.stopChan)
	})

	// Wait for goroutines to finish
	ep.wg.Wait()

	ep.logger.Info("Event processor stopped")
	return nil
}

// IsRunning returns whether the processor is running
func (ep *EventProcessor) IsRunning() bool {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	return ep.running
}

// ProcessBatch applies batch to the ledger and then advances the
// checkpoint of its contract. Any error leaves the checkpoint where it was
// so the batch is replayed.
func (ep *EventProcessor) ProcessBatch(ctx context.Context, batch *models.EventBatch) error {
	startTime := time.Now()

	// Work already started is finished even if the watcher is shutting down
	dbCtx := context.WithoutCancel(ctx)

	events := make([]*models.EventRecord, 0, len(batch.Events))
	for _, event := range batch.Events {
		if err := ep.validator.ValidateEvent(event); err != nil {
			ep.logger.WithError(err).WithFields(eventFields(event)).Warn("Dropping invalid event")
			ep.recordOutcome(event, "invalid", 0)
			continue
		}
		opCtx, cancel := ep.opContext(dbCtx)
		normalized, err := ep.transformer.TransformEvent(opCtx, event)
		cancel()
		if err != nil {
			ep.recordError(err)
			return err
		}
		events = append(events, normalized)
	}

	var (
		jobsMu sync.Mutex
		jobs   []models.PendingVoucher
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ep.config.Workers)
	for _, queue := range ep.router.RouteEvents(events) {
		g.Go(func() error {
			for _, event := range queue.Events {
				pending, err := ep.applyEvent(gctx, dbCtx, event)
				if err != nil {
					return err
				}
				jobsMu.Lock()
				jobs = append(jobs, pending...)
				jobsMu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		ep.recordError(err)
		return err
	}

	// Claim vouchers need the wrapped token, so registration comes first
	opCtx, cancel := ep.opContext(dbCtx)
	defer cancel()
	ep.observeTokens(opCtx, events)
	for _, job := range jobs {
		ep.enqueueVoucher(job)
	}

	if !batch.SkipCheckpoint {
		if err := ep.advanceCheckpoint(opCtx, batch); err != nil {
			ep.recordError(err)
			return err
		}
	}

	ep.updateStats(time.Since(startTime))
	return nil
}

// applyEvent applies one event, deferring it while its covering Locked or
// Burned event may still be in flight on the other chain. waitCtx bounds
// the deferral; each storage call gets its own timeout derived from dbCtx.
// It returns the voucher slots the event left pending.
func (ep *EventProcessor) applyEvent(waitCtx, dbCtx context.Context, event *models.EventRecord) ([]models.PendingVoucher, error) {
	start := time.Now()
	var result *storage.ApplyResult

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = ep.config.OutOfOrderDelay
	policy.MaxElapsedTime = 0
	retries := ep.config.OutOfOrderRetries
	if retries < 0 {
		retries = 0
	}

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		opCtx, cancel := ep.opContext(dbCtx)
		defer cancel()
		res, err := ep.storage.ApplyEvent(opCtx, event, transition(event))
		if errors.Is(err, ErrOutOfOrder) {
			if attempt <= retries {
				ep.logger.WithFields(eventFields(event)).WithField("attempt", attempt).Debug("Waiting for covering event")
				ep.metricsManager.GetPrometheusMetrics().RecordLedgerRetry("out_of_order")
			}
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		result = res
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(retries)), waitCtx))

	switch {
	case err == nil:
	case errors.Is(err, ErrOutOfOrder):
		return ep.deferEvent(dbCtx, event, err, start)
	default:
		return nil, err
	}
	return ep.settle(dbCtx, event, result, start), nil
}

// settle records the outcome of an apply and returns the voucher slots the
// entry is left with. A Locked or Burned event releases the Claimed or
// Released events parked behind it.
func (ep *EventProcessor) settle(dbCtx context.Context, event *models.EventRecord, result *storage.ApplyResult, start time.Time) []models.PendingVoucher {
	if !result.Applied {
		ep.recordOutcome(event, "duplicate", time.Since(start))
		ep.logger.WithFields(eventFields(event)).Debug("Skipping already applied event")
		return nil
	}

	ep.recordOutcome(event, "applied", time.Since(start))
	ep.logger.WithFields(eventFields(event)).WithFields(ledgerFields(result.Entry)).Info("Event applied")

	entry := result.Entry
	if event.Kind == models.EventLocked || event.Kind == models.EventBurned {
		if latest := ep.redriveDeferred(dbCtx, entry.Key()); latest != nil {
			entry = latest
		}
	}
	return pendingJobs(entry)
}

func pendingJobs(entry *models.LedgerEntry) []models.PendingVoucher {
	var jobs []models.PendingVoucher
	for _, action := range pendingActions(entry) {
		jobs = append(jobs, models.PendingVoucher{Key: entry.Key(), Action: action})
	}
	return jobs
}

func (ep *EventProcessor) opContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, ep.config.ProcessTimeout)
}

// deferEvent parks an event whose covering Locked or Burned event has not
// been applied yet. It gets no dedup marker, so a replay or the covering
// event applies it later.
func (ep *EventProcessor) deferEvent(dbCtx context.Context, event *models.EventRecord, cause error, start time.Time) ([]models.PendingVoucher, error) {
	opCtx, cancel := ep.opContext(dbCtx)
	defer cancel()

	inserted, err := ep.storage.DeferEvent(opCtx, event)
	if err != nil {
		return nil, err
	}

	// The covering event may have committed after the last attempt and
	// before the event was parked
	result, err := ep.storage.ApplyEvent(opCtx, event, transition(event))
	switch {
	case err == nil:
		return ep.settle(dbCtx, event, result, start), nil
	case !errors.Is(err, ErrOutOfOrder):
		return nil, err
	}

	if !inserted {
		ep.logger.WithFields(eventFields(event)).Debug("Event already deferred")
		return nil, nil
	}

	ep.recordOutcome(event, "deferred", time.Since(start))
	ep.logger.WithError(cause).WithFields(eventFields(event)).Warn("Event deferred until its covering event is applied")

	data := eventData(event)
	data["reason"] = cause.Error()
	ep.alerter.Alert(opCtx, models.AlertEventDeferred, models.SeverityWarning,
		"Bridge event deferred",
		fmt.Sprintf("%s of %s by %s in tx %s exceeds the ledger balance and is parked until the matching event is applied",
			event.Kind, event.Amount, event.UserAddress.Hex(), event.TxHash.Hex()),
		data)
	return nil, nil
}

// redriveDeferred applies the parked events of key that its ledger entry
// now covers and returns the entry after the last one applied.
func (ep *EventProcessor) redriveDeferred(dbCtx context.Context, key models.LedgerKey) *models.LedgerEntry {
	listCtx, cancel := ep.opContext(dbCtx)
	parked, err := ep.storage.ListDeferredEvents(listCtx, &key, sweepBatchSize)
	cancel()
	if err != nil {
		ep.logger.WithError(err).WithField("user", key.User.Hex()).Warn("Failed to list deferred events")
		return nil
	}

	var latest *models.LedgerEntry
	for _, event := range parked {
		start := time.Now()
		opCtx, cancel := ep.opContext(dbCtx)
		result, err := ep.storage.ApplyEvent(opCtx, event, transition(event))
		cancel()
		switch {
		case errors.Is(err, ErrOutOfOrder):
			continue
		case err != nil:
			// Left parked for the next sweep
			ep.logger.WithError(err).WithFields(eventFields(event)).Warn("Failed to apply deferred event")
			continue
		case !result.Applied:
			continue
		}

		latest = result.Entry
		ep.recordOutcome(event, "applied", time.Since(start))
		ep.logger.WithFields(eventFields(event)).WithFields(ledgerFields(result.Entry)).Info("Deferred event applied")
	}
	return latest
}

// RedriveDeferredEvents retries every parked event and queues the vouchers
// of the entries that changed
func (ep *EventProcessor) RedriveDeferredEvents(ctx context.Context) int {
	listCtx, cancel := ep.opContext(ctx)
	parked, err := ep.storage.ListDeferredEvents(listCtx, nil, sweepBatchSize)
	cancel()
	if err != nil {
		ep.logger.WithError(err).Warn("Failed to list deferred events")
		return 0
	}

	seen := make(map[models.LedgerKey]bool)
	changed := 0
	for _, event := range parked {
		key := event.LedgerKey()
		if seen[key] {
			continue
		}
		seen[key] = true
		if entry := ep.redriveDeferred(ctx, key); entry != nil {
			changed++
			for _, job := range pendingJobs(entry) {
				ep.enqueueVoucher(job)
			}
		}
	}
	if len(parked) > 0 {
		ep.logger.WithFields(logrus.Fields{"deferred": len(parked), "entries_changed": changed}).Debug("Deferred events retried")
	}
	return changed
}

// observeTokens hands every locked token to the registry so its wrapped
// token gets a watcher
func (ep *EventProcessor) observeTokens(ctx context.Context, events []*models.EventRecord) {
	if ep.registry == nil {
		return
	}
	seen := make(map[common.Address]bool)
	for _, event := range events {
		if event.Kind != models.EventLocked || seen[event.TokenAddress] {
			continue
		}
		seen[event.TokenAddress] = true
		ep.registry.Observe(ctx, event.TokenAddress)
	}
}

// advanceCheckpoint moves the checkpoint to the last block fully applied.
// An incomplete batch only proves the blocks before it.
func (ep *EventProcessor) advanceCheckpoint(ctx context.Context, batch *models.EventBatch) error {
	block := batch.Block
	if !batch.Complete {
		if block == 0 {
			return nil
		}
		block--
	}

	if err := ep.storage.AdvanceCheckpoint(ctx, batch.ChainID, batch.ContractAddress, block); err != nil {
		ep.logger.WithError(err).WithFields(logrus.Fields{
			"chain":    batch.Chain,
			"contract": batch.ContractAddress.Hex(),
			"block":    block,
		}).Error("Failed to advance checkpoint")
		if !utils.HasCode(err, utils.ErrCodeCheckpoint) {
			err = utils.WrapError(utils.ErrCodeCheckpoint, "Failed to advance checkpoint", err)
		}
		return err
	}

	ep.metricsManager.GetPrometheusMetrics().UpdateCheckpoint(string(batch.Chain), batch.ContractAddress.Hex(), block)
	return nil
}

// GetStats returns processor statistics
func (ep *EventProcessor) GetStats() *ProcessorStats {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	stats := *ep.stats
	if ep.running {
		stats.Uptime = time.Since(ep.stats.StartTime)
	}
	return &stats
}

// GetHealth returns processor health information
func (ep *EventProcessor) GetHealth(ctx context.Context) *ProcessorHealth {
	health := &ProcessorHealth{
		Healthy:        true,
		StorageHealthy: true,
		VoucherQueue:   ep.vouchers.len(),
	}

	if err := ep.storage.Ping(); err != nil {
		health.Healthy = false
		health.StorageHealthy = false
		health.Issues = append(health.Issues, "storage unreachable: "+err.Error())
	}

	failing := ep.vouchers.failing(ep.config.VoucherAlertAfter)
	health.FailingVouchers = len(failing)
	for _, job := range failing {
		health.Issues = append(health.Issues, fmt.Sprintf("%s voucher for %s/%s keeps failing",
			job.Action, job.Key.User.Hex(), job.Key.Token.Hex()))
	}

	if !ep.IsRunning() {
		health.Healthy = false
		health.Issues = append(health.Issues, "processor is not running")
	}
	return health
}

func eventFields(event *models.EventRecord) logrus.Fields {
	return logrus.Fields{
		"chain":     event.Chain,
		"kind":      event.Kind,
		"user":      event.UserAddress.Hex(),
		"token":     event.TokenAddress.Hex(),
		"amount":    utils.FormatAmount(event.Amount),
		"block":     event.BlockNumber,
		"tx_hash":   event.TxHash.Hex(),
		"log_index": event.LogIndex,
	}
}

func eventData(event *models.EventRecord) map[string]interface{} {
	return map[string]interface{}{
		"chain":     string(event.Chain),
		"kind":      string(event.Kind),
		"user":      event.UserAddress.Hex(),
		"token":     event.TokenAddress.Hex(),
		"amount":    utils.FormatAmount(event.Amount),
		"block":     event.BlockNumber,
		"tx_hash":   event.TxHash.Hex(),
		"log_index": event.LogIndex,
	}
}

func ledgerFields(entry *models.LedgerEntry) logrus.Fields {
	return logrus.Fields{
		"locked":   entry.Locked.String(),
		"bridged":  entry.Bridged.String(),
		"burned":   entry.Burned.String(),
		"released": entry.Released.String(),
	}
}
