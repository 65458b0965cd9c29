package storage

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/smartdevs17/bridge-relayer/internal/metrics"
	"github.com/smartdevs17/bridge-relayer/internal/models"
)

// StorageWithMetrics wraps a storage implementation with metrics
type StorageWithMetrics struct {
	Storage
	metricsManager *metrics.Manager
}

// NewStorageWithMetrics creates a storage wrapper with metrics
func NewStorageWithMetrics(storage Storage, metricsManager *metrics.Manager) *StorageWithMetrics {
	return &StorageWithMetrics{
		Storage:        storage,
		metricsManager: metricsManager,
	}
}

func (s *StorageWithMetrics) record(operation, table string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	s.metricsManager.GetPrometheusMetrics().RecordDatabaseOperation(operation, table, status, time.Since(start))
}

// ApplyEvent applies an event and records metrics
func (s *StorageWithMetrics) ApplyEvent(ctx context.Context, event *models.EventRecord, apply ApplyFunc) (*ApplyResult, error) {
	start := time.Now()
	result, err := s.Storage.ApplyEvent(ctx, event, apply)
	s.record("apply", "ledger_entries", start, err)
	return result, err
}

// DeferEvent parks an event and records metrics
func (s *StorageWithMetrics) DeferEvent(ctx context.Context, event *models.EventRecord) (bool, error) {
	start := time.Now()
	inserted, err := s.Storage.DeferEvent(ctx, event)
	s.record("insert", "deferred_events", start, err)
	return inserted, err
}

// StoreVoucher stores a voucher and records metrics
func (s *StorageWithMetrics) StoreVoucher(ctx context.Context, key models.LedgerKey, voucher *models.Voucher) (bool, error) {
	start := time.Now()
	stored, err := s.Storage.StoreVoucher(ctx, key, voucher)
	s.record("store_voucher", "ledger_entries", start, err)
	return stored, err
}

// ListLedgerEntries queries the ledger and records metrics
func (s *StorageWithMetrics) ListLedgerEntries(ctx context.Context, filter models.LedgerFilter) ([]*models.LedgerEntry, error) {
	start := time.Now()
	entries, err := s.Storage.ListLedgerEntries(ctx, filter)
	s.record("select", "ledger_entries", start, err)
	return entries, err
}

// AdvanceCheckpoint advances a checkpoint and records metrics
func (s *StorageWithMetrics) AdvanceCheckpoint(ctx context.Context, chainID uint64, contract common.Address, block uint64) error {
	start := time.Now()
	err := s.Storage.AdvanceCheckpoint(ctx, chainID, contract, block)
	s.record("upsert", "checkpoints", start, err)
	return err
}

// RegisterToken registers a token and records metrics
func (s *StorageWithMetrics) RegisterToken(ctx context.Context, registration *models.TokenRegistration) (*models.TokenRegistration, error) {
	start := time.Now()
	stored, err := s.Storage.RegisterToken(ctx, registration)
	s.record("insert", "token_registry", start, err)
	return stored, err
}
