// File: internal/storage/storage.go
package storage

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/smartdevs17/bridge-relayer/internal/models"
)

// ErrNotFound is returned when a keyed document does not exist
var ErrNotFound = errors.New("storage: not found")

// ApplyFunc mutates a ledger entry inside the transaction that applies an
// event. created is true when the entry did not exist before this event.
// Returning an error rolls back the whole transaction, dedup marker included.
type ApplyFunc func(entry *models.LedgerEntry, created bool) error

// ApplyResult describes the outcome of ApplyEvent
type ApplyResult struct {
	// Applied is false when the event had already been recorded
	Applied bool
	Entry   *models.LedgerEntry
}

// Storage defines the interface for ledger, checkpoint and registry persistence
type Storage interface {
	// Connection management
	Connect() error
	Close() error
	Ping() error
	Migrate() error

	// Ledger operations
	ApplyEvent(ctx context.Context, event *models.EventRecord, apply ApplyFunc) (*ApplyResult, error)
	DeferEvent(ctx context.Context, event *models.EventRecord) (bool, error)
	ListDeferredEvents(ctx context.Context, key *models.LedgerKey, limit int) ([]*models.EventRecord, error)
	IsApplied(ctx context.Context, key models.EventKey) (bool, error)
	GetLedgerEntry(ctx context.Context, key models.LedgerKey) (*models.LedgerEntry, error)
	ListLedgerEntries(ctx context.Context, filter models.LedgerFilter) ([]*models.LedgerEntry, error)

	// Voucher operations
	ListPendingVouchers(ctx context.Context, limit int) ([]models.PendingVoucher, error)
	StoreVoucher(ctx context.Context, key models.LedgerKey, voucher *models.Voucher) (bool, error)

	// Checkpoint operations
	GetCheckpoint(ctx context.Context, chainID uint64, contract common.Address) (*models.Checkpoint, error)
	AdvanceCheckpoint(ctx context.Context, chainID uint64, contract common.Address, block uint64) error

	// Token registry operations
	GetTokenRegistration(ctx context.Context, sourceToken common.Address) (*models.TokenRegistration, error)
	GetRegistrationByDestination(ctx context.Context, destinationToken common.Address) (*models.TokenRegistration, error)
	RegisterToken(ctx context.Context, registration *models.TokenRegistration) (*models.TokenRegistration, error)
	ListTokenRegistrations(ctx context.Context) ([]*models.TokenRegistration, error)

	// Statistics and monitoring
	GetStorageStats(ctx context.Context) (*StorageStats, error)
}

// StorageStats provides storage statistics
type StorageStats struct {
	LedgerEntries   int64     `json:"ledger_entries"`
	AppliedEvents   int64     `json:"applied_events"`
	DeferredEvents  int64     `json:"deferred_events"`
	Registrations   int64     `json:"token_registrations"`
	Checkpoints     int64     `json:"checkpoints"`
	PendingVouchers int64     `json:"pending_vouchers"`
	CollectedAt     time.Time `json:"collected_at"`
}

// StorageConfig holds storage configuration
type StorageConfig struct {
	Type             string        `json:"type"`
	ConnectionString string        `json:"connection_string"`
	MaxConnections   int           `json:"max_connections"`
	MaxIdleTime      time.Duration `json:"max_idle_time"`
	ConflictRetries  int           `json:"conflict_retries"`
}

func amountsEqual(a *big.Int, b string) bool {
	v, ok := new(big.Int).SetString(b, 10)
	return ok && a.Cmp(v) == 0
}
