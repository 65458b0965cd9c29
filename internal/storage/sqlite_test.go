package storage

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/smartdevs17/bridge-relayer/internal/config"
	"github.com/smartdevs17/bridge-relayer/internal/models"
	"github.com/smartdevs17/bridge-relayer/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice    = common.HexToAddress("0xA11cE00000000000000000000000000000000001")
	bob      = common.HexToAddress("0xB0B0000000000000000000000000000000000002")
	tokenX   = common.HexToAddress("0x7000000000000000000000000000000000000007")
	wrappedX = common.HexToAddress("0x8000000000000000000000000000000000000008")
	bridge   = common.HexToAddress("0x1000000000000000000000000000000000000001")
)

func newTestStorage(t *testing.T) Storage {
	t.Helper()
	utils.InitLogger("error", "text", "stdout", "")

	store, err := Open(&config.StorageConfig{
		Type:             "sqlite",
		ConnectionString: filepath.Join(t.TempDir(), "relayer.db"),
		MaxConnections:   8,
		MaxIdleTime:      time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func lockEvent(user common.Address, amount int64, block uint64, logIndex uint) *models.EventRecord {
	return &models.EventRecord{
		Chain:           models.ChainSource,
		ChainID:         31337,
		ContractAddress: bridge,
		Kind:            models.EventLocked,
		TokenAddress:    tokenX,
		UserAddress:     user,
		Amount:          big.NewInt(amount),
		BlockNumber:     block,
		TxHash:          common.BigToHash(big.NewInt(int64(block*1000) + int64(logIndex))),
		LogIndex:        logIndex,
	}
}

func addLocked(entry *models.LedgerEntry, event *models.EventRecord) {
	entry.Locked.Add(entry.Locked, event.Amount)
	entry.ClaimPending = true
}

func TestSQLiteStorage(t *testing.T) {
	store := newTestStorage(t)
	require.NoError(t, store.Ping())

	t.Run("Apply And Dedup", func(t *testing.T) { testApplyAndDedup(t, store) })
	t.Run("Apply Error Rolls Back", func(t *testing.T) { testApplyRollback(t, store) })
	t.Run("Vouchers", func(t *testing.T) { testVouchers(t, store) })
	t.Run("Checkpoints", func(t *testing.T) { testCheckpoints(t, store) })
	t.Run("Token Registry", func(t *testing.T) { testTokenRegistry(t, store) })
	t.Run("Projections", func(t *testing.T) { testProjections(t, store) })
	t.Run("Statistics", func(t *testing.T) { testStatistics(t, store) })
}

func testApplyAndDedup(t *testing.T, store Storage) {
	ctx := context.Background()
	event := lockEvent(alice, 100, 10, 0)

	var created bool
	result, err := store.ApplyEvent(ctx, event, func(entry *models.LedgerEntry, isNew bool) error {
		created = isNew
		addLocked(entry, event)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, result.Applied)
	assert.True(t, created)
	assert.Equal(t, "100", result.Entry.Locked.String())

	// Replay of the same (txHash, logIndex) must not call apply
	result, err = store.ApplyEvent(ctx, event, func(entry *models.LedgerEntry, _ bool) error {
		t.Fatal("apply called for a duplicate event")
		return nil
	})
	require.NoError(t, err)
	assert.False(t, result.Applied)

	applied, err := store.IsApplied(ctx, event.Key())
	require.NoError(t, err)
	assert.True(t, applied)

	entry, err := store.GetLedgerEntry(ctx, models.LedgerKey{User: alice, Token: tokenX})
	require.NoError(t, err)
	assert.Equal(t, "100", entry.Locked.String())
	assert.Equal(t, "0", entry.Bridged.String())
	assert.True(t, entry.ClaimPending)
}

func testApplyRollback(t *testing.T, store Storage) {
	ctx := context.Background()
	event := lockEvent(bob, 5, 11, 0)
	boom := errors.New("boom")

	_, err := store.ApplyEvent(ctx, event, func(entry *models.LedgerEntry, _ bool) error {
		entry.Locked.Add(entry.Locked, event.Amount)
		return boom
	})
	require.ErrorIs(t, err, boom)

	applied, err := store.IsApplied(ctx, event.Key())
	require.NoError(t, err)
	assert.False(t, applied, "dedup marker must roll back with the ledger write")

	_, err = store.GetLedgerEntry(ctx, models.LedgerKey{User: bob, Token: tokenX})
	assert.ErrorIs(t, err, ErrNotFound)
}

func testVouchers(t *testing.T, store Storage) {
	ctx := context.Background()
	key := models.LedgerKey{User: alice, Token: tokenX}

	pending, err := store.ListPendingVouchers(ctx, 10)
	require.NoError(t, err)
	assert.Contains(t, pending, models.PendingVoucher{Key: key, Action: models.ActionClaim})

	stale := &models.Voucher{R: "0x01", S: "0x02", V: "0x1b", IssuedForAction: models.ActionClaim, IssuedAmount: "60", Nonce: "0"}
	stored, err := store.StoreVoucher(ctx, key, stale)
	require.NoError(t, err)
	assert.False(t, stored, "voucher for a different amount than outstanding is discarded")

	voucher := &models.Voucher{R: "0x01", S: "0x02", V: "0x1b", IssuedForAction: models.ActionClaim, IssuedAmount: "100", Nonce: "0", IssuedAt: time.Now().UTC()}
	stored, err = store.StoreVoucher(ctx, key, voucher)
	require.NoError(t, err)
	assert.True(t, stored)

	entry, err := store.GetLedgerEntry(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, entry.ClaimVoucher)
	assert.Equal(t, "100", entry.ClaimVoucher.IssuedAmount)
	assert.False(t, entry.ClaimVoucher.Used)
	assert.False(t, entry.ClaimPending)
	assert.Nil(t, entry.ReleaseVoucher)

	_, err = store.StoreVoucher(ctx, models.LedgerKey{User: bob, Token: wrappedX}, voucher)
	assert.ErrorIs(t, err, ErrNotFound)
}

func testCheckpoints(t *testing.T, store Storage) {
	ctx := context.Background()

	_, err := store.GetCheckpoint(ctx, 31337, bridge)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.AdvanceCheckpoint(ctx, 31337, bridge, 100))
	cp, err := store.GetCheckpoint(ctx, 31337, bridge)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), cp.LastProcessedBlock)

	// Never moves backwards
	require.NoError(t, store.AdvanceCheckpoint(ctx, 31337, bridge, 90))
	cp, err = store.GetCheckpoint(ctx, 31337, bridge)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), cp.LastProcessedBlock)

	require.NoError(t, store.AdvanceCheckpoint(ctx, 31337, bridge, 101))
	cp, err = store.GetCheckpoint(ctx, 31337, bridge)
	require.NoError(t, err)
	assert.Equal(t, uint64(101), cp.LastProcessedBlock)

	// Checkpoints are keyed per chain
	_, err = store.GetCheckpoint(ctx, 1, bridge)
	assert.ErrorIs(t, err, ErrNotFound)
}

func testTokenRegistry(t *testing.T, store Storage) {
	ctx := context.Background()

	_, err := store.GetTokenRegistration(ctx, tokenX)
	assert.ErrorIs(t, err, ErrNotFound)

	reg, err := store.RegisterToken(ctx, &models.TokenRegistration{SourceToken: tokenX, DestinationToken: wrappedX})
	require.NoError(t, err)
	assert.Equal(t, wrappedX, reg.DestinationToken)

	// First writer wins
	other := common.HexToAddress("0x9000000000000000000000000000000000000009")
	reg, err = store.RegisterToken(ctx, &models.TokenRegistration{SourceToken: tokenX, DestinationToken: other})
	require.NoError(t, err)
	assert.Equal(t, wrappedX, reg.DestinationToken)

	reg, err = store.GetRegistrationByDestination(ctx, wrappedX)
	require.NoError(t, err)
	assert.Equal(t, tokenX, reg.SourceToken)

	regs, err := store.ListTokenRegistrations(ctx)
	require.NoError(t, err)
	require.Len(t, regs, 1)
	assert.Equal(t, tokenX, regs[0].SourceToken)
}

func testProjections(t *testing.T, store Storage) {
	ctx := context.Background()

	claimable, err := store.ListLedgerEntries(ctx, models.LedgerFilter{Claimable: true})
	require.NoError(t, err)
	require.Len(t, claimable, 1)
	assert.Equal(t, alice, claimable[0].UserAddress)

	event := lockEvent(alice, 100, 13, 0)
	event.Kind = models.EventClaimed
	_, err = store.ApplyEvent(ctx, event, func(entry *models.LedgerEntry, _ bool) error {
		entry.Bridged.Add(entry.Bridged, event.Amount)
		return nil
	})
	require.NoError(t, err)

	claimable, err = store.ListLedgerEntries(ctx, models.LedgerFilter{Claimable: true})
	require.NoError(t, err)
	assert.Empty(t, claimable)

	bridged, err := store.ListLedgerEntries(ctx, models.LedgerFilter{User: &alice, HasBridged: true})
	require.NoError(t, err)
	require.Len(t, bridged, 1)
	assert.Equal(t, "100", bridged[0].Bridged.String())

	releasable, err := store.ListLedgerEntries(ctx, models.LedgerFilter{Releasable: true})
	require.NoError(t, err)
	assert.Empty(t, releasable)
}

func testStatistics(t *testing.T, store Storage) {
	stats, err := store.GetStorageStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.LedgerEntries)
	assert.Equal(t, int64(2), stats.AppliedEvents)
	assert.Equal(t, int64(0), stats.DeferredEvents)
	assert.Equal(t, int64(1), stats.Registrations)
	assert.Equal(t, int64(1), stats.Checkpoints)
}

func TestDeferredEvents(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	claim := lockEvent(bob, 7, 12, 3)
	claim.Chain = models.ChainDestination
	claim.ChainID = 31338
	claim.ContractAddress = wrappedX
	claim.Kind = models.EventClaimed
	other := lockEvent(alice, 9, 14, 0)
	other.Kind = models.EventReleased

	inserted, err := store.DeferEvent(ctx, claim)
	require.NoError(t, err)
	assert.True(t, inserted)
	inserted, err = store.DeferEvent(ctx, claim)
	require.NoError(t, err)
	assert.False(t, inserted)
	inserted, err = store.DeferEvent(ctx, other)
	require.NoError(t, err)
	assert.True(t, inserted)

	// A parked event has no dedup marker, so a replay still reaches the ledger
	applied, err := store.IsApplied(ctx, claim.Key())
	require.NoError(t, err)
	assert.False(t, applied)

	key := models.LedgerKey{User: bob, Token: tokenX}
	parked, err := store.ListDeferredEvents(ctx, &key, 10)
	require.NoError(t, err)
	require.Len(t, parked, 1)
	got := parked[0]
	assert.Equal(t, claim.Key(), got.Key())
	assert.Equal(t, models.ChainDestination, got.Chain)
	assert.Equal(t, uint64(31338), got.ChainID)
	assert.Equal(t, wrappedX, got.ContractAddress)
	assert.Equal(t, models.EventClaimed, got.Kind)
	assert.Equal(t, key, got.LedgerKey())
	assert.Equal(t, "7", got.Amount.String())
	assert.Equal(t, uint64(12), got.BlockNumber)

	all, err := store.ListDeferredEvents(ctx, nil, 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	result, err := store.ApplyEvent(ctx, claim, func(entry *models.LedgerEntry, _ bool) error {
		entry.Locked.Add(entry.Locked, claim.Amount)
		entry.Bridged.Add(entry.Bridged, claim.Amount)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, result.Applied)

	parked, err = store.ListDeferredEvents(ctx, &key, 10)
	require.NoError(t, err)
	assert.Empty(t, parked)

	// Applied events are never parked again
	inserted, err = store.DeferEvent(ctx, claim)
	require.NoError(t, err)
	assert.False(t, inserted)

	stats, err := store.GetStorageStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.DeferredEvents)
}

func TestConcurrentApplyDoesNotLoseUpdates(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			event := lockEvent(alice, 10, 50, uint(i))
			_, err := store.ApplyEvent(ctx, event, func(entry *models.LedgerEntry, _ bool) error {
				addLocked(entry, event)
				return nil
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	entry, err := store.GetLedgerEntry(ctx, models.LedgerKey{User: alice, Token: tokenX})
	require.NoError(t, err)
	assert.Equal(t, "200", entry.Locked.String())
}

func TestRebind(t *testing.T) {
	pg := &sqlStore{dialect: dialect{numbered: true}}
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y = $2", pg.rebind("SELECT a FROM t WHERE x = ? AND y = ?"))

	lite := &sqlStore{dialect: dialect{}}
	assert.Equal(t, "x = ?", lite.rebind("x = ?"))
}

func TestNewStorageRejectsUnknownType(t *testing.T) {
	_, err := NewStorage(&config.StorageConfig{Type: "mongo", ConnectionString: "x"})
	require.Error(t, err)
	assert.True(t, utils.HasCode(err, utils.ErrCodeConfiguration))
}
