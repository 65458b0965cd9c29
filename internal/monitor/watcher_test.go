package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/smartdevs17/bridge-relayer/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testWatcherConfig() WatcherConfig {
	return WatcherConfig{
		PollInterval:         10 * time.Millisecond,
		MaxBlockRange:        100,
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     5 * time.Millisecond,
		DegradedAfter:        2,
		FetchRetries:         1,
	}
}

func newTestWatcher(cfg WatcherConfig, chain *fakeChain, store *fakeCheckpoints, alerter Alerter) (*Watcher, *recordingHandler) {
	handler := &recordingHandler{store: store}
	w := NewWatcher(WatchSpec{Chain: models.ChainSource, Contract: bridgeAddr}, 31, cfg, chain, store, handler, alerter, nil)
	return w, handler
}

func TestWatcherCatchUp(t *testing.T) {
	ctx := context.Background()

	t.Run("first run starts at head", func(t *testing.T) {
		chain := &fakeChain{head: 500}
		chain.addLogs(bridgeLog(models.EventLocked, bridgeAddr, 5, 400, 0))
		store := newFakeCheckpoints()
		w, handler := newTestWatcher(testWatcherConfig(), chain, store, nil)

		require.NoError(t, w.catchUp(ctx))

		cp, ok := store.get(bridgeAddr)
		require.True(t, ok)
		assert.Equal(t, uint64(500), cp)
		assert.Empty(t, handler.snapshot())
		assert.Equal(t, 0, chain.filterCallCount())
	})

	t.Run("replays gap in order and drops malformed logs", func(t *testing.T) {
		chain := &fakeChain{head: 20}
		bad := bridgeLog(models.EventLocked, bridgeAddr, 1, 13, 0)
		bad.Data = nil
		chain.addLogs(
			bridgeLog(models.EventLocked, bridgeAddr, 3, 15, 0),
			bridgeLog(models.EventLocked, bridgeAddr, 2, 12, 5),
			bridgeLog(models.EventLocked, bridgeAddr, 1, 12, 1),
			bad,
			bridgeLog(models.EventLocked, bridgeAddr, 9, 9, 0),
		)
		store := newFakeCheckpoints()
		store.checkpoints[bridgeAddr] = 10
		w, handler := newTestWatcher(testWatcherConfig(), chain, store, nil)

		require.NoError(t, w.catchUp(ctx))

		batches := handler.snapshot()
		require.Len(t, batches, 3)
		assert.Equal(t, uint64(12), batches[0].Block)
		require.Len(t, batches[0].Events, 2)
		assert.Equal(t, uint(1), batches[0].Events[0].LogIndex)
		assert.Equal(t, uint(5), batches[0].Events[1].LogIndex)
		assert.Equal(t, uint64(15), batches[1].Block)
		assert.Equal(t, uint64(20), batches[2].Block)
		assert.Empty(t, batches[2].Events)
		for _, b := range batches {
			assert.True(t, b.Complete)
			assert.False(t, b.SkipCheckpoint)
			assert.Equal(t, bridgeAddr, b.ContractAddress)
		}

		cp, _ := store.get(bridgeAddr)
		assert.Equal(t, uint64(20), cp)
		assert.Equal(t, uint64(20), w.Status().LastSyncedBlock)
	})

	t.Run("bounded range requests", func(t *testing.T) {
		chain := &fakeChain{head: 20}
		store := newFakeCheckpoints()
		store.checkpoints[bridgeAddr] = 10
		cfg := testWatcherConfig()
		cfg.MaxBlockRange = 4
		w, handler := newTestWatcher(cfg, chain, store, nil)

		require.NoError(t, w.catchUp(ctx))

		require.Equal(t, 3, chain.filterCallCount())
		for i, want := range []BlockRange{{11, 14}, {15, 18}, {19, 20}} {
			q := chain.filterCalls[i]
			assert.Equal(t, want.From, q.FromBlock.Uint64())
			assert.Equal(t, want.To, q.ToBlock.Uint64())
			require.Len(t, q.Topics, 1)
			assert.Len(t, q.Topics[0], len(models.EventKinds))
		}
		assert.Len(t, handler.snapshot(), 3)
	})

	t.Run("up to date", func(t *testing.T) {
		chain := &fakeChain{head: 10}
		store := newFakeCheckpoints()
		store.checkpoints[bridgeAddr] = 10
		w, handler := newTestWatcher(testWatcherConfig(), chain, store, nil)

		require.NoError(t, w.catchUp(ctx))
		assert.Empty(t, handler.snapshot())
	})
}

func TestWatcherBackfillKeepsCheckpoint(t *testing.T) {
	chain := &fakeChain{head: 100}
	chain.addLogs(
		bridgeLog(models.EventLocked, bridgeAddr, 4, 30, 0),
		bridgeLog(models.EventBurned, bridgeAddr, 1, 31, 2),
	)
	store := newFakeCheckpoints()
	store.checkpoints[bridgeAddr] = 90
	w, handler := newTestWatcher(testWatcherConfig(), chain, store, nil)

	require.NoError(t, w.Backfill(context.Background(), 25, 35))

	events := handler.events()
	require.Len(t, events, 2)
	assert.Equal(t, models.EventLocked, events[0].Kind)
	assert.Equal(t, models.EventBurned, events[1].Kind)
	for _, b := range handler.snapshot() {
		assert.True(t, b.SkipCheckpoint)
	}
	cp, _ := store.get(bridgeAddr)
	assert.Equal(t, uint64(90), cp)

	assert.Error(t, w.Backfill(context.Background(), 10, 5))
}

func TestWatcherPollingFollowsHead(t *testing.T) {
	chain := &fakeChain{head: 10}
	store := newFakeCheckpoints()
	store.checkpoints[bridgeAddr] = 10
	cfg := testWatcherConfig()
	cfg.EnableSubscription = true
	w, handler := newTestWatcher(cfg, chain, store, nil)

	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.Eventually(t, func() bool { return w.Status().Mode == "polling" }, time.Second, 5*time.Millisecond)

	chain.addLogs(bridgeLog(models.EventLocked, bridgeAddr, 7, 12, 0))
	chain.setHead(14)

	require.Eventually(t, func() bool {
		cp, _ := store.get(bridgeAddr)
		return cp == 14
	}, time.Second, 5*time.Millisecond)

	events := handler.events()
	require.Len(t, events, 1)
	assert.Equal(t, uint64(12), events[0].BlockNumber)
	assert.True(t, w.subscriptionUnsupported)
}

func TestWatcherLiveSubscription(t *testing.T) {
	chain := &fakeChain{head: 10, subscribe: true}
	store := newFakeCheckpoints()
	store.checkpoints[bridgeAddr] = 10
	cfg := testWatcherConfig()
	cfg.EnableSubscription = true
	w, handler := newTestWatcher(cfg, chain, store, nil)

	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.Eventually(t, func() bool { return w.Status().Mode == "subscription" }, time.Second, 5*time.Millisecond)

	removed := bridgeLog(models.EventLocked, bridgeAddr, 1, 11, 0)
	removed.Removed = true
	chain.push(removed)
	chain.push(bridgeLog(models.EventLocked, bridgeAddr, 6, 12, 1))

	require.Eventually(t, func() bool { return len(handler.events()) == 1 }, time.Second, 5*time.Millisecond)

	batch := handler.snapshot()[0]
	assert.False(t, batch.Complete)
	assert.True(t, batch.SkipCheckpoint)
	assert.Equal(t, uint64(12), batch.Block)

	// Only a catch-up moves the checkpoint
	cp, _ := store.get(bridgeAddr)
	assert.Equal(t, uint64(10), cp)
}

func TestWatcherResyncClosesSilentGap(t *testing.T) {
	chain := &fakeChain{head: 10, subscribe: true}
	store := newFakeCheckpoints()
	store.checkpoints[bridgeAddr] = 10
	cfg := testWatcherConfig()
	cfg.EnableSubscription = true
	cfg.ResyncInterval = 20 * time.Millisecond
	w, handler := newTestWatcher(cfg, chain, store, nil)

	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.Eventually(t, func() bool { return w.Status().Mode == "subscription" }, time.Second, 5*time.Millisecond)

	// The subscription skips block 13 and only pushes block 14
	chain.addLogs(
		bridgeLog(models.EventLocked, bridgeAddr, 3, 13, 0),
		bridgeLog(models.EventLocked, bridgeAddr, 4, 14, 0),
	)
	chain.setHead(14)
	chain.push(bridgeLog(models.EventLocked, bridgeAddr, 4, 14, 0))

	require.Eventually(t, func() bool {
		for _, ev := range handler.events() {
			if ev.BlockNumber == 13 {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		cp, _ := store.get(bridgeAddr)
		return cp == 14
	}, time.Second, 5*time.Millisecond)
}

func TestWatcherReconnectReplaysFromCheckpoint(t *testing.T) {
	chain := &fakeChain{head: 10, subscribe: true}
	store := newFakeCheckpoints()
	store.checkpoints[bridgeAddr] = 10
	cfg := testWatcherConfig()
	cfg.EnableSubscription = true
	w, handler := newTestWatcher(cfg, chain, store, nil)

	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.Eventually(t, func() bool { return w.Status().Mode == "subscription" }, time.Second, 5*time.Millisecond)

	// Both logs land while the connection is going down and are never pushed
	chain.addLogs(
		bridgeLog(models.EventLocked, bridgeAddr, 5, 11, 0),
		bridgeLog(models.EventBurned, bridgeAddr, 2, 12, 3),
	)
	chain.setHead(12)
	chain.dropSubscription(errors.New("websocket: close 1006"))

	require.Eventually(t, func() bool { return len(handler.events()) == 2 }, time.Second, 5*time.Millisecond)

	events := handler.events()
	assert.Equal(t, uint64(11), events[0].BlockNumber)
	assert.Equal(t, models.EventBurned, events[1].Kind)
	assert.GreaterOrEqual(t, chain.subscriptionCount(), 2)
	assert.GreaterOrEqual(t, w.Status().Restarts, uint64(1))

	require.Eventually(t, func() bool {
		cp, _ := store.get(bridgeAddr)
		return cp == 12
	}, time.Second, 5*time.Millisecond)
}

func TestWatcherDegradesAndRecovers(t *testing.T) {
	chain := &fakeChain{head: 12, filterErrs: 4}
	store := newFakeCheckpoints()
	store.checkpoints[bridgeAddr] = 10
	alerter := &recordingAlerter{}
	w, _ := newTestWatcher(testWatcherConfig(), chain, store, alerter)

	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.Eventually(t, func() bool {
		return alerter.has(models.AlertWatcherRecovered)
	}, 2*time.Second, 5*time.Millisecond)

	assert.True(t, alerter.has(models.AlertWatcherDegraded))
	status := w.Status()
	assert.True(t, status.Healthy)
	assert.Equal(t, 0, status.ConsecutiveFailures)
	assert.GreaterOrEqual(t, status.Restarts, uint64(2))

	cp, _ := store.get(bridgeAddr)
	assert.Equal(t, uint64(12), cp)
}

func TestWatcherStartTwice(t *testing.T) {
	chain := &fakeChain{head: 1}
	w, _ := newTestWatcher(testWatcherConfig(), chain, newFakeCheckpoints(), nil)

	require.NoError(t, w.Start(context.Background()))
	assert.Error(t, w.Start(context.Background()))
	w.Stop()
	assert.False(t, w.IsRunning())
}
