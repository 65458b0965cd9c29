package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/smartdevs17/bridge-relayer/internal/connection"
	"github.com/smartdevs17/bridge-relayer/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventMonitor(t *testing.T) {
	wrapped := common.HexToAddress("0x00000000000000000000000000000000000000c3")
	source := &fakeChain{head: 50}
	destination := &fakeChain{head: 70}
	store := newFakeCheckpoints()
	handler := &recordingHandler{store: store}

	em := NewEventMonitor(
		map[models.Chain]connection.ChainClient{
			models.ChainSource:      source,
			models.ChainDestination: destination,
		},
		map[models.Chain]uint64{models.ChainSource: 31, models.ChainDestination: 32},
		store, testWatcherConfig(), nil, nil,
	)

	t.Run("start requires handler", func(t *testing.T) {
		assert.Error(t, em.Start(context.Background()))
		assert.Error(t, em.Backfill(context.Background(), models.ChainSource, bridgeAddr, 1, 2))
	})

	em.SetHandler(handler)

	t.Run("add contract is idempotent", func(t *testing.T) {
		added, err := em.AddContract(WatchSpec{Chain: models.ChainSource, Contract: bridgeAddr})
		require.NoError(t, err)
		assert.True(t, added)

		added, err = em.AddContract(WatchSpec{Chain: models.ChainSource, Contract: bridgeAddr})
		require.NoError(t, err)
		assert.False(t, added)

		_, err = em.AddContract(WatchSpec{Chain: models.Chain("other"), Contract: wrapped})
		assert.Error(t, err)
		assert.Len(t, em.GetContracts(), 1)
	})

	t.Run("watchers start with monitor and after it", func(t *testing.T) {
		require.NoError(t, em.Start(context.Background()))
		defer func() { require.NoError(t, em.Stop()) }()
		assert.True(t, em.IsRunning())

		added, err := em.AddContract(WatchSpec{
			Chain:    models.ChainDestination,
			Contract: wrapped,
			Kinds:    []models.EventKind{models.EventClaimed, models.EventBurned},
		})
		require.NoError(t, err)
		assert.True(t, added)

		require.Eventually(t, func() bool {
			_, okSource := store.get(bridgeAddr)
			_, okWrapped := store.get(wrapped)
			return okSource && okWrapped
		}, time.Second, 5*time.Millisecond)

		require.Eventually(t, func() bool { return em.GetHealth().Healthy }, time.Second, 5*time.Millisecond)

		stats := em.GetStats()
		assert.True(t, stats.IsRunning)
		assert.Equal(t, 2, stats.ContractsMonitored)
		require.Len(t, stats.Watchers, 2)
		assert.Equal(t, models.ChainSource, stats.Watchers[0].Chain)
		assert.Equal(t, models.ChainDestination, stats.Watchers[1].Chain)
	})

	assert.False(t, em.IsRunning())
	assert.False(t, em.GetHealth().Healthy)
}
