package query

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/smartdevs17/bridge-relayer/internal/config"
	"github.com/smartdevs17/bridge-relayer/internal/models"
	"github.com/smartdevs17/bridge-relayer/internal/storage"
	"github.com/smartdevs17/bridge-relayer/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice  = common.HexToAddress("0xA11cE00000000000000000000000000000000001")
	bob    = common.HexToAddress("0xB0B0000000000000000000000000000000000002")
	tokenX = common.HexToAddress("0x7000000000000000000000000000000000000007")
	tokenY = common.HexToAddress("0x7000000000000000000000000000000000000009")
)

// seed writes an entry with the given counters through the store's normal
// apply path
func seed(t *testing.T, store storage.Storage, user, token common.Address, locked, bridged, burned, released int64) {
	t.Helper()
	ev := &models.EventRecord{
		Chain:        models.ChainSource,
		Kind:         models.EventLocked,
		UserAddress:  user,
		TokenAddress: token,
		Amount:       big.NewInt(locked),
		TxHash:       common.BytesToHash(append(user.Bytes(), token.Bytes()[8:]...)),
	}
	_, err := store.ApplyEvent(context.Background(), ev, func(entry *models.LedgerEntry, _ bool) error {
		entry.Locked.SetInt64(locked)
		entry.Bridged.SetInt64(bridged)
		entry.Burned.SetInt64(burned)
		entry.Released.SetInt64(released)
		return nil
	})
	require.NoError(t, err)
}

func newService(t *testing.T) *Service {
	t.Helper()
	utils.InitLogger("error", "text", "stdout", "")
	store, err := storage.Open(&config.StorageConfig{
		Type:             "sqlite",
		ConnectionString: filepath.Join(t.TempDir(), "query.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	seed(t, store, alice, tokenX, 100, 100, 40, 0) // fully claimed, releasable
	seed(t, store, alice, tokenY, 50, 20, 0, 0)    // partially claimed
	seed(t, store, bob, tokenX, 10, 0, 0, 0)       // nothing claimed yet
	return NewService(store)
}

func pairs(entries []*models.LedgerEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.UserAddress.Hex()+"/"+e.TokenAddress.Hex())
	}
	return out
}

func TestProjections(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	t.Run("claimable", func(t *testing.T) {
		entries, err := svc.ListClaimable(ctx, Page{})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{
			alice.Hex() + "/" + tokenY.Hex(),
			bob.Hex() + "/" + tokenX.Hex(),
		}, pairs(entries))
	})

	t.Run("releasable", func(t *testing.T) {
		entries, err := svc.ListReleasable(ctx, Page{})
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, alice, entries[0].UserAddress)
		assert.Equal(t, "40", entries[0].Releasable().String())
	})

	t.Run("user tokens only include bridged entries", func(t *testing.T) {
		entries, err := svc.GetUserTokens(ctx, alice)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{
			alice.Hex() + "/" + tokenX.Hex(),
			alice.Hex() + "/" + tokenY.Hex(),
		}, pairs(entries))

		entries, err = svc.GetUserTokens(ctx, bob)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("bridged", func(t *testing.T) {
		entries, err := svc.ListBridged(ctx, Page{})
		require.NoError(t, err)
		assert.Len(t, entries, 2)
	})

	t.Run("paging", func(t *testing.T) {
		first, err := svc.ListBridged(ctx, Page{Limit: 1})
		require.NoError(t, err)
		second, err := svc.ListBridged(ctx, Page{Limit: 1, Offset: 1})
		require.NoError(t, err)
		require.Len(t, first, 1)
		require.Len(t, second, 1)
		assert.NotEqual(t, pairs(first), pairs(second))
	})
}

func TestInvalidRequests(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	_, err := svc.GetUserTokens(ctx, common.Address{})
	assert.True(t, utils.HasCode(err, utils.ErrCodeValidation))

	_, err = svc.ListClaimable(ctx, Page{Limit: -1})
	assert.True(t, utils.HasCode(err, utils.ErrCodeValidation))
}
