package monitor

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/smartdevs17/bridge-relayer/internal/models"
	"github.com/smartdevs17/bridge-relayer/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventParser(t *testing.T) {
	parser := NewEventParser(models.ChainSource, 31, bridgeAddr)

	t.Run("decodes every bridge event", func(t *testing.T) {
		for _, kind := range models.EventKinds {
			lg := bridgeLog(kind, bridgeAddr, 100, 12, 3)

			record, err := parser.ParseLog(lg)
			require.NoError(t, err, kind)
			assert.Equal(t, kind, record.Kind)
			assert.Equal(t, tokenAddr, record.TokenAddress)
			assert.Equal(t, aliceAddr, record.UserAddress)
			assert.Equal(t, 0, record.Amount.Cmp(big.NewInt(100)))
			assert.Equal(t, uint64(12), record.BlockNumber)
			assert.Equal(t, uint(3), record.LogIndex)
			assert.Equal(t, models.ChainSource, record.Chain)
			assert.Equal(t, uint64(31), record.ChainID)
		}
	})

	malformedCases := []struct {
		name   string
		mutate func(lg *types.Log)
	}{
		{"no topics", func(lg *types.Log) { lg.Topics = nil }},
		{"unknown topic", func(lg *types.Log) { lg.Topics[0] = common.HexToHash("0xdead") }},
		{"missing indexed topic", func(lg *types.Log) { lg.Topics = lg.Topics[:2] }},
		{"truncated data", func(lg *types.Log) { lg.Data = lg.Data[:10] }},
		{"foreign contract", func(lg *types.Log) { lg.Address = tokenAddr }},
		{"zero user", func(lg *types.Log) { lg.Topics[2] = common.Hash{} }},
	}
	for _, tc := range malformedCases {
		t.Run(tc.name, func(t *testing.T) {
			lg := bridgeLog(models.EventLocked, bridgeAddr, 1, 1, 0)
			tc.mutate(&lg)

			record, err := parser.ParseLog(lg)
			require.Error(t, err)
			assert.Nil(t, record)
			assert.True(t, utils.HasCode(err, utils.ErrCodeMalformedEvent))
		})
	}
}

func TestSortAndGroup(t *testing.T) {
	rec := func(block uint64, index uint) *models.EventRecord {
		return &models.EventRecord{BlockNumber: block, LogIndex: index}
	}
	records := []*models.EventRecord{rec(7, 2), rec(5, 1), rec(7, 0), rec(5, 0), rec(9, 4)}

	SortRecords(records)
	groups := GroupByBlock(records)

	require.Len(t, groups, 3)
	assert.Equal(t, []*models.EventRecord{rec(5, 0), rec(5, 1)}, groups[0])
	assert.Equal(t, []*models.EventRecord{rec(7, 0), rec(7, 2)}, groups[1])
	assert.Equal(t, []*models.EventRecord{rec(9, 4)}, groups[2])
	assert.Empty(t, GroupByBlock(nil))
}

func TestEventTopics(t *testing.T) {
	topics := EventTopics([]models.EventKind{models.EventClaimed, models.EventBurned})
	require.Len(t, topics, 2)
	assert.NotEqual(t, topics[0], topics[1])
	assert.Equal(t, EventTopic(models.EventClaimed), topics[0])
}
