// File: internal/monitor/parser.go
package monitor

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/smartdevs17/bridge-relayer/internal/models"
	"github.com/smartdevs17/bridge-relayer/pkg/utils"
)

// EventParser decodes bridge logs of one contract into EventRecords
type EventParser struct {
	abi      abi.ABI
	chain    models.Chain
	chainID  uint64
	contract common.Address
}

// NewEventParser creates a parser for logs emitted by contract
func NewEventParser(chain models.Chain, chainID uint64, contract common.Address) *EventParser {
	return &EventParser{
		abi:      ParsedBridgeABI(),
		chain:    chain,
		chainID:  chainID,
		contract: contract,
	}
}

func malformed(log types.Log, reason string) error {
	return utils.NewAppError(utils.ErrCodeMalformedEvent, reason,
		fmt.Sprintf("tx=%s index=%d block=%d", log.TxHash.Hex(), log.Index, log.BlockNumber))
}

// ParseLog decodes log into an EventRecord. Any log that does not match the
// bridge event layout yields a MALFORMED_EVENT error.
func (ep *EventParser) ParseLog(log types.Log) (*models.EventRecord, error) {
	if len(log.Topics) == 0 {
		return nil, malformed(log, "Log has no topics")
	}
	if log.Address != ep.contract {
		return nil, malformed(log, "Log emitted by unexpected contract "+log.Address.Hex())
	}

	event, err := ep.abi.EventByID(log.Topics[0])
	if err != nil {
		return nil, malformed(log, "Unknown event topic "+log.Topics[0].Hex())
	}

	var indexed abi.Arguments
	for _, input := range event.Inputs {
		if input.Indexed {
			indexed = append(indexed, input)
		}
	}
	if len(log.Topics)-1 != len(indexed) {
		return nil, malformed(log, fmt.Sprintf("%s expects %d indexed topics, got %d", event.Name, len(indexed), len(log.Topics)-1))
	}

	fields := make(map[string]interface{}, len(event.Inputs))
	if err := abi.ParseTopicsIntoMap(fields, indexed, log.Topics[1:]); err != nil {
		return nil, malformed(log, "Failed to parse topics: "+err.Error())
	}
	if err := ep.abi.UnpackIntoMap(fields, event.Name, log.Data); err != nil {
		return nil, malformed(log, "Failed to unpack event data: "+err.Error())
	}

	token, okToken := fields["token"].(common.Address)
	user, okUser := fields["user"].(common.Address)
	amount, okAmount := fields["amount"].(*big.Int)
	if !okToken || !okUser || !okAmount || amount == nil {
		return nil, malformed(log, "Event fields have unexpected types")
	}
	if user == (common.Address{}) {
		return nil, malformed(log, "Event user is the zero address")
	}

	return &models.EventRecord{
		Chain:           ep.chain,
		ChainID:         ep.chainID,
		ContractAddress: log.Address,
		Kind:            models.EventKind(event.Name),
		TokenAddress:    token,
		UserAddress:     user,
		Amount:          new(big.Int).Set(amount),
		BlockNumber:     log.BlockNumber,
		TxHash:          log.TxHash,
		LogIndex:        log.Index,
	}, nil
}

// SortRecords orders records by (blockNumber, logIndex)
func SortRecords(records []*models.EventRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Before(records[j])
	})
}

// GroupByBlock splits ordered records into per-block slices
func GroupByBlock(records []*models.EventRecord) [][]*models.EventRecord {
	var groups [][]*models.EventRecord
	for _, r := range records {
		n := len(groups)
		if n > 0 && groups[n-1][0].BlockNumber == r.BlockNumber {
			groups[n-1] = append(groups[n-1], r)
			continue
		}
		groups = append(groups, []*models.EventRecord{r})
	}
	return groups
}
