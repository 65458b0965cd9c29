package models

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventKind identifies one of the four bridge events
type EventKind string

const (
	EventLocked   EventKind = "Locked"
	EventReleased EventKind = "Released"
	EventClaimed  EventKind = "Claimed"
	EventBurned   EventKind = "Burned"
)

// EventKinds lists every kind a watcher subscribes to
var EventKinds = []EventKind{EventLocked, EventReleased, EventClaimed, EventBurned}

// Valid reports whether k is a known bridge event
func (k EventKind) Valid() bool {
	switch k {
	case EventLocked, EventReleased, EventClaimed, EventBurned:
		return true
	}
	return false
}

// Chain identifies which side of the bridge an event came from
type Chain string

const (
	ChainSource      Chain = "source"
	ChainDestination Chain = "destination"
)

// EventKey is the deduplication key of an event
type EventKey struct {
	TxHash   common.Hash
	LogIndex uint
}

func (k EventKey) String() string {
	return fmt.Sprintf("%s:%d", k.TxHash.Hex(), k.LogIndex)
}

// EventRecord is the normalized form of a bridge contract log
type EventRecord struct {
	Chain           Chain          `json:"chain"`
	ChainID         uint64         `json:"chain_id"`
	ContractAddress common.Address `json:"contract_address"`
	Kind            EventKind      `json:"event_kind"`
	TokenAddress    common.Address `json:"token_address"`
	UserAddress     common.Address `json:"user_address"`
	Amount          *big.Int       `json:"amount"`
	BlockNumber     uint64         `json:"block_number"`
	TxHash          common.Hash    `json:"tx_hash"`
	LogIndex        uint           `json:"log_index"`
}

// Key returns the (transactionHash, logIndex) dedup key
func (e *EventRecord) Key() EventKey {
	return EventKey{TxHash: e.TxHash, LogIndex: e.LogIndex}
}

// LedgerKey returns the (user, token) ledger key the event touches
func (e *EventRecord) LedgerKey() LedgerKey {
	return LedgerKey{User: e.UserAddress, Token: e.TokenAddress}
}

// Before orders events by (blockNumber, logIndex)
func (e *EventRecord) Before(other *EventRecord) bool {
	if e.BlockNumber != other.BlockNumber {
		return e.BlockNumber < other.BlockNumber
	}
	return e.LogIndex < other.LogIndex
}

// AppliedStatus is the outcome recorded in the dedup table
type AppliedStatus string

const (
	StatusApplied AppliedStatus = "applied"
)

// AppliedEvent is the persisted dedup marker of an event
type AppliedEvent struct {
	TxHash          string        `json:"tx_hash" db:"tx_hash"`
	LogIndex        uint          `json:"log_index" db:"log_index"`
	ChainID         uint64        `json:"chain_id" db:"chain_id"`
	ContractAddress string        `json:"contract_address" db:"contract_address"`
	Kind            EventKind     `json:"event_kind" db:"event_kind"`
	UserAddress     string        `json:"user_address" db:"user_address"`
	TokenAddress    string        `json:"token_address" db:"token_address"`
	Amount          string        `json:"amount" db:"amount"`
	BlockNumber     uint64        `json:"block_number" db:"block_number"`
	Status          AppliedStatus `json:"status" db:"status"`
	AppliedAt       time.Time     `json:"applied_at" db:"applied_at"`
}

// EventBatch is a set of events from one contract ending at Block
type EventBatch struct {
	Chain           Chain
	ChainID         uint64
	ContractAddress common.Address
	Block           uint64
	Events          []*EventRecord
	// Complete is set when every event up to and including Block is in the batch
	Complete bool
	// SkipCheckpoint marks replayed ranges that must not move the checkpoint
	SkipCheckpoint bool
}
