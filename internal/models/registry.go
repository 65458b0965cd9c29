package models

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// TokenRegistration maps a source token to its wrapped destination token
type TokenRegistration struct {
	SourceToken      common.Address `json:"sourceToken"`
	DestinationToken common.Address `json:"destinationToken"`
	CreatedAt        time.Time      `json:"createdAt"`
}

// Checkpoint is the last fully reconciled block of a watched contract
type Checkpoint struct {
	ChainID            uint64         `json:"chain_id" db:"chain_id"`
	ContractAddress    common.Address `json:"contract_address" db:"contract_address"`
	LastProcessedBlock uint64         `json:"last_processed_block" db:"last_processed_block"`
	UpdatedAt          time.Time      `json:"updated_at" db:"updated_at"`
}
