package models

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// VoucherAction is the bridge step a voucher authorizes
type VoucherAction string

const (
	ActionClaim   VoucherAction = "claim"
	ActionRelease VoucherAction = "release"
)

// Voucher is a signed authorization for one claim or release
type Voucher struct {
	R               string        `json:"r"`
	S               string        `json:"s"`
	V               string        `json:"v"`
	Used            bool          `json:"used"`
	IssuedForAction VoucherAction `json:"issuedForAction"`
	IssuedAmount    string        `json:"issuedAmount"`
	Nonce           string        `json:"nonce"`
	IssuedAt        time.Time     `json:"issuedAt"`
}

// LedgerKey identifies a ledger entry
type LedgerKey struct {
	User  common.Address
	Token common.Address
}

// LedgerEntry holds the cumulative bridge counters of a (user, token) pair
type LedgerEntry struct {
	UserAddress  common.Address `json:"userAddress"`
	TokenAddress common.Address `json:"tokenAddress"`
	Locked       *big.Int       `json:"locked"`
	Bridged      *big.Int       `json:"bridged"`
	Released     *big.Int       `json:"released"`
	Burned       *big.Int       `json:"burned"`

	ClaimVoucher   *Voucher `json:"claimVoucher"`
	ReleaseVoucher *Voucher `json:"releaseVoucher"`

	// Set when a voucher must be (re)issued for the outstanding amount
	ClaimPending   bool `json:"-"`
	ReleasePending bool `json:"-"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewLedgerEntry returns an entry with all counters at zero
func NewLedgerEntry(user, token common.Address) *LedgerEntry {
	return &LedgerEntry{
		UserAddress:  user,
		TokenAddress: token,
		Locked:       new(big.Int),
		Bridged:      new(big.Int),
		Released:     new(big.Int),
		Burned:       new(big.Int),
	}
}

// Key returns the ledger key of the entry
func (l *LedgerEntry) Key() LedgerKey {
	return LedgerKey{User: l.UserAddress, Token: l.TokenAddress}
}

// Claimable returns locked - bridged
func (l *LedgerEntry) Claimable() *big.Int {
	return new(big.Int).Sub(l.Locked, l.Bridged)
}

// Releasable returns burned - released
func (l *LedgerEntry) Releasable() *big.Int {
	return new(big.Int).Sub(l.Burned, l.Released)
}

// Outstanding returns the amount a voucher for action would cover
func (l *LedgerEntry) Outstanding(action VoucherAction) *big.Int {
	if action == ActionRelease {
		return l.Releasable()
	}
	return l.Claimable()
}

// Voucher returns the slot for action
func (l *LedgerEntry) Voucher(action VoucherAction) *Voucher {
	if action == ActionRelease {
		return l.ReleaseVoucher
	}
	return l.ClaimVoucher
}

// SetVoucher stores v in the slot for action
func (l *LedgerEntry) SetVoucher(action VoucherAction, v *Voucher) {
	if action == ActionRelease {
		l.ReleaseVoucher = v
	} else {
		l.ClaimVoucher = v
	}
}

// SetPending flags the slot for action as needing issuance
func (l *LedgerEntry) SetPending(action VoucherAction, pending bool) {
	if action == ActionRelease {
		l.ReleasePending = pending
	} else {
		l.ClaimPending = pending
	}
}

// Pending reports whether the slot for action awaits issuance
func (l *LedgerEntry) Pending(action VoucherAction) bool {
	if action == ActionRelease {
		return l.ReleasePending
	}
	return l.ClaimPending
}

// Clone returns a deep copy of the entry
func (l *LedgerEntry) Clone() *LedgerEntry {
	c := *l
	c.Locked = new(big.Int).Set(l.Locked)
	c.Bridged = new(big.Int).Set(l.Bridged)
	c.Released = new(big.Int).Set(l.Released)
	c.Burned = new(big.Int).Set(l.Burned)
	if l.ClaimVoucher != nil {
		v := *l.ClaimVoucher
		c.ClaimVoucher = &v
	}
	if l.ReleaseVoucher != nil {
		v := *l.ReleaseVoucher
		c.ReleaseVoucher = &v
	}
	return &c
}

// LedgerFilter selects ledger projections
type LedgerFilter struct {
	User       *common.Address `json:"user,omitempty"`
	Claimable  bool            `json:"claimable,omitempty"`
	Releasable bool            `json:"releasable,omitempty"`
	HasBridged bool            `json:"has_bridged,omitempty"`
	Limit      int             `json:"limit,omitempty"`
	Offset     int             `json:"offset,omitempty"`
}

// PendingVoucher names a ledger slot that still needs a voucher
type PendingVoucher struct {
	Key    LedgerKey
	Action VoucherAction
}
