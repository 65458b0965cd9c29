package processor

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/smartdevs17/bridge-relayer/internal/models"
	"github.com/smartdevs17/bridge-relayer/internal/storage"
)

// ErrOutOfOrder is returned when a Claimed or Released event arrives before
// the Locked or Burned event that covers it.
var ErrOutOfOrder = errors.New("event exceeds the amount available for its action")

// transition returns the ledger mutation of event. Counters only grow;
// eligibility is derived from them.
func transition(event *models.EventRecord) storage.ApplyFunc {
	amount := event.Amount

	return func(entry *models.LedgerEntry, created bool) error {
		switch event.Kind {
		case models.EventLocked:
			entry.Locked.Add(entry.Locked, amount)
			entry.ClaimPending = entry.Claimable().Sign() > 0

		case models.EventClaimed:
			bridged := new(big.Int).Add(entry.Bridged, amount)
			if bridged.Cmp(entry.Locked) > 0 {
				return fmt.Errorf("%w: bridged %s > locked %s", ErrOutOfOrder, bridged, entry.Locked)
			}
			entry.Bridged = bridged
			if entry.ClaimVoucher != nil {
				entry.ClaimVoucher.Used = true
			}
			// A partial claim leaves an amount that needs a fresh voucher
			entry.ClaimPending = entry.Claimable().Sign() > 0

		case models.EventBurned:
			entry.Burned.Add(entry.Burned, amount)
			entry.ReleasePending = entry.Releasable().Sign() > 0

		case models.EventReleased:
			released := new(big.Int).Add(entry.Released, amount)
			if released.Cmp(entry.Burned) > 0 {
				return fmt.Errorf("%w: released %s > burned %s", ErrOutOfOrder, released, entry.Burned)
			}
			entry.Released = released
			if entry.ReleaseVoucher != nil {
				entry.ReleaseVoucher.Used = true
			}
			entry.ReleasePending = entry.Releasable().Sign() > 0

		default:
			return fmt.Errorf("unknown event kind %q", event.Kind)
		}
		return nil
	}
}

// pendingActions lists the voucher slots of entry that await issuance
func pendingActions(entry *models.LedgerEntry) []models.VoucherAction {
	var actions []models.VoucherAction
	if entry.ClaimPending {
		actions = append(actions, models.ActionClaim)
	}
	if entry.ReleasePending {
		actions = append(actions, models.ActionRelease)
	}
	return actions
}
