package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/bridge-relayer/internal/models"
	"github.com/smartdevs17/bridge-relayer/pkg/utils"
)

// dialect captures the few places SQLite and PostgreSQL disagree
type dialect struct {
	name       string
	numbered   bool   // $1 placeholders instead of ?
	forUpdate  string // row lock suffix for SELECT
	greatest   string // scalar max function
	isConflict func(err error) bool
}

// sqlStore is the database/sql implementation shared by both backends
type sqlStore struct {
	db              *sql.DB
	dialect         dialect
	logger          *logrus.Entry
	migrations      []*Migration
	conflictRetries int
}

const ledgerColumns = `user_address, token_address, locked, bridged, released, burned,
	claim_voucher, release_voucher, claim_pending, release_pending, created_at, updated_at`

// rebind rewrites ? placeholders for dialects that number them
func (s *sqlStore) rebind(query string) string {
	if !s.dialect.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) notConnected() error {
	return utils.NewAppError(utils.ErrCodeDatabase, "Database not connected", s.dialect.name)
}

// Ping checks database connectivity
func (s *sqlStore) Ping() error {
	if s.db == nil {
		return s.notConnected()
	}
	return s.db.Ping()
}

// Close closes the database connection
func (s *sqlStore) Close() error {
	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		s.logger.Info("Database connection closed")
		return err
	}
	return nil
}

// Migrate applies every migration that has not been recorded yet
func (s *sqlStore) Migrate() error {
	if s.db == nil {
		return s.notConnected()
	}

	s.logger.Info("Starting database migrations")

	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		description TEXT NOT NULL,
		applied_at TIMESTAMP NOT NULL
	)`); err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to create migrations table", err)
	}

	for _, migration := range s.migrations {
		var exists int
		err := s.db.QueryRow(s.rebind(`SELECT COUNT(*) FROM schema_migrations WHERE version = ?`), migration.Version).Scan(&exists)
		if err != nil {
			return utils.WrapError(utils.ErrCodeDatabase, "Failed to read migrations table", err)
		}
		if exists > 0 {
			continue
		}

		s.logger.WithFields(logrus.Fields{
			"version":     migration.Version,
			"description": migration.Description,
		}).Info("Applying migration")

		tx, err := s.db.Begin()
		if err != nil {
			return utils.WrapError(utils.ErrCodeDatabase, "Failed to begin migration", err)
		}
		if _, err := tx.Exec(migration.SQL); err != nil {
			tx.Rollback()
			return utils.WrapError(utils.ErrCodeDatabase, fmt.Sprintf("Migration %s failed", migration.Version), err)
		}
		if _, err := tx.Exec(s.rebind(`INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)`),
			migration.Version, migration.Description, time.Now().UTC()); err != nil {
			tx.Rollback()
			return utils.WrapError(utils.ErrCodeDatabase, fmt.Sprintf("Migration %s could not be recorded", migration.Version), err)
		}
		if err := tx.Commit(); err != nil {
			return utils.WrapError(utils.ErrCodeDatabase, fmt.Sprintf("Migration %s commit failed", migration.Version), err)
		}
	}

	s.logger.Info("Database migrations completed")
	return nil
}

func newConflictBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 0
	return b
}

// withTx runs fn in a transaction, retrying the whole transaction when the
// database reports a write conflict.
func (s *sqlStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if s.db == nil {
		return s.notConnected()
	}

	retries := s.conflictRetries
	if retries <= 0 {
		retries = 10
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(newConflictBackOff(), uint64(retries)), ctx)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := s.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		if s.dialect.isConflict(err) {
			s.logger.WithError(err).WithField("attempt", attempt).Debug("Transaction conflict, retrying")
			return err
		}
		return backoff.Permanent(err)
	}, policy)

	if err != nil && s.dialect.isConflict(err) {
		return utils.WrapError(utils.ErrCodeLedgerConflict,
			fmt.Sprintf("Transaction conflict persisted after %d attempts", attempt), err)
	}
	return err
}

func (s *sqlStore) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to begin transaction", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to commit transaction", err)
	}
	return nil
}

// ApplyEvent records the dedup marker of event and applies it to its ledger
// entry in one transaction. A replayed event leaves the ledger untouched.
func (s *sqlStore) ApplyEvent(ctx context.Context, event *models.EventRecord, apply ApplyFunc) (*ApplyResult, error) {
	if event.Amount == nil {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Event amount is required", event.Key().String())
	}

	var result *ApplyResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result = &ApplyResult{}
		now := time.Now().UTC()

		inserted, err := s.insertMarker(ctx, tx, event, models.StatusApplied, now)
		if err != nil {
			return err
		}
		if err := s.clearDeferred(ctx, tx, event.Key()); err != nil || !inserted {
			return err
		}

		key := event.LedgerKey()
		created, err := s.ensureEntry(ctx, tx, key, now)
		if err != nil {
			return err
		}
		entry, err := s.lockEntry(ctx, tx, key)
		if err != nil {
			return err
		}
		if err := apply(entry, created); err != nil {
			return err
		}
		entry.UpdatedAt = now
		if err := s.writeEntry(ctx, tx, entry); err != nil {
			return err
		}

		result.Applied = true
		result.Entry = entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// DeferEvent parks an event that cannot be applied yet. It reports false
// when the event is already parked or already applied.
func (s *sqlStore) DeferEvent(ctx context.Context, event *models.EventRecord) (bool, error) {
	if event.Amount == nil {
		return false, utils.NewAppError(utils.ErrCodeValidation, "Event amount is required", event.Key().String())
	}

	var inserted bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		inserted = false
		var applied int
		if err := tx.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM applied_events WHERE tx_hash = ? AND log_index = ?`),
			strings.ToLower(event.TxHash.Hex()), int64(event.LogIndex)).Scan(&applied); err != nil {
			return utils.WrapError(utils.ErrCodeDatabase, "Failed to query event marker", err)
		}
		if applied > 0 {
			return nil
		}

		res, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO deferred_events
			(tx_hash, log_index, chain, chain_id, contract_address, event_kind, user_address,
			 token_address, amount, block_number, deferred_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (tx_hash, log_index) DO NOTHING`),
			strings.ToLower(event.TxHash.Hex()), int64(event.LogIndex), string(event.Chain), int64(event.ChainID),
			utils.AddressKey(event.ContractAddress), string(event.Kind),
			utils.AddressKey(event.UserAddress), utils.AddressKey(event.TokenAddress),
			utils.FormatAmount(event.Amount), int64(event.BlockNumber), time.Now().UTC())
		if err != nil {
			return utils.WrapError(utils.ErrCodeDatabase, "Failed to defer event", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return utils.WrapError(utils.ErrCodeDatabase, "Failed to read defer result", err)
		}
		inserted = n > 0
		return nil
	})
	return inserted, err
}

func (s *sqlStore) clearDeferred(ctx context.Context, tx *sql.Tx, key models.EventKey) error {
	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM deferred_events WHERE tx_hash = ? AND log_index = ?`),
		strings.ToLower(key.TxHash.Hex()), int64(key.LogIndex)); err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to clear deferred event", err)
	}
	return nil
}

// ListDeferredEvents returns parked events in chain order, restricted to
// one ledger entry when key is set
func (s *sqlStore) ListDeferredEvents(ctx context.Context, key *models.LedgerKey, limit int) ([]*models.EventRecord, error) {
	if s.db == nil {
		return nil, s.notConnected()
	}
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT tx_hash, log_index, chain, chain_id, contract_address, event_kind,
		user_address, token_address, amount, block_number
		FROM deferred_events WHERE 1=1`
	var args []interface{}
	if key != nil {
		query += " AND user_address = ? AND token_address = ?"
		args = append(args, utils.AddressKey(key.User), utils.AddressKey(key.Token))
	}
	query += " ORDER BY chain_id, block_number, log_index LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to query deferred events", err)
	}
	defer rows.Close()

	var events []*models.EventRecord
	for rows.Next() {
		var (
			txHash, chain, contract, kind, user, token, amount string
			logIndex, chainID, block                           int64
		)
		if err := rows.Scan(&txHash, &logIndex, &chain, &chainID, &contract, &kind,
			&user, &token, &amount, &block); err != nil {
			return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to scan deferred event", err)
		}
		value, err := utils.ParseAmount(amount)
		if err != nil {
			return nil, utils.WrapError(utils.ErrCodeDatabase, "Invalid deferred event amount", err)
		}
		events = append(events, &models.EventRecord{
			Chain:           models.Chain(chain),
			ChainID:         uint64(chainID),
			ContractAddress: common.HexToAddress(contract),
			Kind:            models.EventKind(kind),
			TokenAddress:    common.HexToAddress(token),
			UserAddress:     common.HexToAddress(user),
			Amount:          value,
			BlockNumber:     uint64(block),
			TxHash:          common.HexToHash(txHash),
			LogIndex:        uint(logIndex),
		})
	}
	return events, rows.Err()
}

func (s *sqlStore) insertMarker(ctx context.Context, tx *sql.Tx, event *models.EventRecord, status models.AppliedStatus, now time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO applied_events
		(tx_hash, log_index, chain_id, contract_address, event_kind, user_address,
		 token_address, amount, block_number, status, applied_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tx_hash, log_index) DO NOTHING`),
		strings.ToLower(event.TxHash.Hex()), int64(event.LogIndex), int64(event.ChainID),
		utils.AddressKey(event.ContractAddress), string(event.Kind),
		utils.AddressKey(event.UserAddress), utils.AddressKey(event.TokenAddress),
		utils.FormatAmount(event.Amount), int64(event.BlockNumber), string(status), now)
	if err != nil {
		return false, utils.WrapError(utils.ErrCodeDatabase, "Failed to record event marker", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, utils.WrapError(utils.ErrCodeDatabase, "Failed to read marker result", err)
	}
	return n > 0, nil
}

func (s *sqlStore) ensureEntry(ctx context.Context, tx *sql.Tx, key models.LedgerKey, now time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO ledger_entries
		(user_address, token_address, locked, bridged, released, burned,
		 claim_pending, release_pending, claimable, releasable, has_bridged, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_address, token_address) DO NOTHING`),
		utils.AddressKey(key.User), utils.AddressKey(key.Token), "0", "0", "0", "0",
		false, false, false, false, false, now, now)
	if err != nil {
		return false, utils.WrapError(utils.ErrCodeDatabase, "Failed to create ledger entry", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, utils.WrapError(utils.ErrCodeDatabase, "Failed to read ledger insert result", err)
	}
	return n > 0, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanLedgerEntry(row rowScanner) (*models.LedgerEntry, error) {
	var (
		user, token                       string
		locked, bridged, released, burned string
		claimVoucher, releaseVoucher      sql.NullString
		entry                             models.LedgerEntry
	)
	if err := row.Scan(&user, &token, &locked, &bridged, &released, &burned,
		&claimVoucher, &releaseVoucher, &entry.ClaimPending, &entry.ReleasePending,
		&entry.CreatedAt, &entry.UpdatedAt); err != nil {
		return nil, err
	}

	entry.UserAddress = common.HexToAddress(user)
	entry.TokenAddress = common.HexToAddress(token)

	var err error
	for _, f := range []struct {
		dst **big.Int
		src string
	}{{&entry.Locked, locked}, {&entry.Bridged, bridged}, {&entry.Released, released}, {&entry.Burned, burned}} {
		if *f.dst, err = utils.ParseAmount(f.src); err != nil {
			return nil, err
		}
	}

	if entry.ClaimVoucher, err = decodeVoucher(claimVoucher); err != nil {
		return nil, err
	}
	if entry.ReleaseVoucher, err = decodeVoucher(releaseVoucher); err != nil {
		return nil, err
	}
	return &entry, nil
}

func decodeVoucher(raw sql.NullString) (*models.Voucher, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var v models.Voucher
	if err := json.Unmarshal([]byte(raw.String), &v); err != nil {
		return nil, fmt.Errorf("decode voucher: %w", err)
	}
	return &v, nil
}

func encodeVoucher(v *models.Voucher) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func (s *sqlStore) lockEntry(ctx context.Context, tx *sql.Tx, key models.LedgerKey) (*models.LedgerEntry, error) {
	row := tx.QueryRowContext(ctx, s.rebind(`SELECT `+ledgerColumns+` FROM ledger_entries
		WHERE user_address = ? AND token_address = ?`+s.dialect.forUpdate),
		utils.AddressKey(key.User), utils.AddressKey(key.Token))
	entry, err := scanLedgerEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to read ledger entry", err)
	}
	return entry, nil
}

func (s *sqlStore) writeEntry(ctx context.Context, tx *sql.Tx, entry *models.LedgerEntry) error {
	claimVoucher, err := encodeVoucher(entry.ClaimVoucher)
	if err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to encode claim voucher", err)
	}
	releaseVoucher, err := encodeVoucher(entry.ReleaseVoucher)
	if err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to encode release voucher", err)
	}

	_, err = tx.ExecContext(ctx, s.rebind(`
		UPDATE ledger_entries SET
			locked = ?, bridged = ?, released = ?, burned = ?,
			claim_voucher = ?, release_voucher = ?, claim_pending = ?, release_pending = ?,
			claimable = ?, releasable = ?, has_bridged = ?, updated_at = ?
		WHERE user_address = ? AND token_address = ?`),
		entry.Locked.String(), entry.Bridged.String(), entry.Released.String(), entry.Burned.String(),
		claimVoucher, releaseVoucher, entry.ClaimPending, entry.ReleasePending,
		entry.Bridged.Cmp(entry.Locked) < 0, entry.Released.Cmp(entry.Burned) < 0, entry.Bridged.Sign() > 0,
		entry.UpdatedAt, utils.AddressKey(entry.UserAddress), utils.AddressKey(entry.TokenAddress))
	if err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to update ledger entry", err)
	}
	return nil
}

// IsApplied reports whether a dedup marker exists for key
func (s *sqlStore) IsApplied(ctx context.Context, key models.EventKey) (bool, error) {
	if s.db == nil {
		return false, s.notConnected()
	}
	var count int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM applied_events WHERE tx_hash = ? AND log_index = ?`),
		strings.ToLower(key.TxHash.Hex()), int64(key.LogIndex)).Scan(&count)
	if err != nil {
		return false, utils.WrapError(utils.ErrCodeDatabase, "Failed to query event marker", err)
	}
	return count > 0, nil
}

// GetLedgerEntry returns the entry for key or ErrNotFound
func (s *sqlStore) GetLedgerEntry(ctx context.Context, key models.LedgerKey) (*models.LedgerEntry, error) {
	if s.db == nil {
		return nil, s.notConnected()
	}
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+ledgerColumns+` FROM ledger_entries
		WHERE user_address = ? AND token_address = ?`),
		utils.AddressKey(key.User), utils.AddressKey(key.Token))
	entry, err := scanLedgerEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to get ledger entry", err)
	}
	return entry, nil
}

// ListLedgerEntries returns entries matching filter in a single statement
func (s *sqlStore) ListLedgerEntries(ctx context.Context, filter models.LedgerFilter) ([]*models.LedgerEntry, error) {
	if s.db == nil {
		return nil, s.notConnected()
	}

	query := `SELECT ` + ledgerColumns + ` FROM ledger_entries WHERE 1=1`
	var args []interface{}

	if filter.User != nil {
		query += " AND user_address = ?"
		args = append(args, utils.AddressKey(*filter.User))
	}
	if filter.Claimable {
		query += " AND claimable = ?"
		args = append(args, true)
	}
	if filter.Releasable {
		query += " AND releasable = ?"
		args = append(args, true)
	}
	if filter.HasBridged {
		query += " AND has_bridged = ?"
		args = append(args, true)
	}

	query += " ORDER BY user_address, token_address"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to query ledger entries", err)
	}
	defer rows.Close()

	entries := make([]*models.LedgerEntry, 0)
	for rows.Next() {
		entry, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to scan ledger entry", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to iterate ledger entries", err)
	}
	return entries, nil
}

// ListPendingVouchers returns slots whose voucher still has to be issued
func (s *sqlStore) ListPendingVouchers(ctx context.Context, limit int) ([]models.PendingVoucher, error) {
	if s.db == nil {
		return nil, s.notConnected()
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT user_address, token_address, claim_pending, release_pending
		FROM ledger_entries
		WHERE claim_pending = ? OR release_pending = ?
		ORDER BY updated_at
		LIMIT ?`), true, true, limit)
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to query pending vouchers", err)
	}
	defer rows.Close()

	var pending []models.PendingVoucher
	for rows.Next() {
		var user, token string
		var claim, release bool
		if err := rows.Scan(&user, &token, &claim, &release); err != nil {
			return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to scan pending voucher", err)
		}
		key := models.LedgerKey{User: common.HexToAddress(user), Token: common.HexToAddress(token)}
		if claim {
			pending = append(pending, models.PendingVoucher{Key: key, Action: models.ActionClaim})
		}
		if release {
			pending = append(pending, models.PendingVoucher{Key: key, Action: models.ActionRelease})
		}
	}
	return pending, rows.Err()
}

// StoreVoucher saves voucher into its slot if it still covers the
// outstanding amount of the entry. It reports whether the voucher was kept.
func (s *sqlStore) StoreVoucher(ctx context.Context, key models.LedgerKey, voucher *models.Voucher) (bool, error) {
	action := voucher.IssuedForAction
	stored := false

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stored = false
		entry, err := s.lockEntry(ctx, tx, key)
		if err != nil {
			return err
		}

		outstanding := entry.Outstanding(action)
		switch {
		case outstanding.Sign() <= 0:
			// Nothing left to authorize
			entry.SetPending(action, false)
		case !amountsEqual(outstanding, voucher.IssuedAmount):
			// The entry moved while signing; the next sweep issues a fresh voucher
			return nil
		default:
			entry.SetVoucher(action, voucher)
			entry.SetPending(action, false)
			stored = true
		}

		entry.UpdatedAt = time.Now().UTC()
		return s.writeEntry(ctx, tx, entry)
	})
	if err != nil {
		return false, err
	}
	return stored, nil
}

// GetCheckpoint returns the checkpoint of contract or ErrNotFound
func (s *sqlStore) GetCheckpoint(ctx context.Context, chainID uint64, contract common.Address) (*models.Checkpoint, error) {
	if s.db == nil {
		return nil, s.notConnected()
	}
	cp := &models.Checkpoint{ChainID: chainID, ContractAddress: contract}
	var block int64
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT last_processed_block, updated_at FROM checkpoints
		WHERE chain_id = ? AND contract_address = ?`),
		int64(chainID), utils.AddressKey(contract)).Scan(&block, &cp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeCheckpoint, "Failed to read checkpoint", err)
	}
	cp.LastProcessedBlock = uint64(block)
	return cp, nil
}

// AdvanceCheckpoint moves the checkpoint of contract forward to block.
// A lower block than the stored one leaves the checkpoint unchanged.
func (s *sqlStore) AdvanceCheckpoint(ctx context.Context, chainID uint64, contract common.Address, block uint64) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO checkpoints (chain_id, contract_address, last_processed_block, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (chain_id, contract_address) DO UPDATE SET
				last_processed_block = `+s.dialect.greatest+`(checkpoints.last_processed_block, excluded.last_processed_block),
				updated_at = excluded.updated_at`),
			int64(chainID), utils.AddressKey(contract), int64(block), time.Now().UTC())
		return err
	})
	if err != nil {
		return utils.WrapError(utils.ErrCodeCheckpoint, "Failed to advance checkpoint", err)
	}
	return nil
}

func scanRegistration(row rowScanner) (*models.TokenRegistration, error) {
	var source, destination string
	reg := &models.TokenRegistration{}
	if err := row.Scan(&source, &destination, &reg.CreatedAt); err != nil {
		return nil, err
	}
	reg.SourceToken = common.HexToAddress(source)
	reg.DestinationToken = common.HexToAddress(destination)
	return reg, nil
}

func (s *sqlStore) getRegistration(ctx context.Context, q queryer, column string, addr common.Address) (*models.TokenRegistration, error) {
	row := q.QueryRowContext(ctx, s.rebind(`SELECT source_token, destination_token, created_at
		FROM token_registry WHERE `+column+` = ?`), utils.AddressKey(addr))
	reg, err := scanRegistration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to read token registration", err)
	}
	return reg, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// GetTokenRegistration returns the registration of a source token
func (s *sqlStore) GetTokenRegistration(ctx context.Context, sourceToken common.Address) (*models.TokenRegistration, error) {
	if s.db == nil {
		return nil, s.notConnected()
	}
	return s.getRegistration(ctx, s.db, "source_token", sourceToken)
}

// GetRegistrationByDestination returns the registration of a wrapped token
func (s *sqlStore) GetRegistrationByDestination(ctx context.Context, destinationToken common.Address) (*models.TokenRegistration, error) {
	if s.db == nil {
		return nil, s.notConnected()
	}
	return s.getRegistration(ctx, s.db, "destination_token", destinationToken)
}

// RegisterToken inserts registration unless the source token is already
// registered, and returns whichever registration is stored.
func (s *sqlStore) RegisterToken(ctx context.Context, registration *models.TokenRegistration) (*models.TokenRegistration, error) {
	var stored *models.TokenRegistration
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		createdAt := registration.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO token_registry (source_token, destination_token, created_at)
			VALUES (?, ?, ?)
			ON CONFLICT (source_token) DO NOTHING`),
			utils.AddressKey(registration.SourceToken), utils.AddressKey(registration.DestinationToken), createdAt); err != nil {
			return utils.WrapError(utils.ErrCodeDatabase, "Failed to register token", err)
		}
		var err error
		stored, err = s.getRegistration(ctx, tx, "source_token", registration.SourceToken)
		return err
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// ListTokenRegistrations returns every registration in creation order
func (s *sqlStore) ListTokenRegistrations(ctx context.Context) ([]*models.TokenRegistration, error) {
	if s.db == nil {
		return nil, s.notConnected()
	}
	rows, err := s.db.QueryContext(ctx, `SELECT source_token, destination_token, created_at
		FROM token_registry ORDER BY created_at, source_token`)
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to query token registry", err)
	}
	defer rows.Close()

	var regs []*models.TokenRegistration
	for rows.Next() {
		reg, err := scanRegistration(rows)
		if err != nil {
			return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to scan token registration", err)
		}
		regs = append(regs, reg)
	}
	return regs, rows.Err()
}

// GetStorageStats returns storage statistics
func (s *sqlStore) GetStorageStats(ctx context.Context) (*StorageStats, error) {
	if s.db == nil {
		return nil, s.notConnected()
	}
	stats := &StorageStats{CollectedAt: time.Now().UTC()}

	counts := []struct {
		dst   *int64
		query string
		args  []interface{}
	}{
		{&stats.LedgerEntries, `SELECT COUNT(*) FROM ledger_entries`, nil},
		{&stats.AppliedEvents, `SELECT COUNT(*) FROM applied_events WHERE status = ?`, []interface{}{string(models.StatusApplied)}},
		{&stats.DeferredEvents, `SELECT COUNT(*) FROM deferred_events`, nil},
		{&stats.Registrations, `SELECT COUNT(*) FROM token_registry`, nil},
		{&stats.Checkpoints, `SELECT COUNT(*) FROM checkpoints`, nil},
		{&stats.PendingVouchers, `SELECT COUNT(*) FROM ledger_entries WHERE claim_pending = ? OR release_pending = ?`, []interface{}{true, true}},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, s.rebind(c.query), c.args...).Scan(c.dst); err != nil {
			return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to collect storage stats", err)
		}
	}
	return stats, nil
}
