package storage

// Migration represents a database migration
type Migration struct {
	Version     string `db:"version"`
	Description string `db:"description"`
	SQL         string `db:"sql"`
}

// GetSQLiteMigrations returns SQLite migration scripts
func GetSQLiteMigrations() []*Migration {
	return []*Migration{
		{
			Version:     "001",
			Description: "Create ledger_entries table",
			SQL: `
				CREATE TABLE IF NOT EXISTS ledger_entries (
					user_address TEXT NOT NULL,
					token_address TEXT NOT NULL,
					locked TEXT NOT NULL DEFAULT '0',
					bridged TEXT NOT NULL DEFAULT '0',
					released TEXT NOT NULL DEFAULT '0',
					burned TEXT NOT NULL DEFAULT '0',
					claim_voucher TEXT, -- JSON
					release_voucher TEXT, -- JSON
					claim_pending BOOLEAN NOT NULL DEFAULT FALSE,
					release_pending BOOLEAN NOT NULL DEFAULT FALSE,
					claimable BOOLEAN NOT NULL DEFAULT FALSE,
					releasable BOOLEAN NOT NULL DEFAULT FALSE,
					has_bridged BOOLEAN NOT NULL DEFAULT FALSE,
					created_at DATETIME NOT NULL,
					updated_at DATETIME NOT NULL,
					PRIMARY KEY (user_address, token_address)
				);

				CREATE INDEX IF NOT EXISTS idx_ledger_claimable ON ledger_entries(claimable);
				CREATE INDEX IF NOT EXISTS idx_ledger_releasable ON ledger_entries(releasable);
				CREATE INDEX IF NOT EXISTS idx_ledger_pending ON ledger_entries(claim_pending, release_pending);
			`,
		},
		{
			Version:     "002",
			Description: "Create applied_events table",
			SQL: `
				CREATE TABLE IF NOT EXISTS applied_events (
					tx_hash TEXT NOT NULL,
					log_index INTEGER NOT NULL,
					chain_id INTEGER NOT NULL,
					contract_address TEXT NOT NULL,
					event_kind TEXT NOT NULL,
					user_address TEXT NOT NULL,
					token_address TEXT NOT NULL,
					amount TEXT NOT NULL,
					block_number INTEGER NOT NULL,
					status TEXT NOT NULL DEFAULT 'applied',
					applied_at DATETIME NOT NULL,
					PRIMARY KEY (tx_hash, log_index)
				);

				CREATE INDEX IF NOT EXISTS idx_applied_events_contract ON applied_events(chain_id, contract_address, block_number);
				CREATE INDEX IF NOT EXISTS idx_applied_events_status ON applied_events(status);
			`,
		},
		{
			Version:     "003",
			Description: "Create checkpoints table",
			SQL: `
				CREATE TABLE IF NOT EXISTS checkpoints (
					chain_id INTEGER NOT NULL,
					contract_address TEXT NOT NULL,
					last_processed_block INTEGER NOT NULL,
					updated_at DATETIME NOT NULL,
					PRIMARY KEY (chain_id, contract_address)
				);
			`,
		},
		{
			Version:     "004",
			Description: "Create token_registry table",
			SQL: `
				CREATE TABLE IF NOT EXISTS token_registry (
					source_token TEXT PRIMARY KEY,
					destination_token TEXT NOT NULL UNIQUE,
					created_at DATETIME NOT NULL
				);
			`,
		},
		{
			Version:     "005",
			Description: "Create deferred_events table",
			SQL: `
				CREATE TABLE IF NOT EXISTS deferred_events (
					tx_hash TEXT NOT NULL,
					log_index INTEGER NOT NULL,
					chain TEXT NOT NULL,
					chain_id INTEGER NOT NULL,
					contract_address TEXT NOT NULL,
					event_kind TEXT NOT NULL,
					user_address TEXT NOT NULL,
					token_address TEXT NOT NULL,
					amount TEXT NOT NULL,
					block_number INTEGER NOT NULL,
					deferred_at DATETIME NOT NULL,
					PRIMARY KEY (tx_hash, log_index)
				);

				CREATE INDEX IF NOT EXISTS idx_deferred_events_key ON deferred_events(user_address, token_address);
			`,
		},
	}
}

// GetPostgresMigrations returns PostgreSQL migration scripts
func GetPostgresMigrations() []*Migration {
	return []*Migration{
		{
			Version:     "001",
			Description: "Create ledger_entries table",
			SQL: `
				CREATE TABLE IF NOT EXISTS ledger_entries (
					user_address VARCHAR(42) NOT NULL,
					token_address VARCHAR(42) NOT NULL,
					locked NUMERIC(78, 0) NOT NULL DEFAULT 0,
					bridged NUMERIC(78, 0) NOT NULL DEFAULT 0,
					released NUMERIC(78, 0) NOT NULL DEFAULT 0,
					burned NUMERIC(78, 0) NOT NULL DEFAULT 0,
					claim_voucher JSONB,
					release_voucher JSONB,
					claim_pending BOOLEAN NOT NULL DEFAULT FALSE,
					release_pending BOOLEAN NOT NULL DEFAULT FALSE,
					claimable BOOLEAN NOT NULL DEFAULT FALSE,
					releasable BOOLEAN NOT NULL DEFAULT FALSE,
					has_bridged BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMPTZ NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL,
					PRIMARY KEY (user_address, token_address)
				);

				CREATE INDEX IF NOT EXISTS idx_ledger_claimable ON ledger_entries(claimable) WHERE claimable;
				CREATE INDEX IF NOT EXISTS idx_ledger_releasable ON ledger_entries(releasable) WHERE releasable;
				CREATE INDEX IF NOT EXISTS idx_ledger_pending ON ledger_entries(claim_pending, release_pending);
			`,
		},
		{
			Version:     "002",
			Description: "Create applied_events table",
			SQL: `
				CREATE TABLE IF NOT EXISTS applied_events (
					tx_hash VARCHAR(66) NOT NULL,
					log_index BIGINT NOT NULL,
					chain_id BIGINT NOT NULL,
					contract_address VARCHAR(42) NOT NULL,
					event_kind VARCHAR(16) NOT NULL,
					user_address VARCHAR(42) NOT NULL,
					token_address VARCHAR(42) NOT NULL,
					amount NUMERIC(78, 0) NOT NULL,
					block_number BIGINT NOT NULL,
					status VARCHAR(16) NOT NULL DEFAULT 'applied',
					applied_at TIMESTAMPTZ NOT NULL,
					PRIMARY KEY (tx_hash, log_index)
				);

				CREATE INDEX IF NOT EXISTS idx_applied_events_contract ON applied_events(chain_id, contract_address, block_number);
				CREATE INDEX IF NOT EXISTS idx_applied_events_status ON applied_events(status);
			`,
		},
		{
			Version:     "003",
			Description: "Create checkpoints table",
			SQL: `
				CREATE TABLE IF NOT EXISTS checkpoints (
					chain_id BIGINT NOT NULL,
					contract_address VARCHAR(42) NOT NULL,
					last_processed_block BIGINT NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL,
					PRIMARY KEY (chain_id, contract_address)
				);
			`,
		},
		{
			Version:     "004",
			Description: "Create token_registry table",
			SQL: `
				CREATE TABLE IF NOT EXISTS token_registry (
					source_token VARCHAR(42) PRIMARY KEY,
					destination_token VARCHAR(42) NOT NULL UNIQUE,
					created_at TIMESTAMPTZ NOT NULL
				);
			`,
		},
		{
			Version:     "005",
			Description: "Create deferred_events table",
			SQL: `
				CREATE TABLE IF NOT EXISTS deferred_events (
					tx_hash VARCHAR(66) NOT NULL,
					log_index BIGINT NOT NULL,
					chain VARCHAR(16) NOT NULL,
					chain_id BIGINT NOT NULL,
					contract_address VARCHAR(42) NOT NULL,
					event_kind VARCHAR(16) NOT NULL,
					user_address VARCHAR(42) NOT NULL,
					token_address VARCHAR(42) NOT NULL,
					amount NUMERIC(78, 0) NOT NULL,
					block_number BIGINT NOT NULL,
					deferred_at TIMESTAMPTZ NOT NULL,
					PRIMARY KEY (tx_hash, log_index)
				);

				CREATE INDEX IF NOT EXISTS idx_deferred_events_key ON deferred_events(user_address, token_address);
			`,
		},
	}
}
