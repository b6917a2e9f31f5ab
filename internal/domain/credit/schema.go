package credit

// Migrations returns the ledger schema for the given database driver.
// Each string is a single statement; SQLite executes one at a time.
func Migrations(driver string) []string {
	if isSQLite(driver) {
		return sqliteMigrations
	}
	return postgresMigrations
}

var postgresMigrations = []string{
	`CREATE TABLE IF NOT EXISTS credits (
		id              BIGSERIAL PRIMARY KEY,
		user_id         BIGINT NOT NULL,
		credit_type     TEXT NOT NULL,
		type_id         TEXT NOT NULL DEFAULT '',
		credit          NUMERIC(20,6) NOT NULL CHECK (credit > 0),
		consumed        NUMERIC(20,6) NOT NULL DEFAULT 0 CHECK (consumed >= 0 AND consumed <= credit),
		start_date      TIMESTAMPTZ NOT NULL,
		expiration_date TIMESTAMPTZ,
		status          TEXT NOT NULL CHECK (status IN ('active', 'pending', 'expired', 'deleted')),
		comment         TEXT NOT NULL DEFAULT '',
		meta            JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at      TIMESTAMPTZ NOT NULL,
		updated_at      TIMESTAMPTZ NOT NULL,
		CHECK (expiration_date IS NULL OR expiration_date > start_date)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_credits_user_status ON credits (user_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_credits_status_expiration ON credits (status, expiration_date)`,
	`CREATE TABLE IF NOT EXISTS user_credit_balances (
		user_id    BIGINT PRIMARY KEY,
		balance    NUMERIC(20,6) NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS credit_types (
		id         TEXT PRIMARY KEY,
		definition JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
}

var sqliteMigrations = []string{
	`CREATE TABLE IF NOT EXISTS credits (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id         INTEGER NOT NULL,
		credit_type     TEXT NOT NULL,
		type_id         TEXT NOT NULL DEFAULT '',
		credit          NUMERIC NOT NULL CHECK (credit > 0),
		consumed        NUMERIC NOT NULL DEFAULT 0 CHECK (consumed >= 0 AND consumed <= credit),
		start_date      DATETIME NOT NULL,
		expiration_date DATETIME,
		status          TEXT NOT NULL CHECK (status IN ('active', 'pending', 'expired', 'deleted')),
		comment         TEXT NOT NULL DEFAULT '',
		meta            TEXT NOT NULL DEFAULT '{}',
		created_at      DATETIME NOT NULL,
		updated_at      DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_credits_user_status ON credits (user_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_credits_status_expiration ON credits (status, expiration_date)`,
	`CREATE TABLE IF NOT EXISTS user_credit_balances (
		user_id    INTEGER PRIMARY KEY,
		balance    NUMERIC NOT NULL DEFAULT 0,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS credit_types (
		id         TEXT PRIMARY KEY,
		definition TEXT NOT NULL,
		created_at DATETIME NOT NULL
	)`,
}

func isSQLite(driver string) bool {
	return driver == "sqlite" || driver == "sqlite3"
}
