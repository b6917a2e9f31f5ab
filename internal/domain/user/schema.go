package user

// Migrations returns the users table for the given database driver
func Migrations(driver string) []string {
	if driver == "sqlite" || driver == "sqlite3" {
		return []string{
			`CREATE TABLE IF NOT EXISTS users (
				id           INTEGER PRIMARY KEY AUTOINCREMENT,
				email        TEXT NOT NULL UNIQUE,
				display_name TEXT NOT NULL DEFAULT '',
				role         TEXT NOT NULL DEFAULT 'user',
				created_at   DATETIME NOT NULL,
				updated_at   DATETIME NOT NULL
			)`,
		}
	}
	return []string{
		`CREATE TABLE IF NOT EXISTS users (
			id           BIGSERIAL PRIMARY KEY,
			email        TEXT NOT NULL UNIQUE,
			display_name TEXT NOT NULL DEFAULT '',
			role         TEXT NOT NULL DEFAULT 'user',
			created_at   TIMESTAMPTZ NOT NULL,
			updated_at   TIMESTAMPTZ NOT NULL
		)`,
	}
}
