package sqlite

func (s *Storage) RunMigrations() error {
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id VARCHAR NOT NULL PRIMARY KEY,
		user_id VARCHAR NOT NULL,
		provider VARCHAR NOT NULL,
		email VARCHAR NOT NULL DEFAULT '',
		auth TEXT NOT NULL DEFAULT '',
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		last_sync_at TIMESTAMP NULL DEFAULT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_accounts_user ON accounts (user_id)`,
	`CREATE TABLE IF NOT EXISTS calendars (
		id VARCHAR NOT NULL PRIMARY KEY,
		account_id VARCHAR NOT NULL,
		external_id VARCHAR NOT NULL,
		name VARCHAR NOT NULL,
		color VARCHAR NOT NULL DEFAULT '',
		timezone VARCHAR NOT NULL DEFAULT '',
		is_read_only BOOLEAN NOT NULL DEFAULT FALSE,
		is_primary BOOLEAN NOT NULL DEFAULT FALSE,
		UNIQUE (account_id, external_id),
		FOREIGN KEY (account_id) REFERENCES accounts (id)
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		id VARCHAR NOT NULL PRIMARY KEY,
		calendar_id VARCHAR NOT NULL,
		external_id VARCHAR NOT NULL DEFAULT '',
		ics_uid VARCHAR NOT NULL DEFAULT '',
		title VARCHAR NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		location VARCHAR NOT NULL DEFAULT '',
		url VARCHAR NOT NULL DEFAULT '',
		starts_at TIMESTAMP NOT NULL,
		ends_at TIMESTAMP NOT NULL,
		all_day BOOLEAN NOT NULL DEFAULT FALSE,
		timezone VARCHAR NOT NULL DEFAULT '',
		status VARCHAR NOT NULL DEFAULT 'confirmed',
		is_recurring BOOLEAN NOT NULL DEFAULT FALSE,
		etag VARCHAR NOT NULL DEFAULT '',
		ics_data TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMP NULL DEFAULT NULL,
		FOREIGN KEY (calendar_id) REFERENCES calendars (id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_calendar_uid ON events (calendar_id, ics_uid)`,
	`CREATE INDEX IF NOT EXISTS idx_events_calendar_external ON events (calendar_id, external_id)`,
	`CREATE TABLE IF NOT EXISTS event_recurrences (
		event_id VARCHAR NOT NULL PRIMARY KEY,
		rrule VARCHAR NOT NULL,
		recur_until TIMESTAMP NULL DEFAULT NULL,
		recur_count INTEGER NULL DEFAULT NULL,
		ex_dates TEXT NOT NULL DEFAULT '',
		FOREIGN KEY (event_id) REFERENCES events (id)
	)`,
	`CREATE TABLE IF NOT EXISTS sync_states (
		account_id VARCHAR NOT NULL,
		calendar_id VARCHAR NOT NULL DEFAULT '',
		status VARCHAR NOT NULL DEFAULT 'idle',
		sync_token TEXT NOT NULL DEFAULT '',
		locked_at TIMESTAMP NULL DEFAULT NULL,
		last_sync_at TIMESTAMP NULL DEFAULT NULL,
		error_message TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMP NULL DEFAULT NULL,
		PRIMARY KEY (account_id, calendar_id)
	)`,
}
