package schema

import (
	"database/sql"
	"fmt"
	"net/url"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// CurrentVersion is the current schema version.
const CurrentVersion = 4

// SystemUserID is the author of placeholder and other system-generated messages.
const SystemUserID int64 = -1

// InitDB initializes a new database with the current schema.
func InitDB(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := createVersionTable(tx); err != nil {
		return fmt.Errorf("create version table: %w", err)
	}

	if err := createTables(tx); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}

	if err := createIndexes(tx); err != nil {
		return fmt.Errorf("create indexes: %w", err)
	}

	if err := seedSystemUser(tx); err != nil {
		return fmt.Errorf("seed system user: %w", err)
	}

	if err := setSchemaVersion(tx, CurrentVersion); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

// GetSchemaVersion returns the current schema version from the database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	var version sql.NullInt64
	err := db.QueryRow("SELECT MAX(version) FROM schema_version").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("query schema version: %w", err)
	}
	return int(version.Int64), nil
}

func createVersionTable(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL,
			applied_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

func setSchemaVersion(tx *sql.Tx, version int) error {
	_, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version)
	return err
}

// createTables creates all database tables.
func createTables(tx *sql.Tx) error {
	tables := []string{
		// Users and the relationships that gate mention delivery
		`CREATE TABLE IF NOT EXISTS users (
			id           INTEGER PRIMARY KEY,
			username     TEXT NOT NULL UNIQUE COLLATE NOCASE,
			name         TEXT NOT NULL DEFAULT '',
			chat_enabled INTEGER NOT NULL DEFAULT 1,
			staff        INTEGER NOT NULL DEFAULT 0,
			active       INTEGER NOT NULL DEFAULT 1,
			created_at   TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS user_ignores (
			user_id        INTEGER NOT NULL,
			target_user_id INTEGER NOT NULL,
			kind           TEXT NOT NULL,
			PRIMARY KEY (user_id, target_user_id, kind)
		)`,

		`CREATE TABLE IF NOT EXISTS groups (
			id          INTEGER PRIMARY KEY,
			name        TEXT NOT NULL UNIQUE COLLATE NOCASE,
			mentionable INTEGER NOT NULL DEFAULT 1
		)`,

		`CREATE TABLE IF NOT EXISTS group_members (
			group_id INTEGER NOT NULL,
			user_id  INTEGER NOT NULL,
			PRIMARY KEY (group_id, user_id)
		)`,

		// Channels
		`CREATE TABLE IF NOT EXISTS channels (
			id                   INTEGER PRIMARY KEY AUTOINCREMENT,
			name                 TEXT NOT NULL,
			kind                 TEXT NOT NULL,
			status               TEXT NOT NULL DEFAULT 'open',
			category_id          INTEGER,
			allow_uploads        INTEGER NOT NULL DEFAULT 1,
			last_message_id      INTEGER,
			last_message_sent_at TEXT,
			user_count           INTEGER NOT NULL DEFAULT 0,
			created_at           TEXT NOT NULL,
			updated_at           TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS direct_message_users (
			channel_id INTEGER NOT NULL,
			user_id    INTEGER NOT NULL,
			PRIMARY KEY (channel_id, user_id)
		)`,

		`CREATE TABLE IF NOT EXISTS memberships (
			id                         INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id                    INTEGER NOT NULL,
			channel_id                 INTEGER NOT NULL,
			following                  INTEGER NOT NULL DEFAULT 1,
			last_read_message_id       INTEGER,
			desktop_notification_level TEXT NOT NULL DEFAULT 'mention',
			muted                      INTEGER NOT NULL DEFAULT 0,
			created_at                 TEXT NOT NULL,
			updated_at                 TEXT NOT NULL,
			UNIQUE (user_id, channel_id),
			FOREIGN KEY (channel_id) REFERENCES channels(id) ON DELETE CASCADE
		)`,

		// Threads; original_message_id is 0 while a move is still copying rows
		`CREATE TABLE IF NOT EXISTS threads (
			id                       INTEGER PRIMARY KEY AUTOINCREMENT,
			channel_id               INTEGER NOT NULL,
			original_message_id      INTEGER NOT NULL,
			original_message_user_id INTEGER NOT NULL,
			title                    TEXT,
			status                   TEXT NOT NULL DEFAULT 'open',
			replies_count            INTEGER NOT NULL DEFAULT 0,
			last_message_id          INTEGER,
			deleted_at               TEXT,
			created_at               TEXT NOT NULL,
			updated_at               TEXT NOT NULL
		)`,

		// Messages; ids are the read-tracking cursor so they must never be reused
		`CREATE TABLE IF NOT EXISTS messages (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			channel_id     INTEGER NOT NULL,
			user_id        INTEGER NOT NULL,
			thread_id      INTEGER,
			in_reply_to_id INTEGER,
			message        TEXT NOT NULL,
			cooked         TEXT NOT NULL DEFAULT '',
			last_editor_id INTEGER NOT NULL,
			deleted_at     TEXT,
			deleted_by_id  INTEGER,
			created_at     TEXT NOT NULL,
			updated_at     TEXT NOT NULL,
			FOREIGN KEY (channel_id) REFERENCES channels(id) ON DELETE CASCADE
		)`,

		`CREATE TABLE IF NOT EXISTS mentions (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			message_id  INTEGER NOT NULL,
			target_type TEXT NOT NULL,
			target_id   INTEGER NOT NULL DEFAULT 0,
			created_at  TEXT NOT NULL,
			UNIQUE (message_id, target_type, target_id)
		)`,

		`CREATE TABLE IF NOT EXISTS reactions (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			message_id INTEGER NOT NULL,
			user_id    INTEGER NOT NULL,
			emoji      TEXT NOT NULL,
			created_at TEXT NOT NULL,
			UNIQUE (message_id, user_id, emoji)
		)`,

		`CREATE TABLE IF NOT EXISTS uploads (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id           INTEGER NOT NULL,
			original_filename TEXT NOT NULL,
			url               TEXT NOT NULL,
			filesize          INTEGER NOT NULL DEFAULT 0,
			created_at        TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS upload_references (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			upload_id   INTEGER NOT NULL,
			target_type TEXT NOT NULL,
			target_id   INTEGER NOT NULL,
			created_at  TEXT NOT NULL,
			UNIQUE (upload_id, target_type, target_id)
		)`,

		// Append-only edit history
		`CREATE TABLE IF NOT EXISTS revisions (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			message_id  INTEGER NOT NULL,
			old_message TEXT NOT NULL,
			new_message TEXT NOT NULL,
			user_id     INTEGER NOT NULL,
			created_at  TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS webhook_events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			message_id INTEGER NOT NULL,
			username   TEXT NOT NULL,
			emoji      TEXT,
			created_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS drafts (
			user_id    INTEGER NOT NULL,
			channel_id INTEGER NOT NULL,
			data       TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (user_id, channel_id)
		)`,
	}

	tables = append(tables, archiveTables...)
	tables = append(tables, forumTables...)

	for _, table := range tables {
		if _, err := tx.Exec(table); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	return nil
}

// archiveTables were introduced in version 2.
var archiveTables = []string{
	`CREATE TABLE IF NOT EXISTS channel_archives (
		id                      INTEGER PRIMARY KEY AUTOINCREMENT,
		channel_id              INTEGER NOT NULL UNIQUE,
		archived_by_id          INTEGER NOT NULL,
		state                   TEXT NOT NULL,
		destination_topic_id    INTEGER,
		destination_topic_title TEXT,
		destination_category_id INTEGER,
		destination_tags        TEXT NOT NULL DEFAULT '',
		total_messages          INTEGER NOT NULL DEFAULT 0,
		archived_messages       INTEGER NOT NULL DEFAULT 0,
		archive_error           TEXT,
		created_at              TEXT NOT NULL,
		updated_at              TEXT NOT NULL
	)`,
}

// forumTables back the bundled forum sink and were introduced in version 3.
var forumTables = []string{
	`CREATE TABLE IF NOT EXISTS forum_topics (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		title       TEXT NOT NULL,
		category_id INTEGER,
		tags        TEXT NOT NULL DEFAULT '',
		user_id     INTEGER NOT NULL,
		posts_count INTEGER NOT NULL DEFAULT 0,
		created_at  TEXT NOT NULL,
		idempotency_key TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS forum_posts (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		topic_id        INTEGER NOT NULL,
		user_id         INTEGER NOT NULL,
		raw             TEXT NOT NULL,
		post_number     INTEGER NOT NULL,
		idempotency_key TEXT UNIQUE,
		created_at      TEXT NOT NULL
	)`,
}

// A chain root has at most one live thread. Moved threads carry a zero
// original message until the move settles them.
const liveThreadRootIndex = `CREATE UNIQUE INDEX IF NOT EXISTS idx_threads_live_root
	ON threads(original_message_id) WHERE deleted_at IS NULL AND original_message_id > 0`

const forumTopicKeyIndex = `CREATE UNIQUE INDEX IF NOT EXISTS idx_forum_topics_key
	ON forum_topics(idempotency_key) WHERE idempotency_key IS NOT NULL`

// createIndexes creates all database indexes.
func createIndexes(tx *sql.Tx) error {
	indexes := []string{
		// Message indexes
		"CREATE INDEX IF NOT EXISTS idx_messages_channel_time ON messages(channel_id, created_at, id)",
		"CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id)",
		"CREATE INDEX IF NOT EXISTS idx_messages_reply ON messages(in_reply_to_id)",
		"CREATE INDEX IF NOT EXISTS idx_messages_user_channel ON messages(user_id, channel_id, created_at)",
		"CREATE INDEX IF NOT EXISTS idx_messages_not_deleted ON messages(channel_id) WHERE deleted_at IS NULL",

		"CREATE INDEX IF NOT EXISTS idx_threads_channel ON threads(channel_id)",
		liveThreadRootIndex,
		"CREATE INDEX IF NOT EXISTS idx_memberships_channel ON memberships(channel_id)",

		// Dependent rows rewritten by moves
		"CREATE INDEX IF NOT EXISTS idx_mentions_message ON mentions(message_id)",
		"CREATE INDEX IF NOT EXISTS idx_reactions_message ON reactions(message_id)",
		"CREATE INDEX IF NOT EXISTS idx_upload_refs_target ON upload_references(target_type, target_id)",
		"CREATE INDEX IF NOT EXISTS idx_revisions_message ON revisions(message_id)",
		"CREATE INDEX IF NOT EXISTS idx_webhook_events_message ON webhook_events(message_id)",

		"CREATE INDEX IF NOT EXISTS idx_channel_archives_state ON channel_archives(state)",
		"CREATE INDEX IF NOT EXISTS idx_forum_posts_topic ON forum_posts(topic_id, post_number)",
		forumTopicKeyIndex,
	}

	for _, index := range indexes {
		if _, err := tx.Exec(index); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}

	return nil
}

// mergeDuplicateThreads folds live threads sharing a root into the oldest one
// and soft-deletes the rest, so the unique root index can be built.
func mergeDuplicateThreads(tx *sql.Tx) error {
	const duplicate = `deleted_at IS NULL AND original_message_id > 0 AND EXISTS (
		SELECT 1 FROM threads o
		WHERE o.original_message_id = threads.original_message_id
		  AND o.deleted_at IS NULL AND o.id < threads.id)`
	if _, err := tx.Exec(`
		UPDATE messages SET thread_id = (
			SELECT MIN(o.id) FROM threads o JOIN threads t ON t.original_message_id = o.original_message_id
			WHERE t.id = messages.thread_id AND o.deleted_at IS NULL)
		WHERE thread_id IN (SELECT id FROM threads WHERE ` + duplicate + `)`); err != nil {
		return fmt.Errorf("merge duplicate threads: %w", err)
	}
	if _, err := tx.Exec(`UPDATE threads SET deleted_at = CURRENT_TIMESTAMP WHERE ` + duplicate); err != nil {
		return fmt.Errorf("retire duplicate threads: %w", err)
	}
	return nil
}

func seedSystemUser(tx *sql.Tx) error {
	_, err := tx.Exec(`INSERT OR IGNORE INTO users (id, username, name, chat_enabled, staff, active)
		VALUES (?, 'system', 'System', 1, 1, 1)`, SystemUserID)
	return err
}

// OpenDB opens a SQLite database with foreign keys, WAL and a busy timeout.
// Pragmas go in the DSN so every pooled connection gets them.
func OpenDB(path string) (*sql.DB, error) {
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "wal_autocheckpoint(1000)")
	q.Add("_txlock", "immediate")

	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return db, nil
}

// Migrate brings the database to CurrentVersion, initializing it when empty.
func Migrate(db *sql.DB) error {
	var tableName string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='schema_version'").Scan(&tableName)
	if err == sql.ErrNoRows {
		return InitDB(db)
	}
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}

	currentVersion, err := GetSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	if currentVersion == 0 {
		return InitDB(db)
	}

	if currentVersion > CurrentVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", currentVersion, CurrentVersion)
	}

	if currentVersion < CurrentVersion {
		if err := runMigrations(db, currentVersion, CurrentVersion); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
	}

	return nil
}

func runMigrations(db *sql.DB, startVersion, endVersion int) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Version 1 to 2: channel archive records
	if startVersion < 2 && endVersion >= 2 {
		for _, stmt := range archiveTables {
			if _, err := tx.Exec(stmt); err != nil {
				return fmt.Errorf("create channel_archives table: %w", err)
			}
		}
		if _, err := tx.Exec("CREATE INDEX IF NOT EXISTS idx_channel_archives_state ON channel_archives(state)"); err != nil {
			return fmt.Errorf("create idx_channel_archives_state: %w", err)
		}
	}

	// Version 2 to 3: forum sink tables
	if startVersion < 3 && endVersion >= 3 {
		for _, stmt := range forumTables {
			if _, err := tx.Exec(stmt); err != nil {
				return fmt.Errorf("create forum table: %w", err)
			}
		}
		if _, err := tx.Exec("CREATE INDEX IF NOT EXISTS idx_forum_posts_topic ON forum_posts(topic_id, post_number)"); err != nil {
			return fmt.Errorf("create idx_forum_posts_topic: %w", err)
		}
	}

	// Version 3 to 4: one live thread per root, idempotent forum topics
	if startVersion < 4 && endVersion >= 4 {
		if err := mergeDuplicateThreads(tx); err != nil {
			return err
		}
		if _, err := tx.Exec(liveThreadRootIndex); err != nil {
			return fmt.Errorf("create idx_threads_live_root: %w", err)
		}
		// Version 3 created forum_topics without the key column.
		if startVersion >= 3 {
			if _, err := tx.Exec("ALTER TABLE forum_topics ADD COLUMN idempotency_key TEXT"); err != nil {
				return fmt.Errorf("add forum_topics.idempotency_key: %w", err)
			}
		}
		if _, err := tx.Exec(forumTopicKeyIndex); err != nil {
			return fmt.Errorf("create idx_forum_topics_key: %w", err)
		}
	}

	if err := setSchemaVersion(tx, endVersion); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}

	return tx.Commit()
}
