package schema_test

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/leonletto/chatcore/internal/schema"
)

func openTestDB(t *testing.T, name string) *sql.DB {
	t.Helper()
	db, err := schema.OpenDB(filepath.Join(t.TempDir(), name))
	if err != nil {
		t.Fatalf("OpenDB() failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpenDB(t *testing.T) {
	db := openTestDB(t, "test.db")

	if err := db.Ping(); err != nil {
		t.Errorf("Ping() failed: %v", err)
	}

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("Query journal_mode failed: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("Expected journal_mode='wal', got '%s'", journalMode)
	}

	var busyTimeout int
	if err := db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout); err != nil {
		t.Fatalf("Query busy_timeout failed: %v", err)
	}
	if busyTimeout != 5000 {
		t.Errorf("Expected busy_timeout=5000, got %d", busyTimeout)
	}

	var foreignKeys int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys); err != nil {
		t.Fatalf("Query foreign_keys failed: %v", err)
	}
	if foreignKeys != 1 {
		t.Errorf("Expected foreign_keys=1, got %d", foreignKeys)
	}
}

func TestInitDB(t *testing.T) {
	db := openTestDB(t, "init.db")

	if err := schema.InitDB(db); err != nil {
		t.Fatalf("InitDB() failed: %v", err)
	}

	version, err := schema.GetSchemaVersion(db)
	if err != nil {
		t.Fatalf("GetSchemaVersion() failed: %v", err)
	}
	if version != schema.CurrentVersion {
		t.Errorf("Expected schema version %d, got %d", schema.CurrentVersion, version)
	}

	tables := []string{
		"users",
		"user_ignores",
		"groups",
		"group_members",
		"channels",
		"direct_message_users",
		"memberships",
		"threads",
		"messages",
		"mentions",
		"reactions",
		"uploads",
		"upload_references",
		"revisions",
		"webhook_events",
		"drafts",
		"channel_archives",
		"forum_topics",
		"forum_posts",
		"schema_version",
	}

	for _, table := range tables {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err == sql.ErrNoRows {
			t.Errorf("Table %s does not exist", table)
		} else if err != nil {
			t.Fatalf("Query table %s failed: %v", table, err)
		}
	}
}

func TestInitDB_Indexes(t *testing.T) {
	db := openTestDB(t, "indexes.db")

	if err := schema.InitDB(db); err != nil {
		t.Fatalf("InitDB() failed: %v", err)
	}

	indexes := []string{
		"idx_messages_channel_time",
		"idx_messages_thread",
		"idx_messages_reply",
		"idx_messages_user_channel",
		"idx_messages_not_deleted",
		"idx_threads_channel",
		"idx_memberships_channel",
		"idx_mentions_message",
		"idx_reactions_message",
		"idx_upload_refs_target",
		"idx_revisions_message",
		"idx_webhook_events_message",
		"idx_channel_archives_state",
		"idx_forum_posts_topic",
		"idx_threads_live_root",
		"idx_forum_topics_key",
	}

	for _, index := range indexes {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='index' AND name=?", index).Scan(&name)
		if err == sql.ErrNoRows {
			t.Errorf("Index %s does not exist", index)
		} else if err != nil {
			t.Fatalf("Query index %s failed: %v", index, err)
		}
	}
}

func TestInitDB_SeedsSystemUser(t *testing.T) {
	db := openTestDB(t, "system.db")

	if err := schema.InitDB(db); err != nil {
		t.Fatalf("InitDB() failed: %v", err)
	}

	var username string
	var staff bool
	err := db.QueryRow("SELECT username, staff FROM users WHERE id = ?", schema.SystemUserID).Scan(&username, &staff)
	if err != nil {
		t.Fatalf("Query system user failed: %v", err)
	}
	if username != "system" || !staff {
		t.Errorf("Expected staff user 'system', got %q (staff=%v)", username, staff)
	}
}

func TestGetSchemaVersion_NoSchema(t *testing.T) {
	db := openTestDB(t, "noschema.db")

	// The version table does not exist yet.
	if _, err := schema.GetSchemaVersion(db); err == nil {
		t.Error("GetSchemaVersion() should error on uninitialized database")
	}
}

func TestMigrate_NewDatabase(t *testing.T) {
	db := openTestDB(t, "migrate_new.db")

	if err := schema.Migrate(db); err != nil {
		t.Fatalf("Migrate() failed: %v", err)
	}

	version, err := schema.GetSchemaVersion(db)
	if err != nil {
		t.Fatalf("GetSchemaVersion() failed: %v", err)
	}
	if version != schema.CurrentVersion {
		t.Errorf("Expected schema version %d, got %d", schema.CurrentVersion, version)
	}
}

func TestMigrate_CurrentVersion(t *testing.T) {
	db := openTestDB(t, "migrate_current.db")

	if err := schema.InitDB(db); err != nil {
		t.Fatalf("InitDB() failed: %v", err)
	}
	if err := schema.Migrate(db); err != nil {
		t.Errorf("Migrate() should not error on current version: %v", err)
	}
}

func TestMigrate_V1toCurrent(t *testing.T) {
	db := openTestDB(t, "migrate_v1.db")

	if err := schema.InitDB(db); err != nil {
		t.Fatalf("InitDB() failed: %v", err)
	}

	// Rewind to a version 1 database: no archive or forum tables.
	for _, stmt := range []string{
		"DROP TABLE channel_archives",
		"DROP TABLE forum_posts",
		"DROP TABLE forum_topics",
		"DELETE FROM schema_version",
		"INSERT INTO schema_version (version) VALUES (1)",
	} {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("%s: %v", stmt, err)
		}
	}

	if err := schema.Migrate(db); err != nil {
		t.Fatalf("Migrate() failed: %v", err)
	}

	version, err := schema.GetSchemaVersion(db)
	if err != nil {
		t.Fatalf("GetSchemaVersion() failed: %v", err)
	}
	if version != schema.CurrentVersion {
		t.Errorf("Expected schema version %d, got %d", schema.CurrentVersion, version)
	}

	for _, table := range []string{"channel_archives", "forum_topics", "forum_posts"} {
		var name string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name); err != nil {
			t.Errorf("Table %s missing after migration: %v", table, err)
		}
	}
}

func TestMigrate_V3toV4MergesDuplicateThreads(t *testing.T) {
	db := openTestDB(t, "migrate_v3.db")

	if err := schema.InitDB(db); err != nil {
		t.Fatalf("InitDB() failed: %v", err)
	}

	stamp := "2026-01-01T00:00:00Z"
	// Rewind to version 3 and recreate the state a racing reply could leave:
	// two live threads rooted at message 1.
	for _, stmt := range []string{
		"DROP INDEX idx_threads_live_root",
		"DROP INDEX idx_forum_topics_key",
		"ALTER TABLE forum_topics DROP COLUMN idempotency_key",
		"DELETE FROM schema_version",
		"INSERT INTO schema_version (version) VALUES (3)",
		`INSERT INTO channels (id, name, kind, created_at, updated_at) VALUES (1, 'general', 'category', '` + stamp + `', '` + stamp + `')`,
		`INSERT INTO threads (id, channel_id, original_message_id, original_message_user_id, created_at, updated_at)
			VALUES (10, 1, 1, -1, '` + stamp + `', '` + stamp + `'), (11, 1, 1, -1, '` + stamp + `', '` + stamp + `')`,
		`INSERT INTO messages (id, channel_id, user_id, thread_id, message, last_editor_id, created_at, updated_at)
			VALUES (1, 1, -1, 10, 'root', -1, '` + stamp + `', '` + stamp + `'),
			       (2, 1, -1, 11, 'reply', -1, '` + stamp + `', '` + stamp + `')`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("%s: %v", stmt, err)
		}
	}

	if err := schema.Migrate(db); err != nil {
		t.Fatalf("Migrate() failed: %v", err)
	}

	var threadID int64
	if err := db.QueryRow("SELECT thread_id FROM messages WHERE id = 2").Scan(&threadID); err != nil {
		t.Fatalf("query reply: %v", err)
	}
	if threadID != 10 {
		t.Errorf("Expected reply to join thread 10, got %d", threadID)
	}

	var live int
	if err := db.QueryRow("SELECT COUNT(*) FROM threads WHERE original_message_id = 1 AND deleted_at IS NULL").Scan(&live); err != nil {
		t.Fatalf("count threads: %v", err)
	}
	if live != 1 {
		t.Errorf("Expected one live thread for the root, got %d", live)
	}

	if _, err := db.Exec(`INSERT INTO forum_topics (title, user_id, created_at, idempotency_key)
		VALUES ('t', 1, '` + stamp + `', 'archive:1:topic')`); err != nil {
		t.Errorf("forum_topics.idempotency_key missing after migration: %v", err)
	}
}

func TestMigrate_NewerVersionRejected(t *testing.T) {
	db := openTestDB(t, "migrate_newer.db")

	if err := schema.InitDB(db); err != nil {
		t.Fatalf("InitDB() failed: %v", err)
	}
	if _, err := db.Exec("INSERT INTO schema_version (version) VALUES (?)", schema.CurrentVersion+1); err != nil {
		t.Fatalf("bump version: %v", err)
	}

	if err := schema.Migrate(db); err == nil {
		t.Error("Migrate() should refuse a database newer than this binary")
	}
}

func TestTableConstraints_ChannelArchiveUnique(t *testing.T) {
	db := openTestDB(t, "archive_unique.db")

	if err := schema.InitDB(db); err != nil {
		t.Fatalf("InitDB() failed: %v", err)
	}

	insert := `INSERT INTO channel_archives (channel_id, archived_by_id, state, created_at, updated_at)
		VALUES (7, 1, 'requested', '2026-01-01T00:00:00Z', '2026-01-01T00:00:00Z')`
	if _, err := db.Exec(insert); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}
	if _, err := db.Exec(insert); err == nil {
		t.Error("Expected a second archive record for the same channel to be rejected")
	}
}

func TestTableConstraints_OneLiveThreadPerRoot(t *testing.T) {
	db := openTestDB(t, "thread_root.db")

	if err := schema.InitDB(db); err != nil {
		t.Fatalf("InitDB() failed: %v", err)
	}

	insert := `INSERT INTO threads (channel_id, original_message_id, original_message_user_id, deleted_at, created_at, updated_at)
		VALUES (1, ?, -1, ?, '2026-01-01T00:00:00Z', '2026-01-01T00:00:00Z')`
	if _, err := db.Exec(insert, 5, nil); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}
	if _, err := db.Exec(insert, 5, nil); err == nil {
		t.Error("Expected a second live thread for the same root to be rejected")
	}
	if _, err := db.Exec(insert, 5, "2026-01-02T00:00:00Z"); err != nil {
		t.Errorf("deleted thread for the same root failed: %v", err)
	}
	// Threads still being moved have no root yet.
	for i := 0; i < 2; i++ {
		if _, err := db.Exec(insert, 0, nil); err != nil {
			t.Errorf("unsettled moved thread %d failed: %v", i, err)
		}
	}
}

func TestTableConstraints_ForumPostIdempotencyKey(t *testing.T) {
	db := openTestDB(t, "forum_key.db")

	if err := schema.InitDB(db); err != nil {
		t.Fatalf("InitDB() failed: %v", err)
	}

	insert := `INSERT INTO forum_posts (topic_id, user_id, raw, post_number, idempotency_key, created_at)
		VALUES (1, 1, 'batch', ?, ?, '2026-01-01T00:00:00Z')`
	if _, err := db.Exec(insert, 1, "archive:7:1-100"); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}
	if _, err := db.Exec(insert, 2, "archive:7:1-100"); err == nil {
		t.Error("Expected duplicate idempotency key to be rejected")
	}
	// NULL keys never collide.
	if _, err := db.Exec(insert, 3, nil); err != nil {
		t.Fatalf("insert without key failed: %v", err)
	}
	if _, err := db.Exec(insert, 4, nil); err != nil {
		t.Errorf("second insert without key failed: %v", err)
	}
}

func TestMessagesCascadeWithChannel(t *testing.T) {
	db := openTestDB(t, "cascade.db")

	if err := schema.InitDB(db); err != nil {
		t.Fatalf("InitDB() failed: %v", err)
	}

	stamp := "2026-01-01T00:00:00Z"
	if _, err := db.Exec(`INSERT INTO channels (id, name, kind, created_at, updated_at) VALUES (1, 'general', 'category', ?, ?)`, stamp, stamp); err != nil {
		t.Fatalf("insert channel: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO messages (channel_id, user_id, message, last_editor_id, created_at, updated_at)
		VALUES (1, -1, 'hello', -1, ?, ?)`, stamp, stamp); err != nil {
		t.Fatalf("insert message: %v", err)
	}
	if _, err := db.Exec("DELETE FROM channels WHERE id = 1"); err != nil {
		t.Fatalf("delete channel: %v", err)
	}

	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM messages").Scan(&n); err != nil {
		t.Fatalf("count messages: %v", err)
	}
	if n != 0 {
		t.Errorf("Expected messages to cascade with their channel, %d left", n)
	}
}

func TestDatabaseFile_Created(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "created.db")

	db, err := schema.OpenDB(dbPath)
	if err != nil {
		t.Fatalf("OpenDB() failed: %v", err)
	}
	defer func() { _ = db.Close() }()

	if err := schema.Migrate(db); err != nil {
		t.Fatalf("Migrate() failed: %v", err)
	}
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}
}
