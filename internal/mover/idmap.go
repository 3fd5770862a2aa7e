package mover

import (
	"context"
	"database/sql"
	"fmt"
)

// IDMap maps moved message ids to their copies, in copy order.
type IDMap struct {
	olds []int64
	m    map[int64]int64
}

// NewIDMap creates an empty map.
func NewIDMap() *IDMap {
	return &IDMap{m: make(map[int64]int64)}
}

// Add records that oldID was copied to newID.
func (im *IDMap) Add(oldID, newID int64) {
	if _, ok := im.m[oldID]; !ok {
		im.olds = append(im.olds, oldID)
	}
	im.m[oldID] = newID
}

// Lookup returns the copy of oldID.
func (im *IDMap) Lookup(oldID int64) (int64, bool) {
	id, ok := im.m[oldID]
	return id, ok
}

// Len is the number of mapped ids.
func (im *IDMap) Len() int {
	return len(im.olds)
}

// Old returns the source ids in copy order.
func (im *IDMap) Old() []int64 {
	out := make([]int64, len(im.olds))
	copy(out, im.olds)
	return out
}

// New returns the destination ids in copy order.
func (im *IDMap) New() []int64 {
	out := make([]int64, len(im.olds))
	for i, old := range im.olds {
		out[i] = im.m[old]
	}
	return out
}

// Map returns a copy of the mapping.
func (im *IDMap) Map() map[int64]int64 {
	out := make(map[int64]int64, len(im.m))
	for k, v := range im.m {
		out[k] = v
	}
	return out
}

const scratchTable = "moved_message_ids"

// load writes the mapping into a temporary table on the transaction's connection.
func (im *IDMap) load(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, `CREATE TEMP TABLE IF NOT EXISTS `+scratchTable+` (
		old_id INTEGER PRIMARY KEY,
		new_id INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("create id map table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM "+scratchTable); err != nil {
		return fmt.Errorf("clear id map table: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO "+scratchTable+" (old_id, new_id) VALUES (?, ?)")
	if err != nil {
		return fmt.Errorf("prepare id map insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()
	for _, old := range im.olds {
		if _, err := stmt.ExecContext(ctx, old, im.m[old]); err != nil {
			return fmt.Errorf("insert id map row: %w", err)
		}
	}
	return nil
}

// rewrite is one "repoint a message foreign key" pass.
type rewrite struct {
	table  string
	column string
	filter string // extra predicate, may be empty
}

// messageReferences are the tables whose rows follow a message when it moves.
var messageReferences = []rewrite{
	{table: "reactions", column: "message_id"},
	{table: "mentions", column: "message_id"},
	{table: "upload_references", column: "target_id", filter: "target_type = 'message'"},
	{table: "revisions", column: "message_id"},
	{table: "webhook_events", column: "message_id"},
}

// apply repoints every reference table through the loaded mapping.
// Returns rows changed per table.
func (im *IDMap) apply(ctx context.Context, tx *sql.Tx, rewrites []rewrite) (map[string]int64, error) {
	changed := make(map[string]int64, len(rewrites))
	for _, rw := range rewrites {
		where := rw.column + " IN (SELECT old_id FROM " + scratchTable + ")"
		if rw.filter != "" {
			where = rw.filter + " AND " + where
		}
		query := fmt.Sprintf(
			"UPDATE %[1]s SET %[2]s = (SELECT new_id FROM %[3]s WHERE old_id = %[1]s.%[2]s) WHERE %[4]s",
			rw.table, rw.column, scratchTable, where)
		res, err := tx.ExecContext(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("rewrite %s: %w", rw.table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("rewrite %s rows affected: %w", rw.table, err)
		}
		changed[rw.table] = n
	}
	return changed, nil
}

func (im *IDMap) drop(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+scratchTable); err != nil {
		return fmt.Errorf("drop id map table: %w", err)
	}
	return nil
}
