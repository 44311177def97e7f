// Package sqlite persists canonical record text and tier assignments in
// SQLite. Hydration is a primary-key lookup here, never a vector search.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/m-mizutani/goerr/v2"
	_ "modernc.org/sqlite"

	"github.com/whisperengine-ai/whisperengine-v2-sub016/memory"
)

// Store implements memory.RecordStore and memory.TierStore.
type Store struct {
	db *sql.DB
}

// New opens or creates the database at path.
func New(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, goerr.Wrap(err, "create db dir", goerr.V("dir", dir))
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, goerr.Wrap(err, "open db", goerr.V("path", path))
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, goerr.Wrap(err, "migrate")
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		record_id  TEXT PRIMARY KEY,
		owner_id   TEXT NOT NULL,
		scope_id   TEXT NOT NULL DEFAULT '',
		text       TEXT NOT NULL,
		created_at TEXT NOT NULL,
		metadata   TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_records_owner_scope ON records(owner_id, scope_id);

	CREATE TABLE IF NOT EXISTS tiers (
		record_id        TEXT PRIMARY KEY,
		tier             TEXT NOT NULL DEFAULT 'warm',
		access_count     INTEGER NOT NULL DEFAULT 0,
		last_accessed_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tiers_last_accessed ON tiers(last_accessed_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// PutRecord inserts a record. Records are immutable, so re-putting an
// existing ID leaves the stored row untouched.
func (s *Store) PutRecord(ctx context.Context, rec *memory.Record) error {
	var metaJSON *string
	if len(rec.Metadata) > 0 {
		b, err := json.Marshal(rec.Metadata)
		if err != nil {
			return goerr.Wrap(err, "marshal metadata", goerr.V("record_id", rec.ID))
		}
		str := string(b)
		metaJSON = &str
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO records (record_id, owner_id, scope_id, text, created_at, metadata)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(record_id) DO NOTHING`,
		rec.ID, rec.OwnerID, rec.ScopeID, rec.Text,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano), metaJSON)
	if err != nil {
		return goerr.Wrap(err, "insert record", goerr.V("record_id", rec.ID))
	}
	return nil
}

// GetRecord looks a record up by primary key.
func (s *Store) GetRecord(ctx context.Context, recordID string) (*memory.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT record_id, owner_id, scope_id, text, created_at, metadata
		 FROM records WHERE record_id = ?`, recordID)

	var rec memory.Record
	var createdAt string
	var metaJSON sql.NullString
	err := row.Scan(&rec.ID, &rec.OwnerID, &rec.ScopeID, &rec.Text, &createdAt, &metaJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, goerr.Wrap(memory.ErrRecordNotFound, "get record", goerr.V("record_id", recordID))
	}
	if err != nil {
		return nil, goerr.Wrap(err, "get record", goerr.V("record_id", recordID))
	}

	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if metaJSON.Valid {
		if err := json.Unmarshal([]byte(metaJSON.String), &rec.Metadata); err != nil {
			return nil, goerr.Wrap(err, "unmarshal metadata", goerr.V("record_id", recordID))
		}
	}
	return &rec, nil
}

// DeleteRecord removes a record and its tier row.
func (s *Store) DeleteRecord(ctx context.Context, recordID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return goerr.Wrap(err, "begin delete", goerr.V("record_id", recordID))
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM records WHERE record_id = ?`, recordID)
	if err != nil {
		return goerr.Wrap(err, "delete record", goerr.V("record_id", recordID))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return goerr.Wrap(err, "delete record", goerr.V("record_id", recordID))
	}
	if affected == 0 {
		return goerr.Wrap(memory.ErrRecordNotFound, "delete record", goerr.V("record_id", recordID))
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM tiers WHERE record_id = ?`, recordID); err != nil {
		return goerr.Wrap(err, "delete tier row", goerr.V("record_id", recordID))
	}
	return tx.Commit()
}

// UpsertTier writes a tier assignment.
func (s *Store) UpsertTier(ctx context.Context, ta memory.TierAssignment) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tiers (record_id, tier, access_count, last_accessed_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(record_id) DO UPDATE SET
		   tier = excluded.tier,
		   access_count = excluded.access_count,
		   last_accessed_at = excluded.last_accessed_at`,
		ta.RecordID, string(ta.Tier), ta.AccessCount,
		ta.LastAccessedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return goerr.Wrap(err, "upsert tier", goerr.V("record_id", ta.RecordID))
	}
	return nil
}

// GetTier reads a tier assignment.
func (s *Store) GetTier(ctx context.Context, recordID string) (*memory.TierAssignment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT record_id, tier, access_count, last_accessed_at FROM tiers WHERE record_id = ?`,
		recordID)

	var ta memory.TierAssignment
	var tier, lastAccessed string
	err := row.Scan(&ta.RecordID, &tier, &ta.AccessCount, &lastAccessed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, goerr.Wrap(memory.ErrRecordNotFound, "get tier", goerr.V("record_id", recordID))
	}
	if err != nil {
		return nil, goerr.Wrap(err, "get tier", goerr.V("record_id", recordID))
	}
	ta.Tier = memory.Tier(tier)
	ta.LastAccessedAt, _ = time.Parse(time.RFC3339Nano, lastAccessed)
	return &ta, nil
}

// DemoteIdle moves every non-cold record last accessed before idleBefore
// to the cold tier.
func (s *Store) DemoteIdle(ctx context.Context, idleBefore time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tiers SET tier = 'cold'
		 WHERE last_accessed_at < ? AND tier != 'cold'`,
		idleBefore.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, goerr.Wrap(err, "demote idle tiers")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, goerr.Wrap(err, "demote idle tiers")
	}
	return int(affected), nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
