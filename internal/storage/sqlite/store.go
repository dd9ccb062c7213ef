package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"locstream/internal/domain"

	_ "modernc.org/sqlite"
)

const offsetsSchema = `
CREATE TABLE IF NOT EXISTS partition_offsets (
	partition_id INTEGER PRIMARY KEY,
	committed_offset INTEGER NOT NULL,
	committed_at_utc_ns INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS driver_sequences (
	partition_id INTEGER NOT NULL,
	driver_id TEXT NOT NULL,
	last_sequence INTEGER NOT NULL,
	last_timestamp_utc_ns INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (partition_id, driver_id)
);

CREATE TABLE IF NOT EXISTS commit_history (
	partition_id INTEGER NOT NULL,
	committed_offset INTEGER NOT NULL,
	committed_at_utc_ns INTEGER NOT NULL
);

CREATE TRIGGER IF NOT EXISTS trg_history_no_update
BEFORE UPDATE ON commit_history
BEGIN
	SELECT RAISE(ABORT, 'commit_history is append-only: UPDATE forbidden');
END;

CREATE TRIGGER IF NOT EXISTS trg_history_no_delete
BEFORE DELETE ON commit_history
BEGIN
	SELECT RAISE(ABORT, 'commit_history is append-only: DELETE forbidden');
END;
`

// OffsetStore persists partition checkpoints, one database file per
// partition. A commit is durable when Commit returns: the files run in WAL
// mode with synchronous=FULL. Offsets and per-driver sequences only move
// forward; stale commits are ignored.
type OffsetStore struct {
	baseDir string

	mu  sync.Mutex
	dbs map[domain.PartitionID]*sql.DB
}

func NewOffsetStore(baseDir string) (*OffsetStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir base dir: %w", err)
	}
	return &OffsetStore{baseDir: baseDir, dbs: make(map[domain.PartitionID]*sql.DB)}, nil
}

func (s *OffsetStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, db := range s.dbs {
		if err := db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.dbs = make(map[domain.PartitionID]*sql.DB)
	return errors.Join(errs...)
}

func (s *OffsetStore) Commit(ctx context.Context, cp domain.Checkpoint) error {
	db, err := s.partitionDB(cp.Partition)
	if err != nil {
		return err
	}
	committedAt := cp.CommittedAt
	if committedAt.IsZero() {
		committedAt = time.Now()
	}
	at := committedAt.UTC().UnixNano()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
INSERT INTO partition_offsets(partition_id, committed_offset, committed_at_utc_ns)
VALUES(?, ?, ?)
ON CONFLICT(partition_id)
DO UPDATE SET committed_offset=excluded.committed_offset, committed_at_utc_ns=excluded.committed_at_utc_ns
WHERE excluded.committed_offset >= partition_offsets.committed_offset`,
		int(cp.Partition), cp.Offset, at)
	if err != nil {
		return fmt.Errorf("upsert offset partition=%d: %w", cp.Partition, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// Older than what is stored already.
		return nil
	}
	for _, driverID := range cp.Drivers() {
		var ns int64
		if ts := cp.Timestamps[driverID]; !ts.IsZero() {
			ns = ts.UTC().UnixNano()
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO driver_sequences(partition_id, driver_id, last_sequence, last_timestamp_utc_ns)
VALUES(?, ?, ?, ?)
ON CONFLICT(partition_id, driver_id)
DO UPDATE SET last_sequence=max(last_sequence, excluded.last_sequence),
	last_timestamp_utc_ns=max(last_timestamp_utc_ns, excluded.last_timestamp_utc_ns)`,
			int(cp.Partition), driverID, int64(cp.Sequences[driverID]), ns); err != nil {
			return fmt.Errorf("upsert sequence partition=%d driver=%s: %w", cp.Partition, driverID, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO commit_history(partition_id, committed_offset, committed_at_utc_ns) VALUES(?, ?, ?)`,
		int(cp.Partition), cp.Offset, at); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *OffsetStore) LastCommitted(ctx context.Context, partition domain.PartitionID) (domain.Checkpoint, bool, error) {
	db, err := s.partitionDB(partition)
	if err != nil {
		return domain.Checkpoint{}, false, err
	}
	var offset, at int64
	err = db.QueryRowContext(ctx, `
SELECT committed_offset, committed_at_utc_ns FROM partition_offsets WHERE partition_id=?`, int(partition)).Scan(&offset, &at)
	if err == sql.ErrNoRows {
		return domain.Checkpoint{}, false, nil
	}
	if err != nil {
		return domain.Checkpoint{}, false, err
	}
	cp := domain.Checkpoint{
		Partition:   partition,
		Offset:      offset,
		Sequences:   map[string]uint64{},
		Timestamps:  map[string]time.Time{},
		CommittedAt: time.Unix(0, at).UTC(),
	}
	rows, err := db.QueryContext(ctx, `
SELECT driver_id, last_sequence, last_timestamp_utc_ns FROM driver_sequences WHERE partition_id=?`, int(partition))
	if err != nil {
		return domain.Checkpoint{}, false, err
	}
	defer rows.Close()
	for rows.Next() {
		var driverID string
		var seq, ns int64
		if err := rows.Scan(&driverID, &seq, &ns); err != nil {
			return domain.Checkpoint{}, false, err
		}
		cp.Sequences[driverID] = uint64(seq)
		if ns != 0 {
			cp.Timestamps[driverID] = time.Unix(0, ns).UTC()
		}
	}
	if err := rows.Err(); err != nil {
		return domain.Checkpoint{}, false, err
	}
	return cp, true, nil
}

// History returns the committed offsets of a partition in commit order.
func (s *OffsetStore) History(ctx context.Context, partition domain.PartitionID) ([]int64, error) {
	db, err := s.partitionDB(partition)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
SELECT committed_offset FROM commit_history WHERE partition_id=? ORDER BY rowid ASC`, int(partition))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var off int64
		if err := rows.Scan(&off); err != nil {
			return nil, err
		}
		out = append(out, off)
	}
	return out, rows.Err()
}

func (s *OffsetStore) partitionDB(partition domain.PartitionID) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if db, ok := s.dbs[partition]; ok {
		return db, nil
	}
	path := filepath.Join(s.baseDir, fmt.Sprintf("offsets-p%02d.db", partition))
	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(offsetsSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrateDriverTimestamps(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.dbs[partition] = db
	return db, nil
}

// migrateDriverTimestamps adds last_timestamp_utc_ns to files created
// before the column existed.
func migrateDriverTimestamps(db *sql.DB) error {
	rows, err := db.Query(`PRAGMA table_info(driver_sequences)`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid, notNull, pk int
			name, typ        string
			dflt             sql.NullString
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return err
		}
		if name == "last_timestamp_utc_ns" {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()
	_, err = db.Exec(`ALTER TABLE driver_sequences ADD COLUMN last_timestamp_utc_ns INTEGER NOT NULL DEFAULT 0`)
	return err
}

func openSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer per file keeps WAL commits serialized.
	db.SetMaxOpenConns(1)
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}
