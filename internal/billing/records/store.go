package records

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Record is a user-owned resource subject to the free-tier quota.
type Record struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists records.
type Store interface {
	// CreateWithinLimit inserts rec if the owner has fewer than limit records.
	// A non-positive limit means unlimited. It reports whether rec was stored.
	CreateWithinLimit(ctx context.Context, rec *Record, limit int) (bool, error)
	ListByUser(ctx context.Context, userID string) ([]*Record, error)
}

// SQLiteStore stores records in records.db.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the records database in dir.
func OpenSQLite(dir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create records dir: %w", err)
	}

	dsn := filepath.Join(dir, "records.db") + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open records db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS records (
		id          TEXT PRIMARY KEY,
		user_id     TEXT NOT NULL,
		name        TEXT NOT NULL,
		created_at  INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_records_user_id ON records(user_id);
	`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init records schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CreateWithinLimit checks the quota and inserts in one statement so
// concurrent creates cannot overshoot the limit.
func (s *SQLiteStore) CreateWithinLimit(ctx context.Context, rec *Record, limit int) (bool, error) {
	if rec == nil {
		return false, fmt.Errorf("record is nil")
	}
	var (
		res sql.Result
		err error
	)
	if limit <= 0 {
		res, err = s.db.ExecContext(ctx, `INSERT INTO records (id, user_id, name, created_at) VALUES (?, ?, ?, ?)`,
			rec.ID, rec.UserID, rec.Name, rec.CreatedAt.Unix())
	} else {
		res, err = s.db.ExecContext(ctx, `INSERT INTO records (id, user_id, name, created_at)
			SELECT ?, ?, ?, ?
			WHERE (SELECT COUNT(*) FROM records WHERE user_id = ?) < ?`,
			rec.ID, rec.UserID, rec.Name, rec.CreatedAt.Unix(), rec.UserID, limit)
	}
	if err != nil {
		return false, fmt.Errorf("create record: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("create record: rows affected: %w", err)
	}
	return affected > 0, nil
}

// ListByUser returns userID's records, newest first.
func (s *SQLiteStore) ListByUser(ctx context.Context, userID string) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, user_id, name, created_at
		FROM records WHERE user_id = ? ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		var r Record
		var createdAt int64
		if err := rows.Scan(&r.ID, &r.UserID, &r.Name, &createdAt); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		r.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, &r)
	}
	return out, rows.Err()
}
