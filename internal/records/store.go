package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    unit_id TEXT,
    period TEXT,
    image_path TEXT,
    event_id TEXT,
    channel TEXT,
    user_id TEXT,
    created_at TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_records_event ON records(event_id) WHERE event_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_records_unit ON records(unit_id, period);
`

const selectColumns = `id, unit_id, period, image_path, event_id, channel, user_id, created_at`

// Open creates or opens the records database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	// one writer keeps SQLite free of busy errors and makes :memory: usable
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}

	s, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// NewStore creates a record store using the provided database connection
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(schema)
	return err
}

// Insert appends r and returns its id. A second insert with the same non-empty
// EventID returns ErrDuplicateEvent.
func (s *Store) Insert(ctx context.Context, r Record) (int64, error) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO records (unit_id, period, image_path, event_id, channel, user_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		nullable(r.UnitID),
		nullable(r.Period),
		nullable(r.ImagePath),
		nullable(r.EventID),
		nullable(r.Channel),
		nullable(r.UserID),
		r.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, err
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}

	if n == 0 {
		return 0, ErrDuplicateEvent
	}

	return result.LastInsertId()
}

// List returns up to limit records, newest first. limit <= 0 returns all.
func (s *Store) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM records ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}

	return out, rows.Err()
}

func (s *Store) Get(ctx context.Context, id int64) (Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM records WHERE id = ?`, id)

	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}

	return r, err
}

func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&n)
	return n, err
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (Record, error) {
	var r Record
	var unitID, period, imagePath, eventID, channel, userID sql.NullString
	var createdAt string

	if err := sc.Scan(&r.ID, &unitID, &period, &imagePath, &eventID, &channel, &userID, &createdAt); err != nil {
		return Record{}, err
	}

	r.UnitID = unitID.String
	r.Period = period.String
	r.ImagePath = imagePath.String
	r.EventID = eventID.String
	r.Channel = channel.String
	r.UserID = userID.String

	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return Record{}, fmt.Errorf("record %d created_at: %w", r.ID, err)
	}
	r.CreatedAt = t

	return r, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
