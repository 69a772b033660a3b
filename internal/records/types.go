package records

import (
	"database/sql"
	"errors"
	"time"

	"github.com/bowerhall/slipbox/internal/storage"
	"github.com/bowerhall/slipbox/internal/submission"
)

var (
	ErrNotFound       = errors.New("record not found")
	ErrDuplicateEvent = errors.New("event already recorded")
	ErrStorage        = errors.New("store image")
	ErrInsert         = errors.New("insert record")
	ErrEmpty          = errors.New("record has neither key nor image")
)

// Record is one submission row. Empty strings are stored as NULL: a record can
// carry a unit and period, an image path, or both.
type Record struct {
	ID        int64
	UnitID    string
	Period    string
	ImagePath string
	EventID   string
	Channel   string
	UserID    string
	CreatedAt time.Time
}

type Store struct {
	db *sql.DB
}

// Service writes the image and the row for a submission as one unit of work.
type Service struct {
	store   *Store
	content storage.Provider
}

type SaveInput struct {
	Key     submission.Key
	Image   []byte
	When    time.Time
	EventID string
	Channel string
	UserID  string
}
