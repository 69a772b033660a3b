package pending

import (
	"sync"
	"time"

	"github.com/bowerhall/slipbox/internal/submission"
)

// Session is a parsed key waiting for the user's photo.
type Session struct {
	UserID    string
	Key       submission.Key
	CreatedAt time.Time
}

type Store struct {
	mu       sync.Mutex
	sessions map[string]Session
	ttl      time.Duration
	now      func() time.Time
}
