package intake

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/bowerhall/slipbox/internal/config"
	"github.com/bowerhall/slipbox/internal/metrics"
	"github.com/bowerhall/slipbox/internal/pending"
	"github.com/bowerhall/slipbox/internal/records"
)

type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
)

// Event is one inbound chat message, already authenticated and decoded by a
// platform adapter.
type Event struct {
	ID         string // platform event/message id, used to drop redeliveries
	Channel    string
	UserID     string // namespaced, e.g. "line:U123"
	Kind       Kind
	Text       string
	ImageRef   string
	ReplyToken string
	ReceivedAt time.Time
}

// Channel is the platform an event came from. The dispatcher replies and
// downloads content through it.
type Channel interface {
	Name() string
	Reply(ctx context.Context, replyToken, text string) error
	FetchContent(ctx context.Context, ref string) ([]byte, error)
}

type Recorder interface {
	Save(ctx context.Context, in records.SaveInput) (records.Record, error)
}

type Alerter interface {
	Warn(component, message string, err error)
	Critical(component, message string, err error)
}

type Outcome string

const (
	OutcomeIgnored          Outcome = "ignored"
	OutcomeDuplicate        Outcome = "duplicate"
	OutcomeParseMismatch    Outcome = "parse_mismatch"
	OutcomeAwaitingImage    Outcome = "awaiting_image"
	OutcomeNoPendingSession Outcome = "no_pending_session"
	OutcomeArchived         Outcome = "archived"
	OutcomeFetchFailed      Outcome = "fetch_failed"
	OutcomePersistFailed    Outcome = "persist_failed"
	OutcomeSaved            Outcome = "saved"
)

type Result struct {
	Outcome Outcome
	Record  records.Record
}

type Options struct {
	Pending         *pending.Store
	Recorder        Recorder
	Messages        config.Messages
	UnmatchedImages string
	DedupSize       int
	Location        *time.Location
	Metrics         *metrics.Metrics
	Alerter         Alerter
}

type Dispatcher struct {
	pending   *pending.Store
	recorder  Recorder
	messages  config.Messages
	unmatched string
	loc       *time.Location
	metrics   *metrics.Metrics
	alerter   Alerter
	seen      *lru.Cache[string, time.Time]
	now       func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
}
