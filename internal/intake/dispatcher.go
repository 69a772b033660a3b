package intake

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/bowerhall/slipbox/internal/config"
	"github.com/bowerhall/slipbox/internal/logger"
	"github.com/bowerhall/slipbox/internal/pending"
	"github.com/bowerhall/slipbox/internal/records"
	"github.com/bowerhall/slipbox/internal/submission"
)

const (
	defaultDedupSize = 2048
	// platforms retry failed webhooks for a few minutes at most
	dedupTTL = 10 * time.Minute
)

func New(opts Options) (*Dispatcher, error) {
	if opts.Pending == nil || opts.Recorder == nil {
		return nil, fmt.Errorf("intake: pending store and recorder are required")
	}

	size := opts.DedupSize
	if size <= 0 {
		size = defaultDedupSize
	}

	seen, err := lru.New[string, time.Time](size)
	if err != nil {
		return nil, fmt.Errorf("create dedup cache: %w", err)
	}

	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}

	unmatched := opts.UnmatchedImages
	if unmatched == "" {
		unmatched = config.UnmatchedReply
	}

	return &Dispatcher{
		pending:   opts.Pending,
		recorder:  opts.Recorder,
		messages:  opts.Messages,
		unmatched: unmatched,
		loc:       loc,
		metrics:   opts.Metrics,
		alerter:   opts.Alerter,
		seen:      seen,
		inflight:  make(map[string]struct{}),
		now:       time.Now,
	}, nil
}

// Handle runs one event through the pairing state machine. A text that parses
// opens (or replaces) the sender's pending session; an image consumes it. The
// returned error is non-nil only when a paired image could not be fetched or
// persisted, in which case the session has been put back.
func (d *Dispatcher) Handle(ctx context.Context, ch Channel, ev Event) (res Result, err error) {
	d.metrics.Event(ev.Channel, string(ev.Kind))
	defer func() { d.metrics.Outcome(string(res.Outcome)) }()

	if !d.claim(ev.ID) {
		logger.Debug("dropping redelivered event", "channel", ev.Channel, "event", ev.ID)
		return Result{Outcome: OutcomeDuplicate}, nil
	}
	// a failed event stays retryable; anything else is settled
	defer func() { d.release(ev.ID, err == nil) }()

	if ev.UserID == "" {
		logger.Warn("event without sender ignored", "channel", ev.Channel, "event", ev.ID)
		return Result{Outcome: OutcomeIgnored}, nil
	}

	switch ev.Kind {
	case KindText:
		return d.handleText(ctx, ch, ev), nil
	case KindImage:
		return d.handleImage(ctx, ch, ev)
	default:
		return Result{Outcome: OutcomeIgnored}, nil
	}
}

func (d *Dispatcher) handleText(ctx context.Context, ch Channel, ev Event) Result {
	key, ok := submission.Parse(ev.Text)
	if !ok {
		d.reply(ctx, ch, ev, d.messages.FormatHint)
		return Result{Outcome: OutcomeParseMismatch}
	}

	d.pending.Put(ev.UserID, key)
	logger.Info("submission pending", "user", ev.UserID, "unit", key.UnitID, "period", key.Period)

	d.reply(ctx, ch, ev, d.messages.AskForImage)
	return Result{Outcome: OutcomeAwaitingImage}
}

func (d *Dispatcher) handleImage(ctx context.Context, ch Channel, ev Event) (Result, error) {
	sess, ok := d.pending.TakeAndClear(ev.UserID)
	if !ok {
		return d.handleUnmatched(ctx, ch, ev)
	}

	data, err := ch.FetchContent(ctx, ev.ImageRef)
	if err != nil {
		d.restore(sess)
		d.reply(ctx, ch, ev, d.messages.FetchFailed)
		logger.Error("image download failed", "channel", ev.Channel, "user", ev.UserID, "error", err)
		return Result{Outcome: OutcomeFetchFailed}, fmt.Errorf("%w: %w", ErrContentFetch, err)
	}

	rec, err := d.recorder.Save(ctx, d.saveInput(ev, sess.Key, data))
	if errors.Is(err, records.ErrDuplicateEvent) {
		// the row from an earlier delivery is already there
		d.restore(sess)
		return Result{Outcome: OutcomeDuplicate}, nil
	}
	if err != nil {
		d.restore(sess)
		d.reply(ctx, ch, ev, d.messages.SaveFailed)
		logger.Error("submission not saved", "user", ev.UserID, "key", sess.Key.String(), "error", err)
		d.alert(err)
		return Result{Outcome: OutcomePersistFailed}, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	d.metrics.Saved()
	d.reply(ctx, ch, ev, d.messages.SavedFor(rec.UnitID, rec.Period))
	return Result{Outcome: OutcomeSaved, Record: rec}, nil
}

func (d *Dispatcher) handleUnmatched(ctx context.Context, ch Channel, ev Event) (Result, error) {
	switch d.unmatched {
	case config.UnmatchedDrop:
		logger.Debug("image without pending session dropped", "user", ev.UserID)
		return Result{Outcome: OutcomeNoPendingSession}, nil

	case config.UnmatchedArchive:
		d.reply(ctx, ch, ev, d.messages.SendTextFirst)

		data, err := ch.FetchContent(ctx, ev.ImageRef)
		if err != nil {
			logger.Warn("unmatched image not archived", "user", ev.UserID, "error", err)
			return Result{Outcome: OutcomeNoPendingSession}, nil
		}

		rec, err := d.recorder.Save(ctx, d.saveInput(ev, submission.Key{}, data))
		if errors.Is(err, records.ErrDuplicateEvent) {
			return Result{Outcome: OutcomeDuplicate}, nil
		}
		if err != nil {
			logger.Warn("unmatched image not archived", "user", ev.UserID, "error", err)
			return Result{Outcome: OutcomeNoPendingSession}, nil
		}

		logger.Info("unmatched image archived", "id", rec.ID, "image", rec.ImagePath)
		return Result{Outcome: OutcomeArchived, Record: rec}, nil

	default:
		d.reply(ctx, ch, ev, d.messages.SendTextFirst)
		return Result{Outcome: OutcomeNoPendingSession}, nil
	}
}

// alert escalates image store failures: until the disk or bucket is fixed no
// submission can be saved.
func (d *Dispatcher) alert(err error) {
	if d.alerter == nil {
		return
	}

	if errors.Is(err, records.ErrStorage) {
		d.alerter.Critical("storage", "submission image could not be stored", err)
		return
	}
	d.alerter.Warn("persistence", "submission could not be saved", err)
}

func (d *Dispatcher) saveInput(ev Event, key submission.Key, data []byte) records.SaveInput {
	when := ev.ReceivedAt
	if when.IsZero() {
		when = d.now()
	}

	return records.SaveInput{
		Key:     key,
		Image:   data,
		When:    when.In(d.loc),
		EventID: ev.ID,
		Channel: ev.Channel,
		UserID:  ev.UserID,
	}
}

func (d *Dispatcher) restore(sess pending.Session) {
	if !d.pending.Restore(sess) {
		logger.Debug("pending session not restored", "user", sess.UserID, "key", sess.Key.String())
	}
}

// reply failures never change the outcome of an event.
func (d *Dispatcher) reply(ctx context.Context, ch Channel, ev Event, text string) {
	if ev.ReplyToken == "" || text == "" {
		return
	}

	if err := ch.Reply(ctx, ev.ReplyToken, text); err != nil {
		logger.Warn("reply failed", "channel", ch.Name(), "user", ev.UserID, "error", err)
	}
}

// claim reserves id for a single handling. It fails while another delivery
// of the same event is still in progress or finished within dedupTTL.
func (d *Dispatcher) claim(id string) bool {
	if id == "" {
		return true
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, busy := d.inflight[id]; busy {
		return false
	}

	if at, ok := d.seen.Get(id); ok {
		if d.now().Sub(at) <= dedupTTL {
			return false
		}
		d.seen.Remove(id)
	}

	d.inflight[id] = struct{}{}
	return true
}

func (d *Dispatcher) release(id string, settled bool) {
	if id == "" {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.inflight, id)
	if settled {
		d.seen.Add(id, d.now())
	}
}
