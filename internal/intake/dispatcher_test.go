package intake

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bowerhall/slipbox/internal/config"
	"github.com/bowerhall/slipbox/internal/pending"
	"github.com/bowerhall/slipbox/internal/records"
	"github.com/bowerhall/slipbox/internal/storage"
	"github.com/bowerhall/slipbox/internal/submission"
)

var photo = []byte("\xff\xd8\xff\xe0 fake jpeg body")

type fakeChannel struct {
	mu       sync.Mutex
	replies  []string
	fetchErr error
	replyErr error
	fetches  int
}

func (c *fakeChannel) Name() string { return "fake" }

func (c *fakeChannel) Reply(_ context.Context, _, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies = append(c.replies, text)
	return c.replyErr
}

func (c *fakeChannel) FetchContent(_ context.Context, _ string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetches++
	if c.fetchErr != nil {
		return nil, c.fetchErr
	}
	return photo, nil
}

func (c *fakeChannel) lastReply() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.replies) == 0 {
		return ""
	}
	return c.replies[len(c.replies)-1]
}

func (c *fakeChannel) replyCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.replies)
}

type failingRecorder struct{ err error }

func (r failingRecorder) Save(context.Context, records.SaveInput) (records.Record, error) {
	return records.Record{}, r.err
}

type fakeAlerter struct {
	mu    sync.Mutex
	calls []string
}

func (a *fakeAlerter) Warn(component, message string, _ error) {
	a.record("warn", component, message)
}

func (a *fakeAlerter) Critical(component, message string, _ error) {
	a.record("critical", component, message)
}

func (a *fakeAlerter) record(severity, component, message string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, severity+" "+component+": "+message)
}

type harness struct {
	d       *Dispatcher
	pending *pending.Store
	store   *records.Store
	images  string
	ch      *fakeChannel
}

func newHarness(t *testing.T, policy string) *harness {
	t.Helper()

	dir := t.TempDir()
	store, err := records.Open(filepath.Join(dir, "slipbox.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	images := filepath.Join(dir, "images")
	local, err := storage.NewLocal(images)
	if err != nil {
		t.Fatalf("local storage: %v", err)
	}

	sessions := pending.NewStore(30 * time.Minute)
	d, err := New(Options{
		Pending:         sessions,
		Recorder:        records.NewService(store, local),
		Messages:        config.DefaultMessages(),
		UnmatchedImages: policy,
		Location:        time.UTC,
	})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}

	return &harness{d: d, pending: sessions, store: store, images: images, ch: &fakeChannel{}}
}

func textEvent(id, user, text string) Event {
	return Event{ID: id, Channel: "fake", UserID: user, Kind: KindText, Text: text, ReplyToken: "rt-" + id}
}

func imageEvent(id, user string) Event {
	return Event{ID: id, Channel: "fake", UserID: user, Kind: KindImage, ImageRef: "msg-" + id, ReplyToken: "rt-" + id}
}

func mustKey(t *testing.T, text string) submission.Key {
	t.Helper()
	key, ok := submission.Parse(text)
	if !ok {
		t.Fatalf("parse %q failed", text)
	}
	return key
}

func (h *harness) handle(t *testing.T, ev Event) Result {
	t.Helper()
	res, err := h.d.Handle(context.Background(), h.ch, ev)
	if err != nil {
		t.Fatalf("handle %s: %v", ev.ID, err)
	}
	return res
}

func (h *harness) count(t *testing.T) int {
	t.Helper()
	n, err := h.store.Count(context.Background())
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func TestTextThenImageSaves(t *testing.T) {
	h := newHarness(t, config.UnmatchedReply)
	msgs := config.DefaultMessages()

	res := h.handle(t, textEvent("e1", "line:U1", "39/50 พค 68"))
	if res.Outcome != OutcomeAwaitingImage {
		t.Fatalf("expected awaiting_image, got %s", res.Outcome)
	}
	if h.ch.lastReply() != msgs.AskForImage {
		t.Errorf("expected ask-for-image reply, got %q", h.ch.lastReply())
	}

	res = h.handle(t, imageEvent("e2", "line:U1"))
	if res.Outcome != OutcomeSaved {
		t.Fatalf("expected saved, got %s", res.Outcome)
	}

	rec := res.Record
	if rec.UnitID != "39/50" || rec.Period != "พค 68" {
		t.Errorf("unexpected key on record: %q %q", rec.UnitID, rec.Period)
	}
	if !strings.HasPrefix(rec.ImagePath, "39_50_") || !strings.HasSuffix(rec.ImagePath, ".jpg") {
		t.Errorf("unexpected image path: %s", rec.ImagePath)
	}

	data, err := os.ReadFile(filepath.Join(h.images, rec.ImagePath))
	if err != nil {
		t.Fatalf("image not written: %v", err)
	}
	if string(data) != string(photo) {
		t.Error("stored image differs from fetched content")
	}

	if h.ch.lastReply() != msgs.SavedFor("39/50", "พค 68") {
		t.Errorf("unexpected confirmation: %q", h.ch.lastReply())
	}

	if h.pending.Has("line:U1") {
		t.Error("session should be consumed")
	}
	if h.count(t) != 1 {
		t.Errorf("expected 1 record, got %d", h.count(t))
	}
}

func TestSecondImageGetsGuidance(t *testing.T) {
	h := newHarness(t, config.UnmatchedReply)

	h.handle(t, textEvent("e1", "line:U1", "39/50 พค 68"))
	h.handle(t, imageEvent("e2", "line:U1"))

	res := h.handle(t, imageEvent("e3", "line:U1"))
	if res.Outcome != OutcomeNoPendingSession {
		t.Fatalf("expected no_pending_session, got %s", res.Outcome)
	}
	if h.ch.lastReply() != config.DefaultMessages().SendTextFirst {
		t.Errorf("expected guidance reply, got %q", h.ch.lastReply())
	}
	if h.count(t) != 1 {
		t.Errorf("second image must not create a record, got %d", h.count(t))
	}
}

func TestParseMismatchLeavesNoState(t *testing.T) {
	h := newHarness(t, config.UnmatchedReply)

	for i, text := range []string{"hello", "39/50", "พค 68 39/50", ""} {
		res := h.handle(t, textEvent("bad"+string(rune('a'+i)), "line:U1", text))
		if res.Outcome != OutcomeParseMismatch {
			t.Errorf("%q: expected parse_mismatch, got %s", text, res.Outcome)
		}
	}

	if h.pending.Has("line:U1") {
		t.Error("mismatched text must not open a session")
	}
	if h.ch.lastReply() != config.DefaultMessages().FormatHint {
		t.Errorf("expected format hint, got %q", h.ch.lastReply())
	}
}

func TestLastTextWins(t *testing.T) {
	h := newHarness(t, config.UnmatchedReply)

	h.handle(t, textEvent("e1", "line:U1", "39/50 พค 68"))
	h.handle(t, textEvent("e2", "line:U1", "12/3 มค 69"))

	res := h.handle(t, imageEvent("e3", "line:U1"))
	if res.Record.UnitID != "12/3" || res.Record.Period != "มค 69" {
		t.Errorf("expected latest key, got %q %q", res.Record.UnitID, res.Record.Period)
	}
}

func TestUsersAreIsolated(t *testing.T) {
	h := newHarness(t, config.UnmatchedReply)

	h.handle(t, textEvent("e1", "line:A", "39/50 พค 68"))

	res := h.handle(t, imageEvent("e2", "line:B"))
	if res.Outcome != OutcomeNoPendingSession {
		t.Fatalf("user B must not consume user A's session, got %s", res.Outcome)
	}
	if !h.pending.Has("line:A") {
		t.Error("user A's session should be untouched")
	}
}

func TestFetchFailureRestoresSession(t *testing.T) {
	h := newHarness(t, config.UnmatchedReply)
	h.handle(t, textEvent("e1", "line:U1", "39/50 พค 68"))

	h.ch.fetchErr = errors.New("content expired")
	res, err := h.d.Handle(context.Background(), h.ch, imageEvent("e2", "line:U1"))
	if !errors.Is(err, ErrContentFetch) {
		t.Fatalf("expected ErrContentFetch, got %v", err)
	}
	if res.Outcome != OutcomeFetchFailed {
		t.Errorf("expected fetch_failed, got %s", res.Outcome)
	}
	if !h.pending.Has("line:U1") {
		t.Fatal("session should be restored after a failed download")
	}
	if h.ch.lastReply() != config.DefaultMessages().FetchFailed {
		t.Errorf("expected fetch failure reply, got %q", h.ch.lastReply())
	}
	if h.count(t) != 0 {
		t.Error("no record expected after failed download")
	}

	// a redelivery of the same event is retried, not dropped
	h.ch.fetchErr = nil
	res = h.handle(t, imageEvent("e2", "line:U1"))
	if res.Outcome != OutcomeSaved || res.Record.UnitID != "39/50" {
		t.Errorf("expected retry to save, got %s", res.Outcome)
	}
}

func TestPersistFailureRestoresAndAlerts(t *testing.T) {
	sessions := pending.NewStore(time.Hour)
	alerter := &fakeAlerter{}
	d, err := New(Options{
		Pending:  sessions,
		Recorder: failingRecorder{err: records.ErrStorage},
		Messages: config.DefaultMessages(),
		Alerter:  alerter,
	})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	ch := &fakeChannel{}

	if _, err := d.Handle(context.Background(), ch, textEvent("e1", "tg:1", "39/50 พค 68")); err != nil {
		t.Fatalf("text: %v", err)
	}

	res, err := d.Handle(context.Background(), ch, imageEvent("e2", "tg:1"))
	if !errors.Is(err, ErrPersistence) || !errors.Is(err, records.ErrStorage) {
		t.Fatalf("expected wrapped persistence error, got %v", err)
	}
	if res.Outcome != OutcomePersistFailed {
		t.Errorf("expected persist_failed, got %s", res.Outcome)
	}
	if !sessions.Has("tg:1") {
		t.Error("session should be restored after a failed save")
	}
	if ch.lastReply() != config.DefaultMessages().SaveFailed {
		t.Errorf("expected save failure reply, got %q", ch.lastReply())
	}
	if len(alerter.calls) != 1 || !strings.HasPrefix(alerter.calls[0], "critical storage") {
		t.Errorf("expected one critical storage alert, got %v", alerter.calls)
	}
}

func TestInsertFailureWarns(t *testing.T) {
	alerter := &fakeAlerter{}
	d, err := New(Options{
		Pending:  pending.NewStore(time.Hour),
		Recorder: failingRecorder{err: records.ErrInsert},
		Messages: config.DefaultMessages(),
		Alerter:  alerter,
	})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	ch := &fakeChannel{}

	d.Handle(context.Background(), ch, textEvent("e1", "tg:1", "39/50 พค 68"))
	if _, err := d.Handle(context.Background(), ch, imageEvent("e2", "tg:1")); !errors.Is(err, records.ErrInsert) {
		t.Fatalf("expected insert error, got %v", err)
	}

	if len(alerter.calls) != 1 || !strings.HasPrefix(alerter.calls[0], "warn persistence") {
		t.Errorf("expected one persistence warning, got %v", alerter.calls)
	}
}

func TestRestoreDoesNotOverrideNewerText(t *testing.T) {
	h := newHarness(t, config.UnmatchedReply)
	h.handle(t, textEvent("e1", "line:U1", "39/50 พค 68"))

	blocking := &blockingChannel{fakeChannel: h.ch, release: make(chan struct{}), started: make(chan struct{})}
	blocking.fetchErr = errors.New("timeout")

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.d.Handle(context.Background(), blocking, imageEvent("e2", "line:U1"))
	}()

	<-blocking.started
	h.handle(t, textEvent("e3", "line:U1", "12/3 มค 69"))
	close(blocking.release)
	<-done

	sess, ok := h.pending.TakeAndClear("line:U1")
	if !ok || sess.Key.UnitID != "12/3" {
		t.Errorf("newer session should survive the failed fetch, got %+v", sess)
	}
}

type blockingChannel struct {
	*fakeChannel
	started chan struct{}
	release chan struct{}
}

func (c *blockingChannel) FetchContent(ctx context.Context, ref string) ([]byte, error) {
	close(c.started)
	<-c.release
	return c.fakeChannel.FetchContent(ctx, ref)
}

func TestRedeliveryDuringHandlingDropped(t *testing.T) {
	for _, policy := range []string{config.UnmatchedReply, config.UnmatchedArchive} {
		t.Run(policy, func(t *testing.T) {
			h := newHarness(t, policy)
			msgs := config.DefaultMessages()
			h.handle(t, textEvent("e1", "line:U1", "39/50 พค 68"))

			blocking := &blockingChannel{fakeChannel: h.ch, release: make(chan struct{}), started: make(chan struct{})}

			first := make(chan Result, 1)
			go func() {
				res, _ := h.d.Handle(context.Background(), blocking, imageEvent("e2", "line:U1"))
				first <- res
			}()

			<-blocking.started
			res := h.handle(t, imageEvent("e2", "line:U1"))
			if res.Outcome != OutcomeDuplicate {
				t.Errorf("expected duplicate while the first delivery runs, got %s", res.Outcome)
			}

			close(blocking.release)
			if res := <-first; res.Outcome != OutcomeSaved {
				t.Fatalf("expected first delivery to save, got %s", res.Outcome)
			}

			recs, err := h.store.List(context.Background(), 0)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(recs) != 1 || recs[0].UnitID != "39/50" || recs[0].Period != "พค 68" {
				t.Errorf("expected only the paired record, got %+v", recs)
			}

			h.ch.mu.Lock()
			replies := append([]string(nil), h.ch.replies...)
			h.ch.mu.Unlock()
			want := []string{msgs.AskForImage, msgs.SavedFor("39/50", "พค 68")}
			if strings.Join(replies, "|") != strings.Join(want, "|") {
				t.Errorf("unexpected replies %q", replies)
			}
		})
	}
}

func TestUnmatchedDrop(t *testing.T) {
	h := newHarness(t, config.UnmatchedDrop)

	res := h.handle(t, imageEvent("e1", "line:U1"))
	if res.Outcome != OutcomeNoPendingSession {
		t.Fatalf("expected no_pending_session, got %s", res.Outcome)
	}
	if h.ch.replyCount() != 0 {
		t.Error("drop policy must stay silent")
	}
	if h.ch.fetches != 0 {
		t.Error("drop policy must not download the image")
	}
}

func TestUnmatchedArchive(t *testing.T) {
	h := newHarness(t, config.UnmatchedArchive)

	res := h.handle(t, imageEvent("e1", "line:U1"))
	if res.Outcome != OutcomeArchived {
		t.Fatalf("expected archived, got %s", res.Outcome)
	}

	rec, err := h.store.Get(context.Background(), res.Record.ID)
	if err != nil {
		t.Fatalf("get archived record: %v", err)
	}
	if rec.UnitID != "" || rec.Period != "" {
		t.Errorf("archived record must not carry a key: %+v", rec)
	}
	if !strings.HasPrefix(rec.ImagePath, "unmatched_") {
		t.Errorf("unexpected archive path: %s", rec.ImagePath)
	}
	if h.ch.lastReply() != config.DefaultMessages().SendTextFirst {
		t.Errorf("user should still be told to send text first, got %q", h.ch.lastReply())
	}
}

func TestDuplicateEventDropped(t *testing.T) {
	h := newHarness(t, config.UnmatchedReply)
	now := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	h.d.now = func() time.Time { return now }

	h.handle(t, textEvent("e1", "line:U1", "39/50 พค 68"))
	h.handle(t, imageEvent("e2", "line:U1"))
	replies := h.ch.replyCount()

	res := h.handle(t, imageEvent("e2", "line:U1"))
	if res.Outcome != OutcomeDuplicate {
		t.Fatalf("expected duplicate, got %s", res.Outcome)
	}
	if h.ch.replyCount() != replies {
		t.Error("duplicates must not be answered")
	}
	if h.count(t) != 1 {
		t.Errorf("expected 1 record, got %d", h.count(t))
	}

	now = now.Add(dedupTTL + time.Second)
	res = h.handle(t, textEvent("e1", "line:U1", "39/50 พค 68"))
	if res.Outcome != OutcomeAwaitingImage {
		t.Errorf("expired dedup entry should be handled again, got %s", res.Outcome)
	}
}

func TestDuplicateEventAcrossRestart(t *testing.T) {
	h := newHarness(t, config.UnmatchedReply)

	h.handle(t, textEvent("e1", "line:U1", "39/50 พค 68"))
	h.handle(t, imageEvent("e2", "line:U1"))

	// a fresh dispatcher has an empty dedup cache; the database still knows e2
	local, err := storage.NewLocal(h.images)
	if err != nil {
		t.Fatalf("local storage: %v", err)
	}
	d, err := New(Options{Pending: h.pending, Recorder: records.NewService(h.store, local), Messages: config.DefaultMessages()})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}

	h.pending.Put("line:U1", mustKey(t, "40/1 มิย 68"))
	res, err := d.Handle(context.Background(), h.ch, imageEvent("e2", "line:U1"))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if res.Outcome != OutcomeDuplicate {
		t.Fatalf("expected duplicate, got %s", res.Outcome)
	}
	if !h.pending.Has("line:U1") {
		t.Error("session should be kept for the real next image")
	}

	entries, err := os.ReadDir(h.images)
	if err != nil {
		t.Fatalf("read images: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("duplicate image should be removed again, found %d files", len(entries))
	}
}

func TestReplyFailureDoesNotChangeOutcome(t *testing.T) {
	h := newHarness(t, config.UnmatchedReply)
	h.ch.replyErr = errors.New("invalid reply token")

	h.handle(t, textEvent("e1", "line:U1", "39/50 พค 68"))
	res := h.handle(t, imageEvent("e2", "line:U1"))
	if res.Outcome != OutcomeSaved {
		t.Errorf("expected saved despite reply errors, got %s", res.Outcome)
	}
}

func TestEventWithoutSenderIgnored(t *testing.T) {
	h := newHarness(t, config.UnmatchedReply)

	res := h.handle(t, textEvent("e1", "", "39/50 พค 68"))
	if res.Outcome != OutcomeIgnored {
		t.Errorf("expected ignored, got %s", res.Outcome)
	}
	if h.pending.Len() != 0 {
		t.Error("no session expected")
	}
}

func TestConcurrentImagesSaveOnce(t *testing.T) {
	h := newHarness(t, config.UnmatchedDrop)
	h.handle(t, textEvent("e0", "line:U1", "39/50 พค 68"))

	const n = 8
	outcomes := make(chan Outcome, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.d.Handle(context.Background(), h.ch, imageEvent("img"+string(rune('a'+i)), "line:U1"))
			if err != nil {
				t.Errorf("handle: %v", err)
			}
			outcomes <- res.Outcome
		}(i)
	}
	wg.Wait()
	close(outcomes)

	saved := 0
	for o := range outcomes {
		if o == OutcomeSaved {
			saved++
		}
	}
	if saved != 1 {
		t.Errorf("expected exactly one save, got %d", saved)
	}
	if h.count(t) != 1 {
		t.Errorf("expected 1 record, got %d", h.count(t))
	}
}

func TestSubmissionsListedNewestFirst(t *testing.T) {
	h := newHarness(t, config.UnmatchedReply)

	keys := []string{"1/1 มค 68", "2/2 กพ 68", "3/3 มีค 68"}
	for i, text := range keys {
		user := "line:U" + string(rune('0'+i))
		h.handle(t, textEvent("t"+string(rune('0'+i)), user, text))
		h.handle(t, imageEvent("i"+string(rune('0'+i)), user))
	}

	recs, err := h.store.List(context.Background(), 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}

	want := []string{"3/3", "2/2", "1/1"}
	for i, rec := range recs {
		if rec.UnitID != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], rec.UnitID)
		}
	}
}
