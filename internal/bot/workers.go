package bot

import (
	"context"
	"sync"

	"github.com/bowerhall/slipbox/internal/intake"
	"github.com/bowerhall/slipbox/internal/logger"
)

// Workers runs event batches off the receiving goroutine. Batches for the
// same sender run one at a time in the order they were submitted, so a text
// delivered just before its photo is always handled first.
type Workers struct {
	wg     sync.WaitGroup
	mu     sync.Mutex
	lanes  map[string][]func()
	closed bool
}

func NewWorkers() *Workers {
	return &Workers{lanes: make(map[string][]func())}
}

// Dispatch queues events for background handling, one lane per sender.
func (w *Workers) Dispatch(ctx context.Context, h Handler, ch intake.Channel, events ...intake.Event) {
	var order []string
	batches := make(map[string][]intake.Event)
	for _, ev := range events {
		if _, ok := batches[ev.UserID]; !ok {
			order = append(order, ev.UserID)
		}
		batches[ev.UserID] = append(batches[ev.UserID], ev)
	}

	for _, user := range order {
		batch := batches[user]
		w.submit(user, func() { process(ctx, h, ch, batch...) })
	}
}

func (w *Workers) submit(key string, fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		logger.Warn("event batch dropped during shutdown", "sender", key)
		return
	}

	w.wg.Add(1)
	queue, busy := w.lanes[key]
	w.lanes[key] = append(queue, fn)
	if !busy {
		go w.drain(key)
	}
}

func (w *Workers) drain(key string) {
	for {
		w.mu.Lock()
		queue := w.lanes[key]
		if len(queue) == 0 {
			delete(w.lanes, key)
			w.mu.Unlock()
			return
		}
		fn := queue[0]
		w.lanes[key] = queue[1:]
		w.mu.Unlock()

		w.run(fn)
	}
}

func (w *Workers) run(fn func()) {
	defer w.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("event batch panicked", "panic", r)
		}
	}()
	fn()
}

// Wait stops accepting batches and blocks until queued ones finish or ctx
// expires.
func (w *Workers) Wait(ctx context.Context) error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
