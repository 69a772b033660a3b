package bot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bowerhall/slipbox/internal/intake"
	"github.com/bowerhall/slipbox/internal/logger"
)

// maxMediaSize is the maximum size for media attachments (20MB).
const maxMediaSize = 20 * 1024 * 1024

var errMediaTooLarge = errors.New("media exceeds size limit")

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

// process hands events to the handler in order. Events from one delivery
// must not race: a text and the photo after it often arrive together.
func process(ctx context.Context, h Handler, ch intake.Channel, events ...intake.Event) {
	for _, ev := range events {
		res, err := h.Handle(ctx, ch, ev)
		if err != nil {
			logger.Error("event handling failed", "channel", ch.Name(), "event", ev.ID, "outcome", res.Outcome, "error", err)
			continue
		}
		logger.Debug("event handled", "channel", ch.Name(), "event", ev.ID, "outcome", res.Outcome)
	}
}

func download(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download failed: HTTP %d", resp.StatusCode)
	}

	return readMedia(resp.Body)
}

func readMedia(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxMediaSize+1))
	if err != nil {
		return nil, err
	}

	if len(data) > maxMediaSize {
		return nil, errMediaTooLarge
	}

	if len(data) == 0 {
		return nil, errors.New("empty media content")
	}

	return data, nil
}

// replyToken packs a chat and message id for platforms that reply by
// referencing the original message.
func replyToken(chatID, messageID string) string {
	return chatID + ":" + messageID
}

func parseReplyToken(token string) (chatID, messageID string, err error) {
	chatID, messageID, ok := strings.Cut(token, ":")
	if !ok || chatID == "" || messageID == "" {
		return "", "", fmt.Errorf("malformed reply token %q", token)
	}
	return chatID, messageID, nil
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}

	return string(r[:max]) + "..."
}
