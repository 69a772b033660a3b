package bot

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"
	"github.com/line/line-bot-sdk-go/v8/linebot/webhook"

	"github.com/bowerhall/slipbox/internal/intake"
	"github.com/bowerhall/slipbox/internal/logger"
)

// maxWebhookBody caps a LINE callback body; real deliveries are a few KB.
const maxWebhookBody = 1 << 20

func NewLine(secret, accessToken string, handler Handler, workers *Workers) (*Line, error) {
	api, err := messaging_api.NewMessagingApiAPI(accessToken)
	if err != nil {
		return nil, fmt.Errorf("create line messaging client: %w", err)
	}

	blob, err := messaging_api.NewMessagingApiBlobAPI(accessToken)
	if err != nil {
		return nil, fmt.Errorf("create line blob client: %w", err)
	}

	if workers == nil {
		workers = NewWorkers()
	}

	return &Line{secret: secret, api: api, blob: blob, handler: handler, workers: workers}, nil
}

func (l *Line) Name() string { return "line" }

// Register mounts the webhook route.
func (l *Line) Register(e *echo.Echo) {
	e.POST("/callback", l.Callback)
}

// Callback verifies the signature, acknowledges the delivery and processes
// the events in the background. LINE expects a fast 200; per-sender lanes
// keep back-to-back deliveries in order.
func (l *Line) Callback(c echo.Context) error {
	req := c.Request()
	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxWebhookBody)

	cb, err := webhook.ParseRequest(l.secret, req)
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.Is(err, webhook.ErrInvalidSignature):
			logger.Warn("line webhook rejected", "reason", "invalid signature", "remote", c.RealIP())
			return c.String(http.StatusBadRequest, "invalid signature")
		case errors.As(err, &tooLarge):
			return c.String(http.StatusRequestEntityTooLarge, "payload too large")
		default:
			logger.Warn("line webhook rejected", "error", err)
			return c.String(http.StatusBadRequest, "invalid payload")
		}
	}

	events := lineEvents(cb.Events)
	if len(events) > 0 {
		logger.Info("line webhook received", "events", len(events))
		l.workers.Dispatch(context.WithoutCancel(req.Context()), l.handler, l, events...)
	}

	return c.String(http.StatusOK, "OK")
}

func (l *Line) Reply(ctx context.Context, token, text string) error {
	_, err := l.api.WithContext(ctx).ReplyMessage(&messaging_api.ReplyMessageRequest{
		ReplyToken: token,
		Messages: []messaging_api.MessageInterface{
			messaging_api.TextMessage{Text: text},
		},
	})
	return err
}

// FetchContent downloads the binary content of a message by its id.
func (l *Line) FetchContent(ctx context.Context, messageID string) ([]byte, error) {
	resp, err := l.blob.WithContext(ctx).GetMessageContent(messageID)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get message content: HTTP %d", resp.StatusCode)
	}

	return readMedia(resp.Body)
}

func lineEvents(in []webhook.EventInterface) []intake.Event {
	var out []intake.Event
	for _, raw := range in {
		e, ok := raw.(webhook.MessageEvent)
		if !ok {
			continue
		}

		ev := intake.Event{
			ID:         e.WebhookEventId,
			Channel:    "line",
			UserID:     lineSender(e.Source),
			ReplyToken: e.ReplyToken,
			ReceivedAt: time.UnixMilli(e.Timestamp),
		}
		if ev.ID != "" {
			ev.ID = "line:" + ev.ID
		}

		switch m := e.Message.(type) {
		case webhook.TextMessageContent:
			ev.Kind = intake.KindText
			ev.Text = m.Text
		case webhook.ImageMessageContent:
			ev.Kind = intake.KindImage
			ev.ImageRef = m.Id
		default:
			continue
		}

		out = append(out, ev)
	}

	return out
}

func lineSender(src webhook.SourceInterface) string {
	var id string
	switch s := src.(type) {
	case webhook.UserSource:
		id = s.UserId
	case webhook.GroupSource:
		id = s.UserId
	case webhook.RoomSource:
		id = s.UserId
	}

	if id == "" {
		return ""
	}
	return "line:" + id
}
