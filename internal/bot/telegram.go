package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/bowerhall/slipbox/internal/intake"
	"github.com/bowerhall/slipbox/internal/logger"
	"github.com/bowerhall/slipbox/internal/submission"
)

func newTelegram(token string, handler Handler, workers *Workers) (*Telegram, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}

	if workers == nil {
		workers = NewWorkers()
	}

	return &Telegram{api: api, handler: handler, client: newHTTPClient(), workers: workers}, nil
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Start(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := t.api.GetUpdatesChan(u)

	logger.Info("telegram bot started", "username", t.api.Self.UserName)

	for {
		select {
		case <-ctx.Done():
			t.api.StopReceivingUpdates()
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}

			events := telegramEvents(update)
			if len(events) == 0 {
				continue
			}

			logger.Info("message received", "user", events[0].UserID, "text", truncate(update.Message.Text, 50), "events", len(events))

			// a shutdown must not abort a half-written submission
			t.workers.Dispatch(context.WithoutCancel(ctx), t.handler, t, events...)
		}
	}
}

func (t *Telegram) Reply(ctx context.Context, token, text string) error {
	chat, message, err := parseReplyToken(token)
	if err != nil {
		return err
	}

	chatID, err := strconv.ParseInt(chat, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id in reply token: %w", err)
	}

	messageID, err := strconv.Atoi(message)
	if err != nil {
		return fmt.Errorf("invalid message id in reply token: %w", err)
	}

	reply := tgbotapi.NewMessage(chatID, text)
	reply.ReplyToMessageID = messageID

	if _, err := t.api.Send(reply); err != nil {
		return err
	}

	logger.Debug("reply sent", "chat", chatID, "chars", len(text))
	return nil
}

// FetchContent downloads a file by its Telegram file id.
func (t *Telegram) FetchContent(ctx context.Context, fileID string) ([]byte, error) {
	file, err := t.api.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return nil, err
	}

	if file.FileSize > maxMediaSize {
		return nil, errMediaTooLarge
	}

	return download(ctx, t.client, file.Link(t.api.Token))
}

// Send posts a message outside of any conversation. Used for operator alerts.
func (t *Telegram) Send(chatID int64, message string) error {
	msg := tgbotapi.NewMessage(chatID, message)
	_, err := t.api.Send(msg)
	if err != nil {
		logger.Error("proactive send failed", "error", err, "chatID", chatID)
	} else {
		logger.Info("proactive message sent", "chatID", chatID, "chars", len(message))
	}
	return err
}

// telegramEvents turns an update into intake events. A photo whose caption
// is a valid submission yields the text event first, without a reply, so a
// single message can carry both halves.
func telegramEvents(update tgbotapi.Update) []intake.Event {
	msg := update.Message
	if msg == nil || msg.Chat == nil {
		return nil
	}

	sender := msg.Chat.ID
	if msg.From != nil {
		if msg.From.IsBot {
			return nil
		}
		sender = msg.From.ID
	}

	base := intake.Event{
		ID:         fmt.Sprintf("telegram:%d", update.UpdateID),
		Channel:    "telegram",
		UserID:     fmt.Sprintf("telegram:%d", sender),
		ReplyToken: replyToken(strconv.FormatInt(msg.Chat.ID, 10), strconv.Itoa(msg.MessageID)),
		ReceivedAt: msg.Time(),
	}

	imageRef := ""
	switch {
	case len(msg.Photo) > 0:
		imageRef = msg.Photo[len(msg.Photo)-1].FileID
	case msg.Document != nil && strings.HasPrefix(msg.Document.MimeType, "image/"):
		imageRef = msg.Document.FileID
	}

	if imageRef == "" {
		if msg.Text == "" {
			return nil
		}
		ev := base
		ev.Kind = intake.KindText
		ev.Text = msg.Text
		return []intake.Event{ev}
	}

	var events []intake.Event
	if _, ok := submission.Parse(msg.Caption); ok {
		caption := base
		caption.ID += ":caption"
		caption.Kind = intake.KindText
		caption.Text = msg.Caption
		caption.ReplyToken = ""
		events = append(events, caption)
	}

	image := base
	image.Kind = intake.KindImage
	image.ImageRef = imageRef

	return append(events, image)
}
