package bot

import (
	"context"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/bowerhall/slipbox/internal/intake"
	"github.com/bowerhall/slipbox/internal/logger"
)

func newDiscord(token string, handler Handler, workers *Workers) (Bot, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}

	if workers == nil {
		workers = NewWorkers()
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent

	d := &discord{
		session: session,
		handler: handler,
		client:  newHTTPClient(),
		workers: workers,
		ctx:     context.Background(),
	}

	session.AddHandler(d.handleMessage)

	return d, nil
}

func (d *discord) Name() string { return "discord" }

func (d *discord) Start(ctx context.Context) error {
	d.ctx = context.WithoutCancel(ctx)

	if err := d.session.Open(); err != nil {
		return err
	}

	logger.Info("discord bot started")

	<-ctx.Done()
	return d.session.Close()
}

func (d *discord) Reply(ctx context.Context, token, text string) error {
	channelID, messageID, err := parseReplyToken(token)
	if err != nil {
		return err
	}

	ref := &discordgo.MessageReference{MessageID: messageID, ChannelID: channelID}
	if _, err := d.session.ChannelMessageSendReply(channelID, text, ref, discordgo.WithContext(ctx)); err != nil {
		return err
	}

	logger.Debug("discord reply sent", "channelID", channelID, "chars", len(text))
	return nil
}

// FetchContent downloads an attachment by its CDN url.
func (d *discord) FetchContent(ctx context.Context, url string) ([]byte, error) {
	return download(ctx, d.client, url)
}

func (d *discord) handleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if s.State != nil && s.State.User != nil && m.Author != nil && m.Author.ID == s.State.User.ID {
		return
	}

	events := discordEvents(m)
	if len(events) == 0 {
		return
	}

	logger.Info("message received", "from", m.Author.Username, "text", truncate(m.Content, 50), "events", len(events))

	d.workers.Dispatch(d.ctx, d.handler, d, events...)
}

// discordEvents turns a message into intake events, one per image attachment
// after the text. Only the first image can pair with a pending submission;
// the rest follow the unmatched-image policy.
func discordEvents(m *discordgo.MessageCreate) []intake.Event {
	if m.Message == nil || m.Author == nil || m.Author.Bot {
		return nil
	}

	base := intake.Event{
		ID:         "discord:" + m.ID,
		Channel:    "discord",
		UserID:     "discord:" + m.Author.ID,
		ReplyToken: replyToken(m.ChannelID, m.ID),
		ReceivedAt: m.Timestamp,
	}

	var events []intake.Event
	var images []*discordgo.MessageAttachment
	for _, a := range m.Attachments {
		if strings.HasPrefix(a.ContentType, "image/") {
			images = append(images, a)
		}
	}

	if text := strings.TrimSpace(m.Content); text != "" {
		ev := base
		ev.Kind = intake.KindText
		ev.Text = text
		if len(images) > 0 {
			// the confirmation for the image answers both
			ev.ID += ":text"
			ev.ReplyToken = ""
		}
		events = append(events, ev)
	}

	for i, a := range images {
		ev := base
		ev.Kind = intake.KindImage
		ev.ImageRef = a.URL
		if i > 0 {
			ev.ID += ":" + a.ID
		}
		events = append(events, ev)
	}

	return events
}
