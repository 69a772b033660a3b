package bot

import (
	"context"
	"net/http"

	"github.com/bwmarrin/discordgo"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"

	"github.com/bowerhall/slipbox/internal/intake"
)

// Bot is a long-running chat platform connection (polling or gateway).
type Bot interface {
	Start(ctx context.Context) error
	Name() string
}

// Handler consumes decoded events. *intake.Dispatcher implements it.
type Handler interface {
	Handle(ctx context.Context, ch intake.Channel, ev intake.Event) (intake.Result, error)
}

// Config selects a polling provider. Workers is shared by every adapter so
// shutdown can wait for events still being handled.
type Config struct {
	Provider string
	Token    string
	Workers  *Workers
}

type Telegram struct {
	api     *tgbotapi.BotAPI
	handler Handler
	client  *http.Client
	workers *Workers
}

type discord struct {
	session *discordgo.Session
	handler Handler
	client  *http.Client
	workers *Workers
	ctx     context.Context
}

// Line receives webhooks instead of polling, so it is mounted on the HTTP
// server rather than started as a Bot.
type Line struct {
	secret  string
	api     *messaging_api.MessagingApiAPI
	blob    *messaging_api.MessagingApiBlobAPI
	handler Handler
	workers *Workers
}
