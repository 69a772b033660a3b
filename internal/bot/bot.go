package bot

import (
	"fmt"
)

func New(cfg Config, handler Handler) (Bot, error) {
	switch cfg.Provider {
	case "telegram":
		t, err := NewTelegram(cfg.Token, handler, cfg.Workers)
		if err != nil {
			return nil, err
		}
		return t, nil
	case "discord":
		return NewDiscord(cfg.Token, handler, cfg.Workers)
	default:
		return nil, fmt.Errorf("unknown bot provider: %s", cfg.Provider)
	}
}

func NewTelegram(token string, handler Handler, workers *Workers) (*Telegram, error) {
	return newTelegram(token, handler, workers)
}

func NewDiscord(token string, handler Handler, workers *Workers) (Bot, error) {
	return newDiscord(token, handler, workers)
}
