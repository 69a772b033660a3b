package config

import "time"

type Config struct {
	HTTPAddr string         `validate:"required"`
	DBPath   string         `validate:"required"`
	Timezone string         `validate:"required"`
	Location *time.Location `validate:"required"`
	Intake   IntakeConfig
	Storage  StorageConfig
	Line     LineConfig
	Telegram BotInstance
	Discord  BotInstance
	Alerts   AlertsConfig
	Messages Messages
}

// Policies for an image that arrives without a pending session.
const (
	UnmatchedReply   = "reply"
	UnmatchedDrop    = "drop"
	UnmatchedArchive = "archive"
)

type IntakeConfig struct {
	PendingTTL      time.Duration `validate:"gte=0"`
	SweepSchedule   string        `validate:"required"`
	UnmatchedImages string        `validate:"oneof=reply drop archive"`
	DedupSize       int           `validate:"gt=0"`
}

const (
	StorageLocal = "local"
	StorageMinIO = "minio"
)

type StorageConfig struct {
	Backend   string `validate:"oneof=local minio"`
	ImageDir  string `validate:"required_if=Backend local"`
	Endpoint  string `validate:"required_if=Backend minio"`
	AccessKey string `validate:"required_if=Backend minio"`
	SecretKey string `validate:"required_if=Backend minio"`
	Bucket    string `validate:"required_if=Backend minio"`
	UseSSL    bool
}

// LineConfig carries the two channel credentials; both are needed once
// either is set.
type LineConfig struct {
	Enabled            bool
	ChannelSecret      string `validate:"required_if=Enabled true"`
	ChannelAccessToken string `validate:"required_if=Enabled true"`
}

type BotInstance struct {
	Enabled bool
	Token   string `validate:"required_if=Enabled true"`
}

type AlertsConfig struct {
	ChatID   int64
	Cooldown time.Duration `validate:"gte=0"`
}

// Messages are the texts sent back to users. Saved may contain {unit} and
// {period} placeholders.
type Messages struct {
	FormatHint    string `yaml:"format_hint" validate:"required"`
	AskForImage   string `yaml:"ask_for_image" validate:"required"`
	Saved         string `yaml:"saved" validate:"required"`
	SendTextFirst string `yaml:"send_text_first" validate:"required"`
	FetchFailed   string `yaml:"fetch_failed" validate:"required"`
	SaveFailed    string `yaml:"save_failed" validate:"required"`
}
