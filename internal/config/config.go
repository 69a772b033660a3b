package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

func Load() (*Config, error) {
	dbPath := os.Getenv("SLIPBOX_DB")
	if dbPath == "" {
		dbPath = "slipbox.db"
	}

	timezone := os.Getenv("TZ")
	if timezone == "" {
		timezone = "Asia/Bangkok"
	}

	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid TZ %q: %w", timezone, err)
	}

	intakeConfig, err := loadIntakeConfig()
	if err != nil {
		return nil, err
	}

	alertsConfig, err := loadAlertsConfig()
	if err != nil {
		return nil, err
	}

	messages, err := LoadMessages(os.Getenv("SLIPBOX_MESSAGES"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		HTTPAddr: loadHTTPAddr(),
		DBPath:   dbPath,
		Timezone: timezone,
		Location: loc,
		Intake:   intakeConfig,
		Storage:  loadStorageConfig(),
		Line:     loadLineConfig(),
		Telegram: loadBotInstance("TELEGRAM_TOKEN"),
		Discord:  loadBotInstance("DISCORD_TOKEN"),
		Alerts:   alertsConfig,
		Messages: messages,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks field constraints and that at least one chat platform is
// configured.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if !c.Line.Enabled && !c.Telegram.Enabled && !c.Discord.Enabled {
		return fmt.Errorf("no chat platform enabled, set LINE_CHANNEL_ACCESS_TOKEN, TELEGRAM_TOKEN or DISCORD_TOKEN")
	}

	return nil
}

func loadHTTPAddr() string {
	if addr := os.Getenv("HTTP_ADDR"); addr != "" {
		return addr
	}

	if port := os.Getenv("PORT"); port != "" {
		return ":" + port
	}

	return ":8080"
}

func loadIntakeConfig() (IntakeConfig, error) {
	ttl := 30 * time.Minute
	if v := os.Getenv("PENDING_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return IntakeConfig{}, fmt.Errorf("invalid PENDING_TTL %q: %w", v, err)
		}
		ttl = d
	}

	schedule := os.Getenv("SWEEP_SCHEDULE")
	if schedule == "" {
		schedule = "@every 1m"
	}

	policy := os.Getenv("UNMATCHED_IMAGES")
	if policy == "" {
		policy = UnmatchedReply
	}

	dedupSize := 2048
	if size, err := strconv.Atoi(os.Getenv("DEDUP_SIZE")); err == nil && size > 0 {
		dedupSize = size
	}

	return IntakeConfig{
		PendingTTL:      ttl,
		SweepSchedule:   schedule,
		UnmatchedImages: policy,
		DedupSize:       dedupSize,
	}, nil
}

func loadStorageConfig() StorageConfig {
	imageDir := os.Getenv("SLIPBOX_IMAGES")
	if imageDir == "" {
		imageDir = "static/images"
	}

	endpoint := os.Getenv("MINIO_ENDPOINT")
	if endpoint == "" {
		endpoint = "minio:9000"
	}

	bucket := os.Getenv("MINIO_BUCKET")
	if bucket == "" {
		bucket = "slipbox-images"
	}

	accessKey := os.Getenv("MINIO_ACCESS_KEY")
	secretKey := os.Getenv("MINIO_SECRET_KEY")

	backend := StorageLocal
	if accessKey != "" && secretKey != "" {
		backend = StorageMinIO
	}

	return StorageConfig{
		Backend:   backend,
		ImageDir:  imageDir,
		Endpoint:  endpoint,
		AccessKey: accessKey,
		SecretKey: secretKey,
		Bucket:    bucket,
		UseSSL:    os.Getenv("MINIO_USE_SSL") == "true",
	}
}

func loadLineConfig() LineConfig {
	// CHANNEL_* are the names older .env files use
	secret := firstEnv("LINE_CHANNEL_SECRET", "CHANNEL_SECRET")
	token := firstEnv("LINE_CHANNEL_ACCESS_TOKEN", "CHANNEL_ACCESS_TOKEN")

	return LineConfig{
		Enabled:            secret != "" || token != "",
		ChannelSecret:      secret,
		ChannelAccessToken: token,
	}
}

func loadBotInstance(env string) BotInstance {
	token := os.Getenv(env)

	return BotInstance{
		Enabled: token != "",
		Token:   token,
	}
}

func loadAlertsConfig() (AlertsConfig, error) {
	var chatID int64
	if v := os.Getenv("ALERT_CHAT_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return AlertsConfig{}, fmt.Errorf("invalid ALERT_CHAT_ID %q: %w", v, err)
		}
		chatID = id
	}

	return AlertsConfig{
		ChatID:   chatID,
		Cooldown: time.Hour,
	}, nil
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}
