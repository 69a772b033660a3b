package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/bowerhall/slipbox/internal/alerts"
	"github.com/bowerhall/slipbox/internal/bot"
	"github.com/bowerhall/slipbox/internal/config"
	"github.com/bowerhall/slipbox/internal/cron"
	"github.com/bowerhall/slipbox/internal/intake"
	"github.com/bowerhall/slipbox/internal/logger"
	"github.com/bowerhall/slipbox/internal/metrics"
	"github.com/bowerhall/slipbox/internal/pending"
	"github.com/bowerhall/slipbox/internal/records"
	"github.com/bowerhall/slipbox/internal/server"
	"github.com/bowerhall/slipbox/internal/storage"
)

func init() {
	godotenv.Load()
}

func newStorage(ctx context.Context, cfg config.StorageConfig) (storage.Provider, string, error) {
	if cfg.Backend == config.StorageMinIO {
		client, err := storage.NewMinIO(storage.MinIOConfig{
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			Bucket:    cfg.Bucket,
			UseSSL:    cfg.UseSSL,
		})
		if err != nil {
			return nil, "", err
		}

		initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		if err := client.Init(initCtx); err != nil {
			return nil, "", err
		}

		logger.Info("storage configured", "backend", "minio", "endpoint", cfg.Endpoint, "bucket", client.Bucket())
		return client, "", nil
	}

	local, err := storage.NewLocal(cfg.ImageDir)
	if err != nil {
		return nil, "", err
	}

	logger.Info("storage configured", "backend", "local", "dir", local.Root())
	return local, local.Root(), nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := records.Open(cfg.DBPath)
	if err != nil {
		logger.Fatal("failed to open records database", "error", err, "path", cfg.DBPath)
	}
	defer store.Close()

	images, diskPath, err := newStorage(ctx, cfg.Storage)
	if err != nil {
		logger.Fatal("failed to set up image storage", "error", err)
	}

	sessions := pending.NewStore(cfg.Intake.PendingTTL)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.MustNewMetrics(reg)
	metrics.RegisterPending(reg, sessions.Len)

	// alerts go to Telegram once that bot exists; until then they are logged
	var alertBot *bot.Telegram
	var notify alerts.NotifyFunc
	if cfg.Alerts.ChatID != 0 && cfg.Telegram.Enabled {
		notify = func(message string) {
			if alertBot != nil {
				alertBot.Send(cfg.Alerts.ChatID, message)
			}
		}
	}
	alerter := alerts.New(notify, cfg.Alerts.Cooldown)

	dispatcher, err := intake.New(intake.Options{
		Pending:         sessions,
		Recorder:        records.NewService(store, images),
		Messages:        cfg.Messages,
		UnmatchedImages: cfg.Intake.UnmatchedImages,
		DedupSize:       cfg.Intake.DedupSize,
		Location:        cfg.Location,
		Metrics:         m,
		Alerter:         alerter,
	})
	if err != nil {
		logger.Fatal("failed to create dispatcher", "error", err)
	}

	workers := bot.NewWorkers()

	var routes []server.Registrar
	var enabledProviders []string

	if cfg.Line.Enabled {
		line, err := bot.NewLine(cfg.Line.ChannelSecret, cfg.Line.ChannelAccessToken, dispatcher, workers)
		if err != nil {
			logger.Fatal("failed to create line bot", "error", err)
		}

		routes = append(routes, line)
		enabledProviders = append(enabledProviders, "line")
	}

	var botCfgs []bot.Config
	if cfg.Telegram.Enabled {
		botCfgs = append(botCfgs, bot.Config{Provider: "telegram", Token: cfg.Telegram.Token, Workers: workers})
	}
	if cfg.Discord.Enabled {
		botCfgs = append(botCfgs, bot.Config{Provider: "discord", Token: cfg.Discord.Token, Workers: workers})
	}

	for _, botCfg := range botCfgs {
		b, err := bot.New(botCfg, dispatcher)
		if err != nil {
			logger.Fatal("failed to create bot", "provider", botCfg.Provider, "error", err)
		}

		if t, ok := b.(*bot.Telegram); ok {
			alertBot = t
		}
		enabledProviders = append(enabledProviders, b.Name())

		go runBot(ctx, b)
	}

	scheduler := cron.New(cfg.Location)
	if cfg.Intake.PendingTTL > 0 {
		if err := scheduler.AddSweep(cfg.Intake.SweepSchedule, sessions); err != nil {
			logger.Fatal("failed to schedule pending sweep", "error", err)
		}
	}
	scheduler.Start()

	srv, err := server.New(server.Options{
		Addr:     cfg.HTTPAddr,
		Records:  store,
		Images:   images,
		Pending:  sessions,
		Gatherer: reg,
		DiskPath: diskPath,
		Location: cfg.Location,
		Routes:   routes,
	})
	if err != nil {
		logger.Fatal("failed to create http server", "error", err)
	}

	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal("http server failed", "error", err)
		}
	}()

	logger.Info("slipbox started",
		"bots", enabledProviders,
		"addr", cfg.HTTPAddr,
		"db", cfg.DBPath,
		"storage", cfg.Storage.Backend,
		"pending_ttl", cfg.Intake.PendingTTL,
		"unmatched_images", cfg.Intake.UnmatchedImages,
		"tz", cfg.Timezone,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}

	// the store closes on return; let half-handled submissions finish first
	if err := workers.Wait(shutdownCtx); err != nil {
		logger.Error("events still in flight at shutdown", "error", err)
	}
	scheduler.Stop()
}

func runBot(ctx context.Context, b bot.Bot) {
	if err := b.Start(ctx); err != nil && ctx.Err() == nil {
		logger.Error("bot stopped", "bot", b.Name(), "error", err)
	}
}
