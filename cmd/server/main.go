package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/suspectuso/vip-gateway/internal/clock"
	"github.com/suspectuso/vip-gateway/internal/config"
	"github.com/suspectuso/vip-gateway/internal/membership"
	"github.com/suspectuso/vip-gateway/internal/metrics"
	"github.com/suspectuso/vip-gateway/internal/notifier"
	"github.com/suspectuso/vip-gateway/internal/nowpayments"
	"github.com/suspectuso/vip-gateway/internal/storage"
	"github.com/suspectuso/vip-gateway/internal/telegram"
	"github.com/suspectuso/vip-gateway/internal/webhook"
)

func main() {
	log := newLogger(os.Stdout, "info", "text")
	slog.SetDefault(log)

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Debug("no .env file found")
	}

	cfg := config.Load()

	log = newLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)

	if err := cfg.Validate(); err != nil {
		log.Error("invalid config", "error", err)
		os.Exit(1)
	}

	clk := clock.Real()

	stores, closeStores, err := openStores(cfg, clk)
	if err != nil {
		log.Error("init storage", "error", err, "backend", cfg.StorageBackend)
		os.Exit(1)
	}
	defer closeStores()
	log.Info("storage initialized", "backend", cfg.StorageBackend)

	gateway := nowpayments.NewClient(cfg.GatewayBaseURL, cfg.GatewayAPIKey,
		nowpayments.WithTimeout(cfg.GatewayTimeout),
		nowpayments.WithRate(cfg.GatewayRPS),
	)
	log.Info("gateway client initialized", "base_url", cfg.GatewayBaseURL)

	if cfg.GatewayIPNSecret == "" {
		log.Warn("NOWPAYMENTS_IPN_SECRET not set, gateway callbacks are not authenticated")
	}

	m := metrics.New()

	deps := membership.Deps{
		Gateway: gateway,
		Pending: stores.pending,
		Ledger:  stores.ledger,
		Members: stores.members,
		Metrics: m,
		Clock:   clk,
	}

	if cfg.BotToken != "" {
		bot, err := telegram.New(cfg.BotToken, log)
		if err != nil {
			log.Error("init telegram bot", "error", err)
			os.Exit(1)
		}
		deps.Notifier = notifier.New(bot, cfg.AdminChatID, log)
		log.Info("telegram notifications enabled", "admin_chat", cfg.AdminChatID != 0)
	} else {
		log.Warn("BOT_TOKEN not set, notifications disabled")
	}

	manager := membership.NewManager(membership.SettingsFromConfig(cfg), deps, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Info("shutting down...")
		cancel()
	}()

	reconciler := membership.NewReconciler(manager, cfg.ReconcileMinAge, log)
	go reconciler.Start(ctx, cfg.ReconcileInterval)

	server := webhook.NewServer(manager, webhook.Options{
		IPNSecret:    cfg.GatewayIPNSecret,
		Metrics:      m.Handler(),
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
	}, log)

	if err := server.Start(ctx, cfg.HTTPPort); err != nil {
		log.Error("http server", "error", err)
		cancel()
		closeStores()
		os.Exit(1)
	}
	log.Info("stopped")
}

type stores struct {
	pending membership.PendingStore
	ledger  membership.LedgerStore
	members membership.MembershipStore
}

func openStores(cfg *config.Config, clk clock.Clock) (stores, func(), error) {
	if cfg.StorageBackend == config.BackendSQLite {
		db, err := storage.OpenSQLite(cfg.DBPath, clk)
		if err != nil {
			return stores{}, nil, err
		}
		return stores{
			pending: db.Pending(),
			ledger:  db.Ledger(),
			members: db.Members(),
		}, func() { db.Close() }, nil
	}

	files, err := storage.OpenFiles(cfg.DataDir, clk)
	if err != nil {
		return stores{}, nil, err
	}
	return stores{
		pending: files.Pending,
		ledger:  files.Ledger,
		members: files.Members,
	}, func() {}, nil
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	if strings.ToLower(format) == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
