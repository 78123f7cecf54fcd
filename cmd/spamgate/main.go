package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/endharassment/spamgate/internal/audit"
	"github.com/endharassment/spamgate/internal/ban"
	"github.com/endharassment/spamgate/internal/config"
	"github.com/endharassment/spamgate/internal/gate"
	"github.com/endharassment/spamgate/internal/notify"
	"github.com/endharassment/spamgate/internal/policy"
	"github.com/endharassment/spamgate/internal/profile"
	"github.com/endharassment/spamgate/internal/server"
	"github.com/endharassment/spamgate/internal/sfs"
	"github.com/endharassment/spamgate/internal/store"
	"github.com/redis/go-redis/v9"
)

func main() {
	listenAddr := flag.String("listen", envOr("SPAMGATE_LISTEN", ":8080"), "HTTP listen address")
	dbPath := flag.String("db", envOr("SPAMGATE_DB_PATH", "./spamgate.db"), "SQLite database path")
	settingsPath := flag.String("settings", os.Getenv("SPAMGATE_SETTINGS"), "YAML settings file (defaults apply when empty)")
	jsonLogs := flag.Bool("json-logs", os.Getenv("SPAMGATE_JSON_LOGS") != "", "emit JSON logs")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	alertInterval, err := time.ParseDuration(envOr("SPAMGATE_ALERT_INTERVAL", "15m"))
	if err != nil {
		log.Fatalf("Invalid SPAMGATE_ALERT_INTERVAL: %v", err)
	}

	cfg := server.Config{
		ListenAddr:    *listenAddr,
		DBPath:        *dbPath,
		SettingsPath:  *settingsPath,
		AdminAPIKey:   os.Getenv("SPAMGATE_ADMIN_KEY"),
		SendGridKey:   os.Getenv("SPAMGATE_SENDGRID_KEY"),
		AlertFrom:     envOr("SPAMGATE_ALERT_FROM", "spamgate@localhost"),
		AlertTo:       splitList(os.Getenv("SPAMGATE_ALERT_TO")),
		AlertInterval: alertInterval,
		RedisAddr:     os.Getenv("SPAMGATE_REDIS_ADDR"),
		RateLimits:    server.DefaultRateLimiterConfig(),
	}

	settings := config.Default()
	if cfg.SettingsPath != "" {
		settings, err = config.Load(cfg.SettingsPath)
		if err != nil {
			log.Fatalf("Failed to load settings: %v", err)
		}
	}
	if key := os.Getenv("SPAMGATE_SFS_API_KEY"); key != "" {
		settings.APIKey = key
	}

	level := slog.LevelInfo
	if settings.DebugLog {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if *jsonLogs {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	if cfg.AdminAPIKey == "" {
		logger.Warn("SPAMGATE_ADMIN_KEY is not set; admin routes are disabled")
	}

	db, err := store.NewSQLiteStore(ctx, cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	client := sfs.NewClient(settings, logger)

	bans := ban.NewController(db, settings, logger)
	bans.OnBansUpdated(func() {
		logger.Info("ban list changed")
	})

	auditLog := audit.NewLogger(db, settings.DebugLog, logger)
	checker := gate.NewChecker(settings, client, policy.NewEvaluator(settings, bans, logger), auditLog, logger)

	if cfg.SendGridKey != "" && len(cfg.AlertTo) > 0 {
		alerter := notify.NewAlerter(&notify.SendGridSender{APIKey: cfg.SendGridKey}, notify.Config{
			FromAddress: cfg.AlertFrom,
			FromName:    "spamgate",
			To:          cfg.AlertTo,
			MinInterval: cfg.AlertInterval,
		}, logger)
		checker.SetAlerter(alerter)
		defer alerter.Wait()
		log.Printf("Operator alerts enabled for %d recipients", len(cfg.AlertTo))
	}

	var cache profile.Cache = profile.NewMemoryCache(profile.DefaultCacheTTL)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			log.Fatalf("Failed to reach redis at %s: %v", cfg.RedisAddr, err)
		}
		pingCancel()
		cache = profile.NewRedisCache(rdb, profile.DefaultCacheTTL, logger)
	}
	tracker := profile.NewTracker(client, cache, profile.NewASNClient(), profile.NewRDAPClient(), logger)

	srv := server.NewServer(cfg, server.Deps{
		Checker: checker,
		Audit:   auditLog,
		Bans:    bans,
		Tracker: tracker,
		Client:  client,
		Store:   db,
	}, logger)
	defer srv.Stop()

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("Listening on %s", cfg.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
