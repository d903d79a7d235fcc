package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dukerupert/nightwatch/internal/auth"
	"github.com/dukerupert/nightwatch/internal/availability"
	"github.com/dukerupert/nightwatch/internal/backup"
	"github.com/dukerupert/nightwatch/internal/booking"
	"github.com/dukerupert/nightwatch/internal/config"
	"github.com/dukerupert/nightwatch/internal/database"
	"github.com/dukerupert/nightwatch/internal/email"
	"github.com/dukerupert/nightwatch/internal/gamification"
	"github.com/dukerupert/nightwatch/internal/jobs"
	"github.com/dukerupert/nightwatch/internal/logging"
	"github.com/dukerupert/nightwatch/internal/model"
	"github.com/dukerupert/nightwatch/internal/outbox"
	"github.com/dukerupert/nightwatch/internal/push"
	"github.com/dukerupert/nightwatch/internal/recurrence"
	"github.com/dukerupert/nightwatch/internal/server"
	"github.com/dukerupert/nightwatch/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	if flag.Arg(0) == "vapid" {
		pub, priv, err := push.GenerateVAPIDKeys()
		if err != nil {
			fmt.Fprintf(os.Stderr, "generate VAPID keys: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("NIGHTWATCH_PUSH_VAPID_PUBLIC_KEY=%s\nNIGHTWATCH_PUSH_VAPID_PRIVATE_KEY=%s\n", pub, priv)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.Setup(cfg.LogLevel)

	backupCfg := backup.Config{
		S3: backup.S3Config{
			Endpoint:  cfg.Backup.S3.Endpoint,
			Bucket:    cfg.Backup.S3.Bucket,
			Region:    cfg.Backup.S3.Region,
			AccessKey: cfg.Backup.S3.AccessKey,
			SecretKey: cfg.Backup.S3.SecretKey,
		},
		Passphrase: cfg.Backup.Passphrase,
		Prefix:     cfg.Backup.Prefix,
		Retention:  cfg.Backup.Retention,
	}

	// restore [key] writes a snapshot next to the configured database path.
	if flag.Arg(0) == "restore" {
		dst := cfg.DBPath + ".restored"
		mgr := backup.NewManager(backupCfg, nil, logging.Component(logger, "backup"))
		if err := mgr.Restore(context.Background(), flag.Arg(1), dst); err != nil {
			slog.Error("restore failed", "error", err)
			os.Exit(1)
		}
		fmt.Printf("restored to %s; stop the server and move it over %s\n", dst, cfg.DBPath)
		return
	}

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	backups := backup.NewManager(backupCfg, db, logging.Component(logger, "backup"))
	if flag.Arg(0) == "backup" {
		key, err := backups.Run(context.Background())
		if err != nil {
			slog.Error("backup failed", "error", err)
			os.Exit(1)
		}
		fmt.Println(key)
		return
	}

	expander := recurrence.NewExpander(cfg.Expand.MaxWindow)
	engine := gamification.NewEngine(gamification.Rules{
		EarlyBonusThreshold: cfg.Points.EarlyBonusThreshold,
		FrequencyWindow:     cfg.Points.FrequencyWindow,
		FrequencyMin:        cfg.Points.FrequencyMin,
		PromoMultiplier:     cfg.Points.PromoMultiplier,
		PromoStart:          cfg.Points.PromoStart,
		PromoEnd:            cfg.Points.PromoEnd,
		StreakPeriod:        cfg.Streak.Period,
	}, logging.Component(logger, "gamification"))
	bookings := booking.NewManager(db, expander, engine, booking.Policy{
		CancelCutoff:       cfg.Booking.CancelCutoff,
		EarlyCheckInWindow: cfg.Booking.EarlyCheckInWindow,
		LateCheckInGrace:   cfg.Booking.LateCheckInGrace,
		ReminderLead:       cfg.Booking.ReminderLead,
	}, logging.Component(logger, "booking"))

	pushSvc := push.NewService(push.Config{
		VAPIDPublicKey:  cfg.Push.VAPIDPublicKey,
		VAPIDPrivateKey: cfg.Push.VAPIDPrivateKey,
		Subject:         cfg.Push.Subject,
	})
	if !pushSvc.Enabled() {
		slog.Warn("push notifications disabled: VAPID keys not configured")
	}
	emailClient := email.NewClient(cfg.Postmark.ServerToken, cfg.Postmark.FromEmail, cfg.BaseURL)
	if !emailClient.Configured() {
		slog.Warn("email disabled: postmark server token not configured")
	}

	// Outbox dispatcher
	outboxLogger := logging.Component(logger, "outbox")
	dispatcher := outbox.NewDispatcher(outbox.NewStoreQueue(db), outbox.Config{
		PollInterval: cfg.Outbox.PollInterval,
		BatchSize:    cfg.Outbox.BatchSize,
		MaxRetries:   cfg.Outbox.MaxRetries,
		BackoffBase:  cfg.Outbox.BackoffBase,
	}, outboxLogger)
	dispatcher.Register(model.ChannelPush, push.NewSender(pushSvc, store.NewPushStore(db), logging.Component(logger, "push")))
	dispatcher.Register(model.ChannelEmail, emailClient)
	dispatcher.Register(model.ChannelAudit, outbox.NewAuditSender(logging.Component(logger, "audit")))

	if cfg.Auth.JWTSecret == "" {
		slog.Error("auth.jwt_secret is required")
		os.Exit(1)
	}

	srv := server.New(server.Deps{
		DB:             db,
		Bookings:       bookings,
		Availability:   availability.NewService(db, expander),
		Tokens:         auth.NewTokens(cfg.Auth.JWTSecret, cfg.Auth.Issuer),
		Push:           pushSvc,
		OriginPatterns: cfg.AllowedOrigins,
		Logger:         logger,
	})

	runner, err := jobs.New(db, jobs.Config{
		ReconcileSpec: cfg.Jobs.ReconcileSpec,
		CleanupSpec:   cfg.Jobs.CleanupSpec,
		Retention:     cfg.Outbox.Retention,
	}, logging.Component(logger, "jobs"), srv.RateLimiter())
	if err != nil {
		slog.Error("failed to schedule jobs", "error", err)
		os.Exit(1)
	}
	if backups.Enabled() {
		if err := runner.AddBackup(cfg.Backup.Spec, backups); err != nil {
			slog.Error("failed to schedule backups", "error", err)
			os.Exit(1)
		}
	} else {
		slog.Warn("backups disabled: storage or passphrase not configured")
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	dispatcher.Start(bgCtx)
	runner.Start()

	go func() {
		slog.Info("nightwatch starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	runner.Stop(ctx)
	dispatcher.Stop()
	bgCancel()
}
