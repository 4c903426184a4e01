package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"dairyfarm/backend/internal/api"
	"dairyfarm/backend/internal/archive"
	"dairyfarm/backend/internal/balance"
	"dairyfarm/backend/internal/config"
	"dairyfarm/backend/internal/database"
	"dairyfarm/backend/internal/scheduler"
	"dairyfarm/backend/pkg/logger"
)

func main() {
	if err := config.LoadEnvFiles(".env", "backend/.env"); err != nil {
		log.Printf("warning: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	baseLogger, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = baseLogger.Sync() }()
	zap.ReplaceGlobals(baseLogger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := database.NewPool(ctx, cfg.DatabaseURL, logger.Named(baseLogger, "database"))
	if err != nil {
		baseLogger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.EnsureSchema(ctx, pool, cfg.SchemaPath); err != nil {
		baseLogger.Fatal("failed to apply schema", zap.Error(err))
	}

	sinks, closeSinks := buildSinks(cfg, logger.Named(baseLogger, "archive"))
	defer closeSinks()

	loc := cfg.Location()
	fanout := archive.NewFanout(logger.Named(baseLogger, "archive"), sinks...)
	balanceSvc := balance.NewService(balance.NewPGStore(pool), loc,
		balance.WithPublisher(fanout),
		balance.WithLogger(logger.Named(baseLogger, "balance")))

	dayEnd, err := scheduler.NewDayEnd(scheduler.Options{
		Active:               cfg.DayEnd.Enabled,
		DayEndHour:           cfg.DayEnd.DayEndHour,
		TriggerMinutesBefore: cfg.DayEnd.TriggerMinutesBefore,
		Location:             loc,
	}, balanceSvc, logger.Named(baseLogger, "scheduler.dayend"))
	if err != nil {
		baseLogger.Fatal("failed to configure day-end trigger", zap.Error(err))
	}
	if err := dayEnd.Start(); err != nil {
		baseLogger.Fatal("failed to start day-end trigger", zap.Error(err))
	}
	defer dayEnd.Stop()

	apiServer := api.NewServer(pool, balanceSvc, api.Options{
		JWTSecret:          cfg.JWTSecret,
		Location:           loc,
		Logger:             logger.Named(baseLogger, "api"),
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		TrustedProxies:     cfg.TrustedProxies,
		RequestTimeout:     cfg.RequestTimeout,
		LoginRateLimit:     cfg.LoginRateLimit,
		CalfMaturityMonths: cfg.CalfMaturityMonths,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           apiServer.Mux(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		baseLogger.Info("dairy farm backend starting",
			zap.String("port", cfg.Port),
			zap.String("timezone", loc.String()),
			zap.Int("archive_sinks", fanout.Len()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			baseLogger.Fatal("http server crashed", zap.Error(err))
		}
	}()

	<-sigCtx.Done()
	baseLogger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		baseLogger.Error("graceful shutdown failed", zap.Error(err))
	}
	dayEnd.Stop()
	if err := balanceSvc.Drain(shutdownCtx); err != nil {
		baseLogger.Error("archive publishes still running at exit", zap.Error(err))
	}
}

// buildSinks opens every archive destination that is configured. A sink that
// fails to open is logged and skipped so the API still starts.
func buildSinks(cfg config.Config, log *zap.Logger) ([]archive.Sink, func()) {
	// Sink clients live for the whole process, not just startup.
	ctx := context.Background()
	var sinks []archive.Sink
	var closers []func(context.Context) error

	if cfg.Mongo.URI != "" {
		m, err := archive.NewMongoSink(ctx, cfg.Mongo.URI, cfg.Mongo.DBName)
		if err != nil {
			log.Error("mongodb archive disabled", zap.Error(err))
		} else {
			sinks = append(sinks, m)
			closers = append(closers, m.Close)
		}
	}

	if cfg.Sheets.CredentialsPath != "" && cfg.Sheets.SpreadsheetID != "" {
		sh, err := archive.NewSheetsSink(ctx, cfg.Sheets.CredentialsPath, cfg.Sheets.SpreadsheetID, cfg.Sheets.Range)
		if err != nil {
			log.Error("sheets archive disabled", zap.Error(err))
		} else {
			sinks = append(sinks, sh)
		}
	}

	if mail := archive.NewMailSink(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Username, cfg.SMTP.Password,
		cfg.SMTP.FromName, cfg.SMTP.FromEmail, cfg.SMTP.ReportEmail); mail != nil {
		sinks = append(sinks, mail)
	}

	for _, s := range sinks {
		log.Info("archive sink enabled", zap.String("sink", s.Name()))
	}

	return sinks, func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, c := range closers {
			if err := c(closeCtx); err != nil {
				log.Error("failed to close archive sink", zap.Error(err))
			}
		}
	}
}
