package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/dbrezina/nora/internal/app"
	"github.com/dbrezina/nora/internal/session"
)

func main() {
	cfg := app.LoadConfigFromEnv()

	logger := log.New(os.Stdout, "", log.LstdFlags)

	// Initialize Sentry for error monitoring
	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: getEnvironment(),
		})
		if err != nil {
			logger.Printf("sentry init failed: %v", err)
		} else {
			logger.Printf("sentry initialized")
			defer sentry.Flush(2 * time.Second)
		}
	}

	a, err := app.New(cfg, logger)
	if err != nil {
		if cfg.SentryDSN != "" {
			sentry.CaptureException(err)
			sentry.Flush(2 * time.Second)
		}
		logger.Fatalf("init app: %v", err)
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := session.NewRegistry()

	// On shutdown refuse new sessions; the one in flight finishes its
	// goodbye through the cancelled context.
	go func() {
		<-ctx.Done()
		reg.StartDraining()
	}()

	outcome, err := a.RunSession(ctx, reg)
	if err != nil {
		sentry.CaptureException(err)
		logger.Fatalf("run session: %v", err)
	}

	reg.Wait()

	switch outcome.Status {
	case session.OutcomeSuccess, session.OutcomeEarlyExit:
		os.Exit(0)
	case session.OutcomeUnattended:
		os.Exit(2)
	default:
		os.Exit(1)
	}
}

func getEnvironment() string {
	if env := os.Getenv("ENVIRONMENT"); env != "" {
		return env
	}
	return "development"
}
