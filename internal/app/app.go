// Package app wires configuration, persistence, notifiers and the session
// core into one runnable check-in device.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dbrezina/nora/internal/audiodev"
	"github.com/dbrezina/nora/internal/eventlog"
	"github.com/dbrezina/nora/internal/llm"
	"github.com/dbrezina/nora/internal/notifications"
	"github.com/dbrezina/nora/internal/realtime"
	"github.com/dbrezina/nora/internal/script"
	"github.com/dbrezina/nora/internal/session"
	"github.com/dbrezina/nora/internal/store"
)

type App struct {
	cfg    Config
	logger *log.Logger

	db       *pgxpool.Pool
	store    *store.Store
	eventLog *eventlog.Logger
	llm      llm.Client
	script   *script.Script

	discord *notifications.Discord
	apns    *notifications.APNsClient
	sms     *notifications.SMSClient
}

// New builds the app. The database is optional: a device without a link
// still runs sessions, it just cannot persist or report them centrally.
func New(cfg Config, logger *log.Logger) (*App, error) {
	if cfg.ChannelAuthSecret == "" {
		return nil, errors.New("CHANNEL_AUTH_SECRET is required")
	}

	a := &App{cfg: cfg, logger: logger}

	if cfg.DatabaseURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		db, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		if err := db.Ping(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping database: %w", err)
		}
		a.db = db
		a.store = store.New(db)
		a.eventLog = eventlog.New(db)
	} else {
		logger.Printf("app: no DATABASE_URL, running without persistence")
	}

	if cfg.OpenAIAPIKey != "" {
		a.llm = llm.NewOpenAIClient(llm.OpenAIConfig{
			APIKey: cfg.OpenAIAPIKey,
			Model:  cfg.OpenAIModel,
		})
	} else {
		logger.Printf("app: no OPENAI_API_KEY, using scripted acknowledgments only")
	}

	sc, err := script.Load(cfg.ScriptPath)
	if err != nil {
		return nil, err
	}
	a.script = sc

	a.discord = notifications.NewDiscord(cfg.DiscordWebhookURL, logger)
	a.apns, err = notifications.NewAPNsClient(notifications.APNsConfig{
		KeyPath:    cfg.APNsKeyPath,
		KeyID:      cfg.APNsKeyID,
		TeamID:     cfg.APNsTeamID,
		BundleID:   cfg.APNsBundleID,
		Production: cfg.APNsProduction,
	}, logger)
	if err != nil {
		return nil, err
	}
	a.sms, err = notifications.NewSMSClient(notifications.SMSConfig{
		AccountSID:   cfg.TwilioAccountSID,
		AuthToken:    cfg.TwilioAuthToken,
		SenderNumber: cfg.TwilioSender,
	}, logger)
	if err != nil {
		return nil, err
	}

	return a, nil
}

// RunSession runs one complete check-in and reports its outcome. The
// returned outcome is never nil.
func (a *App) RunSession(ctx context.Context, reg *session.Registry) (*session.Outcome, error) {
	if !reg.Add() {
		return nil, errors.New("registry draining, session refused")
	}
	defer reg.Done()

	device, err := audiodev.Open(audiodev.Config{
		SampleRate: a.cfg.SampleRate,
		InputName:  a.cfg.AudioInputDevice,
		Logger:     a.logger,
	})
	if err != nil {
		// No audio hardware means no session at all; report and bail.
		sentry.CaptureException(err)
		return nil, fmt.Errorf("open audio device: %w", err)
	}
	defer device.Close()

	sess := session.New(session.Params{
		Script:          a.script,
		Device:          device,
		LLM:             a.llm,
		Store:           a.store,
		Diag:            a.eventLog,
		Logger:          a.logger,
		TurnSource:      a.turnSource(),
		StopPhrases:     a.cfg.ExtraStopPhrases,
		SessionDeadline: a.cfg.SessionDeadline,
	})

	channel := realtime.NewClient(realtime.Config{
		URL:           a.cfg.ChannelURL,
		DeviceID:      a.cfg.DeviceID,
		AuthSecret:    a.cfg.ChannelAuthSecret,
		Voice:         a.cfg.VoiceID,
		SampleRate:    a.cfg.SampleRate,
		TurnDetection: a.cfg.TurnDetection,
		Logger:        a.logger,
		Events:        sess.Queue(),
		Audio:         device,
	})
	sess.SetChannel(channel)

	if err := a.store.InsertSession(ctx, store.Session{
		ID:        sess.ID(),
		DeviceID:  a.cfg.DeviceID,
		ScriptID:  a.script.ID,
		StartedAt: time.Now().UTC(),
	}); err != nil {
		a.logger.Printf("app: insert session: %v", err)
	}

	outcome := sess.Run(ctx)

	if outcome.Status == session.OutcomeError && outcome.Err != "" {
		sentry.CaptureMessage(fmt.Sprintf("session %s failed: %s", outcome.SessionID, outcome.Err))
	}

	a.persistOutcome(outcome)
	a.notify(outcome)
	return outcome, nil
}

func (a *App) turnSource() session.Source {
	if a.cfg.TurnDetection == "server" {
		return session.SourceChannel
	}
	return session.SourceLocal
}

func (a *App) persistOutcome(out *session.Outcome) {
	if a.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	u := store.OutcomeUpdate{
		Status:     string(out.Status),
		TurnCount:  out.TurnCount,
		DurationMs: out.DurationMs,
		EndedAt:    time.Now().UTC(),
	}
	if out.Err != "" {
		u.Error = &out.Err
	}
	if out.Sentiment != nil {
		u.SentimentLabel = &out.Sentiment.Label
		u.SentimentScore = &out.Sentiment.Score
		u.SentimentSummary = &out.Sentiment.Summary
	}
	if err := a.store.UpdateSessionOutcome(ctx, out.SessionID, u); err != nil {
		a.logger.Printf("app: persist outcome: %v", err)
	}
}

// notify fans the outcome out to whoever is watching. All paths are
// best-effort; a failed notification never fails the session.
func (a *App) notify(out *session.Outcome) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	summary := notifications.SessionSummary{
		SessionID:  out.SessionID,
		DeviceID:   a.cfg.DeviceID,
		ScriptID:   out.ScriptID,
		Status:     string(out.Status),
		TurnCount:  out.TurnCount,
		DurationMs: out.DurationMs,
		Error:      out.Err,
	}
	if out.Sentiment != nil {
		summary.Sentiment = fmt.Sprintf("%s (%.2f)", out.Sentiment.Label, out.Sentiment.Score)
	}
	a.discord.NotifySessionEnded(ctx, summary)

	alerting := out.Status == session.OutcomeUnattended || out.Status == session.OutcomeError
	concern := out.Sentiment != nil && out.Sentiment.Label == "concerning"
	if !alerting && !concern {
		return
	}

	if out.Status == session.OutcomeUnattended {
		a.discord.NotifyUnattended(ctx, a.cfg.DeviceID, out.SessionID)
	}

	if a.cfg.CaregiverDeviceToken != "" {
		alert := notifications.SessionAlert{
			SessionID: out.SessionID,
			DeviceID:  a.cfg.DeviceID,
			Status:    string(out.Status),
		}
		if out.Sentiment != nil {
			alert.Summary = out.Sentiment.Summary
		}
		if err := a.apns.SendSessionAlert(a.cfg.CaregiverDeviceToken, alert); err != nil {
			a.logger.Printf("app: caregiver push: %v", err)
		}
	}

	if a.cfg.CaregiverPhone != "" {
		var err error
		switch {
		case out.Status == session.OutcomeUnattended:
			err = a.sms.SendUnattendedAlert(ctx, a.cfg.CaregiverPhone, a.cfg.ParticipantName, out.StartedAt)
		case out.Status == session.OutcomeError:
			err = a.sms.SendErrorAlert(ctx, a.cfg.CaregiverPhone, a.cfg.ParticipantName)
		case concern:
			err = a.sms.SendConcernAlert(ctx, a.cfg.CaregiverPhone, out.Sentiment.Summary)
		}
		if err != nil {
			a.logger.Printf("app: caregiver sms: %v", err)
		}
	}
}

func (a *App) Close() error {
	if a.db != nil {
		a.db.Close()
	}
	return nil
}
