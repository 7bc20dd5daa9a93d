package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	DeviceID    string
	DatabaseURL string
	SentryDSN   string
	ScriptPath  string

	// Remote voice channel
	ChannelURL        string
	ChannelAuthSecret string
	VoiceID           string
	SampleRate        int
	TurnDetection     string // "local" or "server"

	// Local audio hardware
	AudioInputDevice string

	// Language generation
	OpenAIAPIKey string
	OpenAIModel  string

	// Session pacing
	SessionDeadline time.Duration

	// Stop phrases beyond the built-in defaults
	ExtraStopPhrases []string

	// Caregiver contact
	CaregiverName        string
	CaregiverPhone       string
	CaregiverDeviceToken string
	ParticipantName      string

	// Notifier credentials
	DiscordWebhookURL string
	TwilioAccountSID  string
	TwilioAuthToken   string
	TwilioSender      string
	APNsKeyPath       string
	APNsKeyID         string
	APNsTeamID        string
	APNsBundleID      string
	APNsProduction    bool
}

func LoadConfigFromEnv() Config {
	return Config{
		DeviceID:    getenv("DEVICE_ID", "nora-dev"),
		DatabaseURL: getenv("DATABASE_URL", ""),
		SentryDSN:   getenv("SENTRY_DSN", ""),
		ScriptPath:  getenv("SCRIPT_PATH", "scripts/morning.yaml"),

		ChannelURL:        getenv("CHANNEL_URL", "wss://voice.nora.local/v1/stream"),
		ChannelAuthSecret: os.Getenv("CHANNEL_AUTH_SECRET"), // Required - no fallback for security
		VoiceID:           getenv("VOICE_ID", "calm-1"),
		SampleRate:        getenvInt("SAMPLE_RATE", 24000),
		TurnDetection:     getenv("TURN_DETECTION", "local"),

		AudioInputDevice: getenv("AUDIO_INPUT_DEVICE", ""),

		OpenAIAPIKey: getenv("OPENAI_API_KEY", ""),
		OpenAIModel:  getenv("OPENAI_MODEL", "gpt-4o-mini"),

		SessionDeadline: getenvDuration("SESSION_DEADLINE", 15*time.Minute),

		ExtraStopPhrases: parseList(os.Getenv("EXTRA_STOP_PHRASES")),

		CaregiverName:        getenv("CAREGIVER_NAME", ""),
		CaregiverPhone:       getenv("CAREGIVER_PHONE", ""),
		CaregiverDeviceToken: getenv("CAREGIVER_DEVICE_TOKEN", ""),
		ParticipantName:      getenv("PARTICIPANT_NAME", "your loved one"),

		DiscordWebhookURL: getenv("DISCORD_WEBHOOK_URL", ""),
		TwilioAccountSID:  getenv("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:   getenv("TWILIO_AUTH_TOKEN", ""),
		TwilioSender:      getenv("TWILIO_SENDER_NUMBER", ""),
		APNsKeyPath:       getenv("APNS_KEY_PATH", ""),
		APNsKeyID:         getenv("APNS_KEY_ID", ""),
		APNsTeamID:        getenv("APNS_TEAM_ID", ""),
		APNsBundleID:      getenv("APNS_BUNDLE_ID", ""),
		APNsProduction:    getenvBool("APNS_PRODUCTION", false),
	}
}

func parseList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getenvBool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}
