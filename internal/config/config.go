// Package config provides environment-based configuration with fail-fast
// validation, plus the optional YAML threshold-override file.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config is the full runtime configuration of the airawared process. Load
// validates it before the first connection attempt; an invalid configuration
// terminates the process with exit code 2.
type Config struct {
	// BusURL is the MQTT broker endpoint, e.g. "tcp://localhost:1883".
	BusURL string

	// Topic is the bus topic carrying sensor readings.
	Topic string

	// QoS is the MQTT quality-of-service level for the subscription.
	// The pipeline's at-least-once semantics require 1 (the default).
	QoS byte

	// ClientID identifies this subscriber to the broker. Defaults to
	// "airaware-" followed by eight random hex characters.
	ClientID string

	// DBURL is the PostgreSQL connection string. Required.
	DBURL string

	// DBName is the logical database name, appended to DBURL when the URL
	// does not already carry one.
	DBName string

	// HTTPAddr is the listen address of the operator API.
	HTTPAddr string

	// APIJWTSecret signs and verifies operator bearer tokens (HS256).
	// When empty, authentication is disabled; dev only.
	APIJWTSecret string

	// LogLevel is the minimum level emitted by the process logger.
	LogLevel slog.Level

	// ThresholdsFile is an optional YAML file overriding alert thresholds
	// globally and per sensor.
	ThresholdsFile string

	// LedgerPath is the SQLite file backing the notification delivery
	// ledger. ":memory:" is accepted for tests.
	LedgerPath string

	Email EmailConfig
	SMS   SMSConfig

	// SlackWebhookURL and DiscordWebhookURL enable the chat channel when
	// non-empty.
	SlackWebhookURL   string
	DiscordWebhookURL string

	// DashboardURL is included in outbound notifications as a deep link.
	DashboardURL string

	// VAPIDPublicKey, VAPIDPrivateKey, and VAPIDSubject configure Web Push.
	// The keys are external inputs; they are never generated in-process.
	// Push is enabled only when both keys are set.
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubject    string

	// PipelineWorkers is the number of ingestion workers.
	PipelineWorkers int

	// NotifyWorkers is the number of notifier workers.
	NotifyWorkers int

	// NotifyQueue is the capacity of the notifier queue. A full queue
	// blocks the pipeline rather than dropping alerts.
	NotifyQueue int

	// ReplayUnresolved re-enqueues all unresolved alerts to the notifier
	// at startup.
	ReplayUnresolved bool
}

// EmailConfig configures the SMTP notification channel.
type EmailConfig struct {
	Enabled    bool
	Host       string
	Port       int
	User       string
	Pass       string
	StartTLS   bool
	Recipients []string
}

// SMSConfig configures the SMS notification channel.
type SMSConfig struct {
	Enabled    bool
	SID        string
	Token      string
	From       string
	Recipients []string
}

// PushEnabled reports whether the Web Push channel is configured.
func (c *Config) PushEnabled() bool {
	return c.VAPIDPublicKey != "" && c.VAPIDPrivateKey != ""
}

// ChatEnabled reports whether at least one chat webhook is configured.
func (c *Config) ChatEnabled() bool {
	return c.SlackWebhookURL != "" || c.DiscordWebhookURL != ""
}

// Load reads the environment, applies defaults, and validates. All
// validation failures are joined into a single error so the operator sees
// everything wrong at once.
func Load() (*Config, error) {
	cfg := &Config{
		BusURL:         envOr("BUS_URL", "tcp://localhost:1883"),
		Topic:          envOr("TOPIC", "airaware/sensors"),
		ClientID:       envOr("CLIENT_ID", "airaware-"+randomSuffix()),
		DBURL:          os.Getenv("DB_URL"),
		DBName:         envOr("DB_NAME", "AirAwareDB"),
		HTTPAddr:       envOr("HTTP_ADDR", ":8080"),
		APIJWTSecret:   os.Getenv("API_JWT_SECRET"),
		ThresholdsFile: os.Getenv("THRESHOLDS_FILE"),
		LedgerPath:     envOr("LEDGER_PATH", "airaware-ledger.db"),

		SlackWebhookURL:   os.Getenv("SLACK_WEBHOOK_URL"),
		DiscordWebhookURL: os.Getenv("DISCORD_WEBHOOK_URL"),
		DashboardURL:      os.Getenv("DASHBOARD_URL"),

		VAPIDPublicKey:  os.Getenv("VAPID_PUBLIC_KEY"),
		VAPIDPrivateKey: os.Getenv("VAPID_PRIVATE_KEY"),
		VAPIDSubject:    os.Getenv("VAPID_SUBJECT"),
	}

	var errs []error

	qos, err := envInt("QOS", 1)
	if err != nil {
		errs = append(errs, err)
	} else if qos < 0 || qos > 2 {
		errs = append(errs, fmt.Errorf("QOS %d must be 0, 1, or 2", qos))
	} else {
		cfg.QoS = byte(qos)
	}

	level, err := parseLogLevel(envOr("LOG_LEVEL", "info"))
	if err != nil {
		errs = append(errs, err)
	}
	cfg.LogLevel = level

	if cfg.PipelineWorkers, err = envInt("PIPELINE_WORKERS", 8); err != nil {
		errs = append(errs, err)
	} else if cfg.PipelineWorkers < 1 {
		errs = append(errs, fmt.Errorf("PIPELINE_WORKERS %d must be positive", cfg.PipelineWorkers))
	}
	if cfg.NotifyWorkers, err = envInt("NOTIFY_WORKERS", 16); err != nil {
		errs = append(errs, err)
	} else if cfg.NotifyWorkers < 1 {
		errs = append(errs, fmt.Errorf("NOTIFY_WORKERS %d must be positive", cfg.NotifyWorkers))
	}
	if cfg.NotifyQueue, err = envInt("NOTIFY_QUEUE", 1024); err != nil {
		errs = append(errs, err)
	} else if cfg.NotifyQueue < 1 {
		errs = append(errs, fmt.Errorf("NOTIFY_QUEUE %d must be positive", cfg.NotifyQueue))
	}

	if cfg.ReplayUnresolved, err = envBool("REPLAY_UNRESOLVED", false); err != nil {
		errs = append(errs, err)
	}

	if cfg.DBURL == "" {
		errs = append(errs, errors.New("DB_URL is required"))
	}

	if cfg.Email, err = loadEmail(); err != nil {
		errs = append(errs, err)
	}
	if cfg.SMS, err = loadSMS(); err != nil {
		errs = append(errs, err)
	}
	if cfg.PushEnabled() && cfg.VAPIDSubject == "" {
		errs = append(errs, errors.New("VAPID_SUBJECT is required when VAPID keys are set"))
	}
	if (cfg.VAPIDPublicKey == "") != (cfg.VAPIDPrivateKey == "") {
		errs = append(errs, errors.New("VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY must be set together"))
	}

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func loadEmail() (EmailConfig, error) {
	var errs []error
	ec := EmailConfig{
		Host:       os.Getenv("SMTP_HOST"),
		User:       os.Getenv("SMTP_USER"),
		Pass:       os.Getenv("SMTP_PASS"),
		Recipients: splitCSV(os.Getenv("ALERT_EMAIL_RECIPIENTS")),
	}

	var err error
	if ec.Enabled, err = envBool("EMAIL_ENABLED", false); err != nil {
		errs = append(errs, err)
	}
	if ec.Port, err = envInt("SMTP_PORT", 587); err != nil {
		errs = append(errs, err)
	}
	if ec.StartTLS, err = envBool("SMTP_STARTTLS", true); err != nil {
		errs = append(errs, err)
	}

	if ec.Enabled {
		if ec.Host == "" {
			errs = append(errs, errors.New("SMTP_HOST is required when EMAIL_ENABLED"))
		}
		// The user doubles as the From address; the channel cannot build
		// a message without it.
		if ec.User == "" {
			errs = append(errs, errors.New("SMTP_USER is required when EMAIL_ENABLED"))
		}
		if len(ec.Recipients) == 0 {
			errs = append(errs, errors.New("ALERT_EMAIL_RECIPIENTS is required when EMAIL_ENABLED"))
		}
	}
	return ec, errors.Join(errs...)
}

func loadSMS() (SMSConfig, error) {
	var errs []error
	sc := SMSConfig{
		SID:        os.Getenv("SMS_PROVIDER_SID"),
		Token:      os.Getenv("SMS_PROVIDER_TOKEN"),
		From:       os.Getenv("SMS_PROVIDER_FROM"),
		Recipients: splitCSV(os.Getenv("SMS_RECIPIENTS")),
	}

	var err error
	if sc.Enabled, err = envBool("SMS_ENABLED", false); err != nil {
		errs = append(errs, err)
	}

	if sc.Enabled {
		if sc.SID == "" || sc.Token == "" {
			errs = append(errs, errors.New("SMS_PROVIDER_SID and SMS_PROVIDER_TOKEN are required when SMS_ENABLED"))
		}
		if sc.From == "" {
			errs = append(errs, errors.New("SMS_PROVIDER_FROM is required when SMS_ENABLED"))
		}
		if len(sc.Recipients) == 0 {
			errs = append(errs, errors.New("SMS_RECIPIENTS is required when SMS_ENABLED"))
		}
	}
	return sc, errors.Join(errs...)
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL %q must be one of: debug, info, warn, error", s)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s %q is not an integer", key, v)
	}
	return n, nil
}

func envBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s %q is not a boolean", key, v)
	}
	return b, nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func randomSuffix() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "00000000"
	}
	return hex.EncodeToString(b)
}
