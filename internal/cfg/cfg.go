// Package cfg holds the service-level configuration of sentinel. Component
// packages with their own knobs (audit, log) register their flags next to it.
package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/linnemanlabs/sentinel/internal/input/redis"
	"github.com/linnemanlabs/sentinel/internal/notify"
	"github.com/linnemanlabs/sentinel/internal/notify/telegram"
	"github.com/linnemanlabs/sentinel/internal/report"
	"github.com/linnemanlabs/sentinel/internal/stream"
	"github.com/linnemanlabs/sentinel/internal/throttle"
	"github.com/linnemanlabs/sentinel/internal/triage/memstore"
)

// Alert sources.
const (
	SourceStdin = "stdin"
	SourceFile  = "file"
	SourceRedis = "redis"
)

// Notification transports.
const (
	TransportNone     = "none"
	TransportTelegram = "telegram"
	TransportSlack    = "slack"
)

// Config is the service configuration, filled from flags and SENTINEL_* env.
type Config struct {
	// Input
	Source     string
	AlertsFile string
	FromStart  bool

	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	RedisKey          string
	RedisBlockTimeout time.Duration

	// Triage units
	MaxInFlight int
	UnitTimeout time.Duration
	PolicyFile  string

	// Classifier artifact
	ModelDir  string
	ModelName string

	// Stores
	ThrottleFile   string
	ThrottleWindow time.Duration
	AggregateFile  string
	DatabaseURL    string
	JournalSize    int
	SlowQuery      time.Duration

	// Reporting
	ReportSchedule string
	TopOffenders   int
	ReportTimeout  time.Duration

	// Notification
	NotifyTransport string
	NotifyTimeout   time.Duration
	TelegramToken   string
	TelegramChatID  string
	TelegramAPIURL  string
	SlackWebhookURL string

	// HTTP
	APIPort               int
	APIToken              string
	DrainSeconds          int
	ShutdownBudgetSeconds int
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Source, "source", SourceStdin, "alert source: stdin, file or redis")
	fs.StringVar(&c.AlertsFile, "alerts-file", "/var/ossec/logs/alerts/alerts.json", "alerts file followed when -source=file")
	fs.BoolVar(&c.FromStart, "from-start", false, "read the alerts file from the beginning instead of its end")

	fs.StringVar(&c.RedisAddr, "redis-addr", "127.0.0.1:6379", "Redis address for -source=redis")
	fs.StringVar(&c.RedisPassword, "redis-password", "", "Redis password")
	fs.IntVar(&c.RedisDB, "redis-db", 0, "Redis database number")
	fs.StringVar(&c.RedisKey, "redis-key", "sentinel:alerts", "Redis list holding NDJSON alerts")
	fs.DurationVar(&c.RedisBlockTimeout, "redis-block-timeout", redis.DefaultBlockTimeout, "BLPOP timeout per poll")

	fs.IntVar(&c.MaxInFlight, "max-inflight", stream.DefaultMaxInFlight, "maximum concurrent triage units (1..4096)")
	fs.DurationVar(&c.UnitTimeout, "unit-timeout", stream.DefaultUnitTimeout, "deadline for one triage unit")
	fs.StringVar(&c.PolicyFile, "policy-file", "", "YAML routing policy (empty = built-in defaults)")

	fs.StringVar(&c.ModelDir, "model-dir", "models", "directory holding the classifier artifact and feature_columns.txt")
	fs.StringVar(&c.ModelName, "model-name", "severity", "classifier name; the artifact is latest_<name>.json")

	fs.StringVar(&c.ThrottleFile, "throttle-file", "/tmp/telegram_throttle_cache.json", "persisted throttle cache")
	fs.DurationVar(&c.ThrottleWindow, "throttle-window", throttle.DefaultWindow, "quiet period per rule and source address")
	fs.StringVar(&c.AggregateFile, "aggregate-file", "/tmp/ai_class1_cache.json", "persisted medium-severity aggregation cache")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory journal)")
	fs.IntVar(&c.JournalSize, "journal-size", memstore.DefaultSize, "results kept by the in-memory journal")
	fs.DurationVar(&c.SlowQuery, "slow-query", 0, "log successful queries at or above this duration (0 = all)")

	fs.StringVar(&c.ReportSchedule, "report-schedule", report.DefaultSchedule, "cron schedule of the aggregation report")
	fs.IntVar(&c.TopOffenders, "top-offenders", report.DefaultTopN, "source addresses listed per report")
	fs.DurationVar(&c.ReportTimeout, "report-timeout", notify.DefaultSummaryTimeout, "deadline for sending one report")

	fs.StringVar(&c.NotifyTransport, "notify-transport", TransportTelegram, "notification transport: telegram, slack or none")
	fs.DurationVar(&c.NotifyTimeout, "notify-timeout", notify.DefaultTimeout, "deadline for one critical notification")
	fs.StringVar(&c.TelegramToken, "telegram-token", "", "Telegram bot token")
	fs.StringVar(&c.TelegramChatID, "telegram-chat-id", "", "Telegram chat id")
	fs.StringVar(&c.TelegramAPIURL, "telegram-api-url", telegram.DefaultAPIURL, "Telegram Bot API base URL")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack incoming webhook URL")

	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token for /api/v1 (empty = no auth)")
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 30, "seconds to wait for in-flight triage to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 45, "total seconds for component shutdown after drain (1..300)")
}

// Telegram returns the Telegram transport settings.
func (c *Config) Telegram() telegram.Config {
	return telegram.Config{Token: c.TelegramToken, ChatID: c.TelegramChatID, APIURL: c.TelegramAPIURL}
}

// Redis returns the Redis source settings.
func (c *Config) Redis() redis.Config {
	return redis.Config{
		Addr:         c.RedisAddr,
		Password:     c.RedisPassword,
		DB:           c.RedisDB,
		Key:          c.RedisKey,
		BlockTimeout: c.RedisBlockTimeout,
	}
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	switch c.Source {
	case SourceStdin:
	case SourceFile:
		if strings.TrimSpace(c.AlertsFile) == "" {
			errs = append(errs, errors.New("ALERTS_FILE is required when SOURCE=file"))
		}
	case SourceRedis:
		if strings.TrimSpace(c.RedisKey) == "" {
			errs = append(errs, errors.New("REDIS_KEY is required when SOURCE=redis"))
		}
		if c.RedisDB < 0 {
			errs = append(errs, fmt.Errorf("invalid REDIS_DB %d (must be >= 0)", c.RedisDB))
		}
		if c.RedisBlockTimeout <= 0 {
			errs = append(errs, fmt.Errorf("invalid REDIS_BLOCK_TIMEOUT %s (must be > 0)", c.RedisBlockTimeout))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid SOURCE %q (must be stdin, file or redis)", c.Source))
	}

	if c.MaxInFlight <= 0 || c.MaxInFlight > 4096 {
		errs = append(errs, fmt.Errorf("invalid MAX_INFLIGHT %d (must be 1..4096)", c.MaxInFlight))
	}
	if c.UnitTimeout <= 0 {
		errs = append(errs, fmt.Errorf("invalid UNIT_TIMEOUT %s (must be > 0)", c.UnitTimeout))
	}
	if strings.TrimSpace(c.ModelDir) == "" {
		errs = append(errs, errors.New("MODEL_DIR is required"))
	}
	if strings.TrimSpace(c.ModelName) == "" {
		errs = append(errs, errors.New("MODEL_NAME is required"))
	}

	if strings.TrimSpace(c.ThrottleFile) == "" {
		errs = append(errs, errors.New("THROTTLE_FILE is required"))
	}
	if c.ThrottleWindow <= 0 {
		errs = append(errs, fmt.Errorf("invalid THROTTLE_WINDOW %s (must be > 0)", c.ThrottleWindow))
	}
	if strings.TrimSpace(c.AggregateFile) == "" {
		errs = append(errs, errors.New("AGGREGATE_FILE is required"))
	}
	if c.ThrottleFile != "" && c.ThrottleFile == c.AggregateFile {
		errs = append(errs, errors.New("THROTTLE_FILE and AGGREGATE_FILE must differ"))
	}
	if c.DatabaseURL == "" && c.JournalSize <= 0 {
		errs = append(errs, fmt.Errorf("invalid JOURNAL_SIZE %d (must be > 0)", c.JournalSize))
	}
	if c.SlowQuery < 0 {
		errs = append(errs, fmt.Errorf("invalid SLOW_QUERY %s (must be >= 0)", c.SlowQuery))
	}

	if err := report.ValidateSchedule(c.ReportSchedule); err != nil {
		errs = append(errs, fmt.Errorf("REPORT_SCHEDULE: %w", err))
	}
	if c.TopOffenders <= 0 {
		errs = append(errs, fmt.Errorf("invalid TOP_OFFENDERS %d (must be > 0)", c.TopOffenders))
	}
	if c.ReportTimeout <= 0 {
		errs = append(errs, fmt.Errorf("invalid REPORT_TIMEOUT %s (must be > 0)", c.ReportTimeout))
	}

	if c.NotifyTimeout <= 0 {
		errs = append(errs, fmt.Errorf("invalid NOTIFY_TIMEOUT %s (must be > 0)", c.NotifyTimeout))
	}
	switch c.NotifyTransport {
	case TransportNone:
	case TransportTelegram:
		if err := c.Telegram().Validate(); err != nil {
			errs = append(errs, fmt.Errorf("NOTIFY_TRANSPORT=telegram: %w", err))
		}
	case TransportSlack:
		if u, err := url.Parse(c.SlackWebhookURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, errors.New("SLACK_WEBHOOK_URL must be an absolute URL when NOTIFY_TRANSPORT=slack"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid NOTIFY_TRANSPORT %q (must be telegram, slack or none)", c.NotifyTransport))
	}

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	return errors.Join(errs...)
}
