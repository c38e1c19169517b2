package cfg

import (
	"flag"
	"strings"
	"testing"
	"time"
)

// validBase returns a Config with all required fields set to valid values.
func validBase() Config {
	var c Config
	fs := flag.NewFlagSet("base", flag.ContinueOnError)
	c.RegisterFlags(fs)
	_ = fs.Parse(nil)
	c.TelegramToken = "123:abc"
	c.TelegramChatID = "-100200"
	return c
}

func TestRegisterFlags_Defaults(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	if err := fs.Parse(nil); err != nil {
		t.Fatalf("parse empty args: %v", err)
	}

	checks := []struct {
		name string
		got  any
		want any
	}{
		{"Source", c.Source, SourceStdin},
		{"MaxInFlight", c.MaxInFlight, 64},
		{"ThrottleWindow", c.ThrottleWindow, 60 * time.Second},
		{"ThrottleFile", c.ThrottleFile, "/tmp/telegram_throttle_cache.json"},
		{"AggregateFile", c.AggregateFile, "/tmp/ai_class1_cache.json"},
		{"ReportSchedule", c.ReportSchedule, "@hourly"},
		{"TopOffenders", c.TopOffenders, 3},
		{"NotifyTimeout", c.NotifyTimeout, time.Second},
		{"ReportTimeout", c.ReportTimeout, 10 * time.Second},
		{"NotifyTransport", c.NotifyTransport, TransportTelegram},
		{"ModelName", c.ModelName, "severity"},
		{"APIPort", c.APIPort, 8080},
		{"DrainSeconds", c.DrainSeconds, 30},
		{"ShutdownBudgetSeconds", c.ShutdownBudgetSeconds, 45},
	}
	for _, ch := range checks {
		if ch.got != ch.want {
			t.Errorf("%s = %v, want %v", ch.name, ch.got, ch.want)
		}
	}
}

func TestRegisterFlags_Override(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	args := []string{
		"-source", "redis",
		"-redis-key", "wazuh",
		"-redis-db", "2",
		"-throttle-window", "90s",
		"-max-inflight", "8",
		"-notify-transport", "slack",
		"-slack-webhook-url", "https://hooks.slack.com/services/T/B/X",
		"-http-port", "9090",
	}
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse args: %v", err)
	}

	if c.Source != SourceRedis || c.RedisKey != "wazuh" || c.RedisDB != 2 {
		t.Errorf("redis source = %q/%q/%d", c.Source, c.RedisKey, c.RedisDB)
	}
	if c.ThrottleWindow != 90*time.Second {
		t.Errorf("ThrottleWindow = %s, want 90s", c.ThrottleWindow)
	}
	if c.MaxInFlight != 8 {
		t.Errorf("MaxInFlight = %d, want 8", c.MaxInFlight)
	}
	if c.APIPort != 9090 {
		t.Errorf("APIPort = %d, want 9090", c.APIPort)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}

	r := c.Redis()
	if r.Key != "wazuh" || r.DB != 2 || r.Addr != "127.0.0.1:6379" {
		t.Errorf("Redis() = %+v", r)
	}
}

func TestValidate_Valid(t *testing.T) {
	t.Parallel()

	c := validBase()
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}

func TestValidate_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"unknown source", func(c *Config) { c.Source = "kafka" }, "invalid SOURCE"},
		{"file source without path", func(c *Config) { c.Source = SourceFile; c.AlertsFile = " " }, "ALERTS_FILE is required"},
		{"redis without key", func(c *Config) { c.Source = SourceRedis; c.RedisKey = "" }, "REDIS_KEY is required"},
		{"redis negative db", func(c *Config) { c.Source = SourceRedis; c.RedisDB = -1 }, "invalid REDIS_DB"},
		{"redis zero block", func(c *Config) { c.Source = SourceRedis; c.RedisBlockTimeout = 0 }, "invalid REDIS_BLOCK_TIMEOUT"},
		{"zero inflight", func(c *Config) { c.MaxInFlight = 0 }, "invalid MAX_INFLIGHT"},
		{"huge inflight", func(c *Config) { c.MaxInFlight = 5000 }, "invalid MAX_INFLIGHT"},
		{"zero unit timeout", func(c *Config) { c.UnitTimeout = 0 }, "invalid UNIT_TIMEOUT"},
		{"no model dir", func(c *Config) { c.ModelDir = "" }, "MODEL_DIR is required"},
		{"no model name", func(c *Config) { c.ModelName = "" }, "MODEL_NAME is required"},
		{"no throttle file", func(c *Config) { c.ThrottleFile = "" }, "THROTTLE_FILE is required"},
		{"zero window", func(c *Config) { c.ThrottleWindow = 0 }, "invalid THROTTLE_WINDOW"},
		{"no aggregate file", func(c *Config) { c.AggregateFile = "" }, "AGGREGATE_FILE is required"},
		{"same cache files", func(c *Config) { c.AggregateFile = c.ThrottleFile }, "must differ"},
		{"zero journal", func(c *Config) { c.JournalSize = 0 }, "invalid JOURNAL_SIZE"},
		{"negative slow query", func(c *Config) { c.SlowQuery = -time.Second }, "invalid SLOW_QUERY"},
		{"bad schedule", func(c *Config) { c.ReportSchedule = "every hour" }, "REPORT_SCHEDULE"},
		{"zero top", func(c *Config) { c.TopOffenders = 0 }, "invalid TOP_OFFENDERS"},
		{"zero report timeout", func(c *Config) { c.ReportTimeout = 0 }, "invalid REPORT_TIMEOUT"},
		{"zero notify timeout", func(c *Config) { c.NotifyTimeout = 0 }, "invalid NOTIFY_TIMEOUT"},
		{"unknown transport", func(c *Config) { c.NotifyTransport = "email" }, "invalid NOTIFY_TRANSPORT"},
		{"telegram without token", func(c *Config) { c.TelegramToken = "" }, "telegram token is required"},
		{"slack without url", func(c *Config) { c.NotifyTransport = TransportSlack }, "SLACK_WEBHOOK_URL"},
		{"drain too large", func(c *Config) { c.DrainSeconds = 301 }, "invalid DRAIN_SECONDS"},
		{"budget zero", func(c *Config) { c.ShutdownBudgetSeconds = 0 }, "invalid SHUTDOWN_BUDGET_SECONDS"},
		{"budget not above drain", func(c *Config) { c.DrainSeconds = 45 }, "must be greater than DRAIN_SECONDS"},
		{"port zero", func(c *Config) { c.APIPort = 0 }, "invalid HTTP_PORT"},
		{"port too large", func(c *Config) { c.APIPort = 65536 }, "invalid HTTP_PORT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := validBase()
			tt.mutate(&c)
			err := c.Validate()
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestValidate_NoTransportNeedsNoCredentials(t *testing.T) {
	t.Parallel()

	c := validBase()
	c.NotifyTransport = TransportNone
	c.TelegramToken, c.TelegramChatID = "", ""
	if err := c.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}

func TestValidate_DatabaseSkipsJournalSize(t *testing.T) {
	t.Parallel()

	c := validBase()
	c.DatabaseURL = "postgres://localhost/sentinel"
	c.JournalSize = 0
	if err := c.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}

func TestValidate_JoinsErrors(t *testing.T) {
	t.Parallel()

	c := validBase()
	c.APIPort = 0
	c.MaxInFlight = 0
	c.NotifyTransport = "pager"

	err := c.Validate()
	if err == nil {
		t.Fatal("Validate() = nil, want error")
	}
	for _, want := range []string{"HTTP_PORT", "MAX_INFLIGHT", "NOTIFY_TRANSPORT"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error missing %s: %v", want, err)
		}
	}
}
