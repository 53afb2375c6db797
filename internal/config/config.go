package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config application configuration
type Config struct {
	// Database
	DatabasePath string `env:"DATABASE_PATH" envDefault:"./data/mailrelay.db"`

	// POP3 polling
	PollInterval        time.Duration `env:"POLL_INTERVAL" envDefault:"60s"`
	POP3DialTimeout     time.Duration `env:"POP3_DIAL_TIMEOUT" envDefault:"30s"`
	POP3CommandTimeout  time.Duration `env:"POP3_COMMAND_TIMEOUT" envDefault:"60s"`
	POP3MaxMessageBytes int64         `env:"POP3_MAX_MESSAGE_BYTES" envDefault:"26214400"`

	// SMTP relay server
	SMTPEnabled         bool          `env:"SMTP_ENABLED" envDefault:"true"`
	SMTPListenAddr      string        `env:"SMTP_LISTEN_ADDR" envDefault:":2525"`
	SMTPDomain          string        `env:"SMTP_DOMAIN" envDefault:"localhost"`
	SMTPAuthRequired    bool          `env:"SMTP_AUTH_REQUIRED" envDefault:"true"`
	SMTPRequireTLS      bool          `env:"SMTP_REQUIRE_TLS" envDefault:"false"`
	SMTPTLSCert         string        `env:"SMTP_TLS_CERT"`
	SMTPTLSKey          string        `env:"SMTP_TLS_KEY"`
	SMTPMaxMessageBytes int64         `env:"SMTP_MAX_MESSAGE_BYTES" envDefault:"26214400"`
	SMTPMaxRecipients   int           `env:"SMTP_MAX_RECIPIENTS" envDefault:"50"`
	SMTPReadTimeout     time.Duration `env:"SMTP_READ_TIMEOUT" envDefault:"60s"`
	SMTPWriteTimeout    time.Duration `env:"SMTP_WRITE_TIMEOUT" envDefault:"60s"`

	// Outbound relay
	RelayDialTimeout    time.Duration `env:"RELAY_DIAL_TIMEOUT" envDefault:"30s"`
	RelayMaxAttempts    int           `env:"RELAY_MAX_ATTEMPTS" envDefault:"8"`
	RelayRetryBaseDelay time.Duration `env:"RELAY_RETRY_BASE_DELAY" envDefault:"1m"`
	RelayRetryMaxDelay  time.Duration `env:"RELAY_RETRY_MAX_DELAY" envDefault:"1h"`
	RelayRetrySchedule  string        `env:"RELAY_RETRY_SCHEDULE" envDefault:"@every 1m"`

	// Pipeline limits
	MaxAttachmentBytes int64 `env:"MAX_ATTACHMENT_BYTES" envDefault:"10485760"`
	MaxAttachmentRows  int   `env:"MAX_ATTACHMENT_ROWS" envDefault:"500"`
	MaxAttachmentChars int   `env:"MAX_ATTACHMENT_CHARS" envDefault:"10000"`
	SummaryCharBudget  int   `env:"SUMMARY_CHAR_BUDGET" envDefault:"30000"`
	ThreadContextSize  int   `env:"THREAD_CONTEXT_SIZE" envDefault:"10"`

	// Bounds each archiver and notifier call of the pipeline
	StageTimeout time.Duration `env:"STAGE_TIMEOUT" envDefault:"2m"`

	// Summarizer (optional)
	OpenAIAPIKey   string        `env:"OPENAI_API_KEY"`
	OpenAIModel    string        `env:"OPENAI_MODEL" envDefault:"gpt-4o-mini"`
	OpenAIBaseURL  string        `env:"OPENAI_BASE_URL" envDefault:"https://api.openai.com/v1"`
	SummaryTimeout time.Duration `env:"SUMMARY_TIMEOUT" envDefault:"60s"`

	// Model usage alerts, priced in USD per million tokens
	OpenAIInputPrice   float64 `env:"OPENAI_INPUT_PRICE" envDefault:"0.15"`
	OpenAIOutputPrice  float64 `env:"OPENAI_OUTPUT_PRICE" envDefault:"0.60"`
	UsageAlertStep     float64 `env:"USAGE_ALERT_STEP" envDefault:"1.0"`
	UsageCheckSchedule string  `env:"USAGE_CHECK_SCHEDULE" envDefault:"@hourly"`

	// Archive
	ArchiveRoot    string `env:"ARCHIVE_ROOT" envDefault:"./data/archive"`
	GitAuthorName  string `env:"GIT_AUTHOR_NAME" envDefault:"mailrelay"`
	GitAuthorEmail string `env:"GIT_AUTHOR_EMAIL" envDefault:"mailrelay@localhost"`
	GitPush        bool   `env:"GIT_PUSH" envDefault:"false"`

	// Notifications (optional)
	DiscordWebhookURL   string `env:"DISCORD_WEBHOOK_URL"`
	TelegramToken       string `env:"TELEGRAM_BOT_TOKEN"`
	TelegramAdminChatID int64  `env:"TELEGRAM_ADMIN_CHAT_ID"`

	// Business hours deferral
	BusinessHoursEnabled bool   `env:"BUSINESS_HOURS_ENABLED" envDefault:"false"`
	BusinessTimezone     string `env:"BUSINESS_TIMEZONE" envDefault:"Asia/Tokyo"`
	BusinessStartHour    int    `env:"BUSINESS_START_HOUR" envDefault:"8"`
	BusinessEndHour      int    `env:"BUSINESS_END_HOUR" envDefault:"19"`

	// Admin
	SnapshotRefreshInterval time.Duration `env:"SNAPSHOT_REFRESH_INTERVAL" envDefault:"30s"`
	HTTPListenAddr          string        `env:"HTTP_LISTEN_ADDR" envDefault:":8080"`
	ShutdownTimeout         time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// Security
	EncryptionKey string `env:"ENCRYPTION_KEY"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"` // "json" or "text"
}

// TLSEnabled returns true if the SMTP server has a certificate configured
func (c *Config) TLSEnabled() bool {
	return c.SMTPTLSCert != "" && c.SMTPTLSKey != ""
}

// SummarizerEnabled returns true if an OpenAI compatible key is configured
func (c *Config) SummarizerEnabled() bool {
	return c.OpenAIAPIKey != ""
}

// TelegramEnabled returns true if the Telegram bot is configured
func (c *Config) TelegramEnabled() bool {
	return c.TelegramToken != ""
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that env tags cannot express
func (c *Config) Validate() error {
	// Encryption key is optional, but must be 32 bytes for AES-256 when set
	if c.EncryptionKey != "" && len(c.EncryptionKey) != 32 {
		return fmt.Errorf("ENCRYPTION_KEY must be exactly 32 bytes, got %d", len(c.EncryptionKey))
	}
	if c.SMTPRequireTLS && !c.TLSEnabled() {
		return fmt.Errorf("SMTP_REQUIRE_TLS needs SMTP_TLS_CERT and SMTP_TLS_KEY")
	}
	if (c.SMTPTLSCert == "") != (c.SMTPTLSKey == "") {
		return fmt.Errorf("SMTP_TLS_CERT and SMTP_TLS_KEY must be set together")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive, got %s", c.PollInterval)
	}
	if c.RelayMaxAttempts < 1 {
		return fmt.Errorf("RELAY_MAX_ATTEMPTS must be at least 1, got %d", c.RelayMaxAttempts)
	}
	if c.RelayRetryBaseDelay <= 0 || c.RelayRetryMaxDelay < c.RelayRetryBaseDelay {
		return fmt.Errorf("relay retry delays are invalid: base %s, max %s", c.RelayRetryBaseDelay, c.RelayRetryMaxDelay)
	}
	if c.BusinessStartHour < 0 || c.BusinessEndHour > 24 || c.BusinessStartHour >= c.BusinessEndHour {
		return fmt.Errorf("business hours %d-%d are invalid", c.BusinessStartHour, c.BusinessEndHour)
	}
	if c.StageTimeout <= 0 {
		return fmt.Errorf("STAGE_TIMEOUT must be positive, got %s", c.StageTimeout)
	}
	if c.UsageAlertStep <= 0 {
		return fmt.Errorf("USAGE_ALERT_STEP must be positive, got %v", c.UsageAlertStep)
	}
	if c.ThreadContextSize < 1 {
		return fmt.Errorf("THREAD_CONTEXT_SIZE must be at least 1, got %d", c.ThreadContextSize)
	}
	return nil
}
