package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port     string `mapstructure:"port"`
	DBPath   string `mapstructure:"db_path"`
	LogLevel string `mapstructure:"log_level"`
	BaseURL  string `mapstructure:"base_url"`

	// Browser origins allowed to open the websocket, e.g. "app.example.org".
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	Auth     AuthConfig     `mapstructure:"auth"`
	Booking  BookingConfig  `mapstructure:"booking"`
	Points   PointsConfig   `mapstructure:"points"`
	Streak   StreakConfig   `mapstructure:"streak"`
	Expand   ExpandConfig   `mapstructure:"expand"`
	Outbox   OutboxConfig   `mapstructure:"outbox"`
	Jobs     JobsConfig     `mapstructure:"jobs"`
	Push     PushConfig     `mapstructure:"push"`
	Postmark PostmarkConfig `mapstructure:"postmark"`
	Backup   BackupConfig   `mapstructure:"backup"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

type BookingConfig struct {
	CancelCutoff       time.Duration `mapstructure:"cancel_cutoff"`
	EarlyCheckInWindow time.Duration `mapstructure:"early_checkin_window"`
	LateCheckInGrace   time.Duration `mapstructure:"late_checkin_grace"`
	ReminderLead       time.Duration `mapstructure:"reminder_lead"`
}

type PointsConfig struct {
	EarlyBonusThreshold time.Duration `mapstructure:"early_bonus_threshold"`
	FrequencyWindow     time.Duration `mapstructure:"frequency_window"`
	FrequencyMin        int           `mapstructure:"frequency_min"`
	PromoMultiplier     float64       `mapstructure:"promo_multiplier"`
	PromoStartRaw       string        `mapstructure:"promo_start"`
	PromoEndRaw         string        `mapstructure:"promo_end"`

	// Parsed from the raw RFC 3339 values; zero means unbounded.
	PromoStart time.Time `mapstructure:"-"`
	PromoEnd   time.Time `mapstructure:"-"`
}

type StreakConfig struct {
	Period time.Duration `mapstructure:"period"`
}

type ExpandConfig struct {
	MaxWindow time.Duration `mapstructure:"max_window"`
}

type OutboxConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
	MaxRetries   int           `mapstructure:"max_retries"`
	BackoffBase  time.Duration `mapstructure:"backoff_base"`
	Retention    time.Duration `mapstructure:"retention"`
}

type JobsConfig struct {
	ReconcileSpec string `mapstructure:"reconcile_spec"`
	CleanupSpec   string `mapstructure:"cleanup_spec"`
}

type PushConfig struct {
	VAPIDPublicKey  string `mapstructure:"vapid_public_key"`
	VAPIDPrivateKey string `mapstructure:"vapid_private_key"`
	Subject         string `mapstructure:"subject"`
}

type PostmarkConfig struct {
	ServerToken string `mapstructure:"server_token"`
	FromEmail   string `mapstructure:"from_email"`
}

type BackupConfig struct {
	Spec       string        `mapstructure:"spec"`
	Passphrase string        `mapstructure:"passphrase"`
	Prefix     string        `mapstructure:"prefix"`
	Retention  time.Duration `mapstructure:"retention"`
	S3         S3Config      `mapstructure:"s3"`
}

type S3Config struct {
	Endpoint  string `mapstructure:"endpoint"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("db_path", "nightwatch.db")
	v.SetDefault("log_level", "info")
	v.SetDefault("base_url", "http://localhost:8080")
	v.SetDefault("allowed_origins", []string{})

	v.SetDefault("auth.issuer", "nightwatch")
	v.SetDefault("auth.jwt_secret", "")

	v.SetDefault("booking.cancel_cutoff", 2*time.Hour)
	v.SetDefault("booking.early_checkin_window", time.Hour)
	v.SetDefault("booking.late_checkin_grace", 30*time.Minute)
	v.SetDefault("booking.reminder_lead", time.Hour)

	v.SetDefault("points.early_bonus_threshold", 15*time.Minute)
	v.SetDefault("points.frequency_window", 30*24*time.Hour)
	v.SetDefault("points.frequency_min", 3)
	v.SetDefault("points.promo_multiplier", 1.0)
	v.SetDefault("points.promo_start", "")
	v.SetDefault("points.promo_end", "")

	v.SetDefault("streak.period", 7*24*time.Hour)
	v.SetDefault("expand.max_window", 92*24*time.Hour)

	v.SetDefault("outbox.poll_interval", 5*time.Second)
	v.SetDefault("outbox.batch_size", 50)
	v.SetDefault("outbox.max_retries", 5)
	v.SetDefault("outbox.backoff_base", 30*time.Second)
	v.SetDefault("outbox.retention", 30*24*time.Hour)

	v.SetDefault("jobs.reconcile_spec", "@every 1h")
	v.SetDefault("jobs.cleanup_spec", "@daily")

	v.SetDefault("push.vapid_public_key", "")
	v.SetDefault("push.vapid_private_key", "")
	v.SetDefault("push.subject", "mailto:admin@nightwatch.local")

	v.SetDefault("postmark.server_token", "")
	v.SetDefault("postmark.from_email", "")

	v.SetDefault("backup.spec", "0 3 * * *")
	v.SetDefault("backup.passphrase", "")
	v.SetDefault("backup.prefix", "snapshots/")
	v.SetDefault("backup.retention", 30*24*time.Hour)
	v.SetDefault("backup.s3.endpoint", "")
	v.SetDefault("backup.s3.bucket", "")
	v.SetDefault("backup.s3.region", "us-east-1")
	v.SetDefault("backup.s3.access_key", "")
	v.SetDefault("backup.s3.secret_key", "")
}

// Load reads configuration from defaults, an optional YAML file and
// NIGHTWATCH_* environment variables, in increasing precedence. An empty
// path searches for nightwatch.yaml in the working directory and ./config.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("nightwatch")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix("NIGHTWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// No config file, defaults and environment only
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) finish() error {
	var err error
	if c.Points.PromoStartRaw != "" {
		if c.Points.PromoStart, err = time.Parse(time.RFC3339, c.Points.PromoStartRaw); err != nil {
			return fmt.Errorf("points.promo_start: %w", err)
		}
	}
	if c.Points.PromoEndRaw != "" {
		if c.Points.PromoEnd, err = time.Parse(time.RFC3339, c.Points.PromoEndRaw); err != nil {
			return fmt.Errorf("points.promo_end: %w", err)
		}
	}
	return c.Validate()
}

// Validate rejects values the services cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Booking.CancelCutoff < 0:
		return errors.New("booking.cancel_cutoff must not be negative")
	case c.Booking.EarlyCheckInWindow < c.Points.EarlyBonusThreshold:
		return errors.New("booking.early_checkin_window must cover points.early_bonus_threshold")
	case c.Streak.Period <= 0:
		return errors.New("streak.period must be positive")
	case c.Expand.MaxWindow <= 0:
		return errors.New("expand.max_window must be positive")
	case c.Points.PromoMultiplier <= 0:
		return errors.New("points.promo_multiplier must be positive")
	case c.Outbox.BatchSize <= 0:
		return errors.New("outbox.batch_size must be positive")
	case c.Outbox.MaxRetries < 0:
		return errors.New("outbox.max_retries must not be negative")
	case c.Backup.Retention < 0:
		return errors.New("backup.retention must not be negative")
	}
	if !c.Points.PromoStart.IsZero() && !c.Points.PromoEnd.IsZero() && c.Points.PromoEnd.Before(c.Points.PromoStart) {
		return errors.New("points.promo_end before points.promo_start")
	}
	return nil
}
