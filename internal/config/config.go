package config

import (
	"fmt"
	"log"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string   `mapstructure:"PORT"`
	Env            string   `mapstructure:"ENV"`
	DatabaseURL    string   `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL       string   `mapstructure:"REDIS_URL"`
	AuthIssuer     string   `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string   `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string   `mapstructure:"AUTH_AUDIENCE"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`

	// Crisis model artifact location.
	ModelStore    string `mapstructure:"MODEL_STORE"`
	ModelPath     string `mapstructure:"MODEL_PATH"`
	ModelS3Bucket string `mapstructure:"MODEL_S3_BUCKET"`
	ModelS3Key    string `mapstructure:"MODEL_S3_KEY"`

	// Alert event fan-out.
	NotifyTransport string   `mapstructure:"NOTIFY_TRANSPORT"`
	KafkaBrokers    []string `mapstructure:"KAFKA_BROKERS"`
	KafkaAlertTopic string   `mapstructure:"KAFKA_ALERT_TOPIC"`
	SQSAlertQueue   string   `mapstructure:"SQS_ALERT_QUEUE"`

	LookaheadDays int `mapstructure:"LOOKAHEAD_DAYS"`
}

var validModelStores = map[string]bool{
	"file": true, "s3": true, "memory": true,
}

var validNotifyTransports = map[string]bool{
	"none": true, "kafka": true, "sqs": true,
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("MODEL_STORE", "file")
	v.SetDefault("MODEL_PATH", "./models/crisis_detector.json")
	v.SetDefault("MODEL_S3_KEY", "models/crisis_detector.json")
	v.SetDefault("NOTIFY_TRANSPORT", "none")
	v.SetDefault("KAFKA_ALERT_TOPIC", "crisis-alerts")
	v.SetDefault("LOOKAHEAD_DAYS", 30)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
		"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "CORS_ORIGINS",
		"RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
		"MODEL_STORE", "MODEL_PATH", "MODEL_S3_BUCKET", "MODEL_S3_KEY",
		"NOTIFY_TRANSPORT", "KAFKA_BROKERS", "KAFKA_ALERT_TOPIC", "SQS_ALERT_QUEUE",
		"LOOKAHEAD_DAYS",
	} {
		v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers, v.GetString("KAFKA_BROKERS"))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: server is running in development mode (ENV=development)")
		log.Println("WARNING: DevAuthMiddleware is active and every request gets admin access")
	}

	return cfg, nil
}

// splitList normalizes comma separated env values.
func splitList(parsed []string, raw string) []string {
	if raw == "" {
		raw = strings.Join(parsed, ",")
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthIssuer == "" && c.AuthJWKSURL == "" {
		return fmt.Errorf("AUTH_ISSUER or AUTH_JWKS_URL must be set outside development (current ENV=%q)", c.Env)
	}
	if !validModelStores[c.ModelStore] {
		return fmt.Errorf("MODEL_STORE must be \"file\", \"s3\", or \"memory\", got %q", c.ModelStore)
	}
	if c.ModelStore == "s3" && c.ModelS3Bucket == "" {
		return fmt.Errorf("MODEL_S3_BUCKET is required when MODEL_STORE is s3")
	}
	if !validNotifyTransports[c.NotifyTransport] {
		return fmt.Errorf("NOTIFY_TRANSPORT must be \"none\", \"kafka\", or \"sqs\", got %q", c.NotifyTransport)
	}
	if c.NotifyTransport == "kafka" && len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS is required when NOTIFY_TRANSPORT is kafka")
	}
	if c.NotifyTransport == "sqs" && c.SQSAlertQueue == "" {
		return fmt.Errorf("SQS_ALERT_QUEUE is required when NOTIFY_TRANSPORT is sqs")
	}
	if c.LookaheadDays <= 0 {
		return fmt.Errorf("LOOKAHEAD_DAYS must be positive, got %d", c.LookaheadDays)
	}
	return nil
}
