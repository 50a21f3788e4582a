package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        int
	AppURL      string
	Environment string
	LogLevel    string

	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	SMTP     SMTPConfig
	SES      SESConfig
	Email    EmailConfig

	CORSAllowedOrigins []string

	// SkipSNSVerification bypasses webhook signature checks; it is never
	// honored in production.
	SkipSNSVerification bool
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// Addr returns the host:port pair for the Redis client.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type JWTConfig struct {
	AccessSecret   string
	RefreshSecret  string
	AccessExpires  time.Duration
	RefreshExpires time.Duration
}

type SMTPConfig struct {
	Host      string
	Port      int
	Secure    bool
	Username  string
	Password  string
	FromEmail string
	FromName  string
}

type SESConfig struct {
	Region           string
	AccessKey        string
	SecretKey        string
	ConfigurationSet string
	SendingRate      int
	SandboxMode      bool
}

// EmailConfig tunes the send pipeline.
type EmailConfig struct {
	Provider             string // "ses" or "smtp"
	RateLimit            int    // sends per second across the org fleet
	WorkerConcurrency    int
	AnalyticsConcurrency int
	CampaignBatchSize    int
}

// LoadOptions contains options for loading configuration
type LoadOptions struct {
	EnvFile string // Optional environment file to load (e.g., ".env", ".env.test")
}

// Load loads the configuration with default options
func Load() (*Config, error) {
	// Try to load .env file but don't require it
	return LoadWithOptions(LoadOptions{EnvFile: ".env"})
}

// LoadWithOptions loads the configuration with the specified options
func LoadWithOptions(opts LoadOptions) (*Config, error) {
	v := viper.New()

	v.SetDefault("PORT", 8080)
	v.SetDefault("APP_URL", "http://localhost:8080")
	v.SetDefault("ENVIRONMENT", "production")
	v.SetDefault("LOG_LEVEL", "info")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "mailfold")
	v.SetDefault("DB_SSLMODE", "disable")

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_ACCESS_EXPIRES", "15m")
	v.SetDefault("JWT_REFRESH_EXPIRES", "168h")

	v.SetDefault("SMTP_PORT", 587)
	v.SetDefault("SMTP_SECURE", true)
	v.SetDefault("SMTP_FROM_NAME", "Mailfold")

	v.SetDefault("SES_REGION", "us-east-1")
	v.SetDefault("SES_SENDING_RATE", 14)
	v.SetDefault("SES_SANDBOX_MODE", false)

	v.SetDefault("EMAIL_PROVIDER", "smtp")
	v.SetDefault("EMAIL_RATE_LIMIT", 50)
	v.SetDefault("EMAIL_WORKER_CONCURRENCY", 10)
	v.SetDefault("ANALYTICS_WORKER_CONCURRENCY", 5)
	v.SetDefault("CAMPAIGN_BATCH_SIZE", 500)

	v.SetDefault("SKIP_SNS_VERIFICATION", false)

	// Load environment file if specified
	if opts.EnvFile != "" {
		v.SetConfigName(opts.EnvFile)
		v.SetConfigType("env")

		currentPath, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("error getting current directory: %w", err)
		}
		v.AddConfigPath(currentPath)

		if err := v.ReadInConfig(); err != nil {
			// It's okay if config file doesn't exist
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	accessSecret := v.GetString("JWT_ACCESS_SECRET")
	refreshSecret := v.GetString("JWT_REFRESH_SECRET")
	if accessSecret == "" {
		return nil, fmt.Errorf("JWT_ACCESS_SECRET is required")
	}
	if refreshSecret == "" {
		return nil, fmt.Errorf("JWT_REFRESH_SECRET is required")
	}

	accessExpires, err := time.ParseDuration(v.GetString("JWT_ACCESS_EXPIRES"))
	if err != nil {
		return nil, fmt.Errorf("invalid JWT_ACCESS_EXPIRES: %w", err)
	}
	refreshExpires, err := time.ParseDuration(v.GetString("JWT_REFRESH_EXPIRES"))
	if err != nil {
		return nil, fmt.Errorf("invalid JWT_REFRESH_EXPIRES: %w", err)
	}

	database := DatabaseConfig{
		Host:     v.GetString("DB_HOST"),
		Port:     v.GetInt("DB_PORT"),
		User:     v.GetString("DB_USER"),
		Password: v.GetString("DB_PASSWORD"),
		DBName:   v.GetString("DB_NAME"),
		SSLMode:  v.GetString("DB_SSLMODE"),
	}
	if databaseURL := v.GetString("DATABASE_URL"); databaseURL != "" {
		parsed, err := parseDatabaseURL(databaseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid DATABASE_URL: %w", err)
		}
		database = parsed
	}

	environment := v.GetString("ENVIRONMENT")

	config := &Config{
		Port:        v.GetInt("PORT"),
		AppURL:      strings.TrimRight(v.GetString("APP_URL"), "/"),
		Environment: environment,
		LogLevel:    v.GetString("LOG_LEVEL"),
		Database:    database,
		Redis: RedisConfig{
			Host:     v.GetString("REDIS_HOST"),
			Port:     v.GetInt("REDIS_PORT"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
		},
		JWT: JWTConfig{
			AccessSecret:   accessSecret,
			RefreshSecret:  refreshSecret,
			AccessExpires:  accessExpires,
			RefreshExpires: refreshExpires,
		},
		SMTP: SMTPConfig{
			Host:      v.GetString("SMTP_HOST"),
			Port:      v.GetInt("SMTP_PORT"),
			Secure:    v.GetBool("SMTP_SECURE"),
			Username:  v.GetString("SMTP_USER"),
			Password:  v.GetString("SMTP_PASS"),
			FromEmail: v.GetString("SMTP_FROM_EMAIL"),
			FromName:  v.GetString("SMTP_FROM_NAME"),
		},
		SES: SESConfig{
			Region:           v.GetString("SES_REGION"),
			AccessKey:        v.GetString("SES_ACCESS_KEY"),
			SecretKey:        v.GetString("SES_SECRET_KEY"),
			ConfigurationSet: v.GetString("SES_CONFIGURATION_SET"),
			SendingRate:      v.GetInt("SES_SENDING_RATE"),
			SandboxMode:      v.GetBool("SES_SANDBOX_MODE"),
		},
		Email: EmailConfig{
			Provider:             v.GetString("EMAIL_PROVIDER"),
			RateLimit:            v.GetInt("EMAIL_RATE_LIMIT"),
			WorkerConcurrency:    v.GetInt("EMAIL_WORKER_CONCURRENCY"),
			AnalyticsConcurrency: v.GetInt("ANALYTICS_WORKER_CONCURRENCY"),
			CampaignBatchSize:    v.GetInt("CAMPAIGN_BATCH_SIZE"),
		},
		// The bypass is a development convenience only.
		SkipSNSVerification: v.GetBool("SKIP_SNS_VERIFICATION") && environment != "production",
	}

	if origins := v.GetString("CORS_ALLOWED_ORIGINS"); origins != "" {
		for _, origin := range strings.Split(origins, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				config.CORSAllowedOrigins = append(config.CORSAllowedOrigins, origin)
			}
		}
	}

	return config, nil
}

// IsProduction returns true if the environment is production
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// IsDevelopment returns true if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// parseDatabaseURL splits a postgres:// URL into connection fields.
func parseDatabaseURL(raw string) (DatabaseConfig, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return DatabaseConfig{}, err
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return DatabaseConfig{}, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	cfg := DatabaseConfig{
		Host:    u.Hostname(),
		Port:    5432,
		DBName:  strings.TrimPrefix(u.Path, "/"),
		SSLMode: "disable",
	}
	if port := u.Port(); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return DatabaseConfig{}, fmt.Errorf("invalid port %q", port)
		}
		cfg.Port = p
	}
	if u.User != nil {
		cfg.User = u.User.Username()
		cfg.Password, _ = u.User.Password()
	}
	if sslmode := u.Query().Get("sslmode"); sslmode != "" {
		cfg.SSLMode = sslmode
	}
	return cfg, nil
}
