package config

import (
	"fmt"
	"os"
	"strconv"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis (HTTP rate limiting + enqueue idempotency)
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// SMTP environment fallback, used when no provider config exists at
	// any scope. This is the resolver's last tier and must always be usable.
	SMTPHost        string
	SMTPPort        int
	SMTPSecure      bool
	SMTPUser        string
	SMTPPassword    string
	SMTPFromAddress string
	SMTPFromName    string

	// AWS (SES service configs)
	AWSRegion string

	// Secret encryption key for stored provider credentials
	EncryptionKey string

	// Worker batch settings
	BatchSize          int
	InterBatchDelayMs  int
	MaxEmailsPerHour   int // 0 means unlimited
	MaxEmailsPerDay    int // 0 means unlimited
	TickIntervalSecs   int
	TestMode           bool // dry-run every send regardless of host
	WorkerDisabled     bool // serve the API without the background loop
	CircuitMaxFailures int
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:    "localhost",
		DBPort:    5432,
		DBUser:    "postgres",
		DBName:    "mailservice",
		DBSSLMode: "disable",

		// Redis defaults
		RedisHost: "localhost",
		RedisPort: 6379,

		// SMTP fallback defaults
		SMTPHost:        "localhost",
		SMTPPort:        587,
		SMTPFromAddress: "noreply@mail-service.local",

		AWSRegion: "us-east-1",

		EncryptionKey: "default-key-change-in-production-32b",

		BatchSize:          10,
		TickIntervalSecs:   60,
		CircuitMaxFailures: 5,
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	// SMTP fallback config
	if host := os.Getenv("SMTP_HOST"); host != "" {
		cfg.SMTPHost = host
	}

	if port := os.Getenv("SMTP_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid SMTP_PORT: %w", err)
		}
		cfg.SMTPPort = p
	}

	if secure := os.Getenv("SMTP_SECURE"); secure != "" {
		b, err := strconv.ParseBool(secure)
		if err != nil {
			return nil, fmt.Errorf("invalid SMTP_SECURE: %w", err)
		}
		cfg.SMTPSecure = b
	}

	if user := os.Getenv("SMTP_USER"); user != "" {
		cfg.SMTPUser = user
	}

	if pass := os.Getenv("SMTP_PASSWORD"); pass != "" {
		cfg.SMTPPassword = pass
	}

	if from := os.Getenv("SMTP_FROM_ADDRESS"); from != "" {
		cfg.SMTPFromAddress = from
	}

	if name := os.Getenv("SMTP_FROM_NAME"); name != "" {
		cfg.SMTPFromName = name
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if key := os.Getenv("MAIL_ENCRYPTION_KEY"); key != "" {
		cfg.EncryptionKey = key
	}

	// Batch settings
	if size := os.Getenv("MAIL_BATCH_SIZE"); size != "" {
		n, err := strconv.Atoi(size)
		if err != nil {
			return nil, fmt.Errorf("invalid MAIL_BATCH_SIZE: %w", err)
		}
		cfg.BatchSize = n
	}

	if delay := os.Getenv("MAIL_INTER_BATCH_DELAY_MS"); delay != "" {
		n, err := strconv.Atoi(delay)
		if err != nil {
			return nil, fmt.Errorf("invalid MAIL_INTER_BATCH_DELAY_MS: %w", err)
		}
		cfg.InterBatchDelayMs = n
	}

	if limit := os.Getenv("MAIL_MAX_EMAILS_PER_HOUR"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil {
			return nil, fmt.Errorf("invalid MAIL_MAX_EMAILS_PER_HOUR: %w", err)
		}
		cfg.MaxEmailsPerHour = n
	}

	if limit := os.Getenv("MAIL_MAX_EMAILS_PER_DAY"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil {
			return nil, fmt.Errorf("invalid MAIL_MAX_EMAILS_PER_DAY: %w", err)
		}
		cfg.MaxEmailsPerDay = n
	}

	if interval := os.Getenv("MAIL_TICK_INTERVAL_SECONDS"); interval != "" {
		n, err := strconv.Atoi(interval)
		if err != nil {
			return nil, fmt.Errorf("invalid MAIL_TICK_INTERVAL_SECONDS: %w", err)
		}
		cfg.TickIntervalSecs = n
	}

	if mode := os.Getenv("MAIL_TEST_MODE"); mode != "" {
		b, err := strconv.ParseBool(mode)
		if err != nil {
			return nil, fmt.Errorf("invalid MAIL_TEST_MODE: %w", err)
		}
		cfg.TestMode = b
	}

	if disabled := os.Getenv("MAIL_WORKER_DISABLED"); disabled != "" {
		b, err := strconv.ParseBool(disabled)
		if err != nil {
			return nil, fmt.Errorf("invalid MAIL_WORKER_DISABLED: %w", err)
		}
		cfg.WorkerDisabled = b
	}

	if failures := os.Getenv("MAIL_CIRCUIT_MAX_FAILURES"); failures != "" {
		n, err := strconv.Atoi(failures)
		if err != nil {
			return nil, fmt.Errorf("invalid MAIL_CIRCUIT_MAX_FAILURES: %w", err)
		}
		cfg.CircuitMaxFailures = n
	}

	return cfg, nil
}
