package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
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

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// AWS
	AWSRegion    string
	SESFromEmail string
	SNSRegion    string // AWS region for SNS (SMS)

	// SQS event intake (optional; empty queue URL disables it)
	SQSRegion   string
	SQSQueueURL string

	// Default provider names per channel
	EmailProvider string
	SMSProvider   string

	// Templates
	TemplatesPath string

	// Real-time connection manager
	MaxConnectionsPerUser int
	WSAuthTimeout         time.Duration
	WSStaleThreshold      time.Duration
	WSSweepInterval       time.Duration
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
		DBUser:    "beacon",
		DBName:    "beacon",
		DBSSLMode: "disable",

		// Redis defaults
		RedisHost: "localhost",
		RedisPort: 6379,

		AWSRegion:    "us-east-1",
		SESFromEmail: "noreply@beacon.local",

		EmailProvider: "ses",
		SMSProvider:   "sns",

		TemplatesPath: "templates",

		MaxConnectionsPerUser: 5,
		WSAuthTimeout:         30 * time.Second,
		WSStaleThreshold:      8 * time.Hour,
		WSSweepInterval:       60 * time.Second,
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

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}

	// SNS config for SMS
	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}

	// SQS config
	if region := os.Getenv("SQS_REGION"); region != "" {
		cfg.SQSRegion = region
	} else {
		cfg.SQSRegion = cfg.AWSRegion
	}

	if url := os.Getenv("SQS_QUEUE_URL"); url != "" {
		cfg.SQSQueueURL = url
	}

	// Default providers per channel
	if name := os.Getenv("EMAIL_PROVIDER"); name != "" {
		cfg.EmailProvider = name
	}

	if name := os.Getenv("SMS_PROVIDER"); name != "" {
		cfg.SMSProvider = name
	}

	if path := os.Getenv("TEMPLATES_PATH"); path != "" {
		cfg.TemplatesPath = path
	}

	// Connection manager config
	if limit := os.Getenv("MAX_CONNECTIONS_PER_USER"); limit != "" {
		l, err := strconv.Atoi(limit)
		if err != nil {
			return nil, fmt.Errorf("invalid MAX_CONNECTIONS_PER_USER: %w", err)
		}
		cfg.MaxConnectionsPerUser = l
	}

	if timeout := os.Getenv("WS_AUTH_TIMEOUT"); timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid WS_AUTH_TIMEOUT: %w", err)
		}
		cfg.WSAuthTimeout = d
	}

	if threshold := os.Getenv("WS_STALE_THRESHOLD"); threshold != "" {
		d, err := time.ParseDuration(threshold)
		if err != nil {
			return nil, fmt.Errorf("invalid WS_STALE_THRESHOLD: %w", err)
		}
		cfg.WSStaleThreshold = d
	}

	if interval := os.Getenv("WS_SWEEP_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err != nil {
			return nil, fmt.Errorf("invalid WS_SWEEP_INTERVAL: %w", err)
		}
		cfg.WSSweepInterval = d
	}

	return cfg, nil
}
