package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"dripline/store"
)

var (
	DB        *gorm.DB
	AppConfig Config
)

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"-"`
	DB       int    `json:"db"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled"`
	Brokers []string `json:"brokers"`
	GroupID string   `json:"group_id"`
	Topics  []string `json:"topics"`
}

type SMTPConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"-"`
}

type DispatchConfig struct {
	Interval     time.Duration `json:"interval"`
	BatchSize    int           `json:"batch_size"`
	Concurrency  int           `json:"concurrency"`
	Timeout      time.Duration `json:"timeout"`
	SendTimeout  time.Duration `json:"send_timeout"`
	ClaimTTL     time.Duration `json:"claim_ttl"`
	MaxAttempts  int           `json:"max_attempts"`
	RetryBackoff time.Duration `json:"retry_backoff"`
}

type Config struct {
	Environment     string         `json:"environment"`
	ServerPort      string         `json:"server_port"`
	DBDriver        string         `json:"db_driver"`
	DBHost          string         `json:"db_host"`
	DBPort          string         `json:"db_port"`
	DBUser          string         `json:"db_user"`
	DBPassword      string         `json:"-"`
	DBName          string         `json:"db_name"`
	DBSSLMode       string         `json:"db_ssl_mode"`
	DBMaxIdleConns  int            `json:"db_max_idle_conns"`
	DBMaxOpenConns  int            `json:"db_max_open_conns"`
	SQLitePath      string         `json:"sqlite_path"`
	Redis           RedisConfig    `json:"redis"`
	Kafka           KafkaConfig    `json:"kafka"`
	SMTP            SMTPConfig     `json:"smtp"`
	FromEmail       string         `json:"from_email"`
	FromName        string         `json:"from_name"`
	TrackingBaseURL string         `json:"tracking_base_url"`
	TrackingSecret  string         `json:"-"`
	SentryDSN       string         `json:"-"`
	Dispatch        DispatchConfig `json:"dispatch"`
	SequencesDir    string         `json:"sequences_dir"`
	RateLimitAction int            `json:"rate_limit_actions"`
	AllowedOrigins  []string       `json:"allowed_origins"`
}

func init() {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()
}

func LoadConfig() error {
	cfg, err := Load()
	if err != nil {
		return err
	}
	AppConfig = cfg
	logConfig()
	return nil
}

// Load reads the configuration from the environment without touching the
// package globals.
func Load() (Config, error) {
	cfg := Config{
		Environment:    getEnv("ENVIRONMENT", "development"),
		ServerPort:     getEnv("SERVER_PORT", "5000"),
		DBDriver:       strings.ToLower(getEnv("DB_DRIVER", "postgres")),
		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", ""),
		DBName:         getEnv("DB_NAME", "dripline"),
		DBSSLMode:      getEnv("DB_SSL_MODE", "disable"),
		DBMaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 100),
		SQLitePath:     getEnv("SQLITE_PATH", "dripline.db"),
		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Kafka: KafkaConfig{
			Enabled: getEnvAsBool("KAFKA_ENABLED", false),
			Brokers: getEnvAsList("KAFKA_BROKERS", []string{"localhost:9092"}),
			GroupID: getEnv("KAFKA_GROUP_ID", "dripline"),
			Topics:  getEnvAsList("KAFKA_TOPICS", []string{"subject-events"}),
		},
		SMTP: SMTPConfig{
			Host:     getEnv("SMTP_HOST", ""),
			Port:     getEnvAsInt("SMTP_PORT", 587),
			Username: getEnv("SMTP_USERNAME", ""),
			Password: getEnv("SMTP_PASSWORD", ""),
		},
		FromEmail:       getEnv("FROM_EMAIL", "no-reply@localhost"),
		FromName:        getEnv("FROM_NAME", "Dripline"),
		TrackingBaseURL: strings.TrimRight(getEnv("TRACKING_BASE_URL", ""), "/"),
		TrackingSecret:  getEnv("TRACKING_SECRET", ""),
		SentryDSN:       getEnv("SENTRY_DSN", ""),
		Dispatch: DispatchConfig{
			Interval:     getEnvAsDuration("DISPATCH_INTERVAL", time.Minute),
			BatchSize:    getEnvAsInt("DISPATCH_BATCH_SIZE", 100),
			Concurrency:  getEnvAsInt("DISPATCH_CONCURRENCY", 10),
			Timeout:      getEnvAsDuration("DISPATCH_TIMEOUT", 2*time.Minute),
			SendTimeout:  getEnvAsDuration("DISPATCH_SEND_TIMEOUT", 30*time.Second),
			ClaimTTL:     getEnvAsDuration("DISPATCH_CLAIM_TTL", 5*time.Minute),
			MaxAttempts:  getEnvAsInt("DISPATCH_MAX_ATTEMPTS", 5),
			RetryBackoff: getEnvAsDuration("DISPATCH_RETRY_BACKOFF", time.Minute),
		},
		SequencesDir:    getEnv("SEQUENCES_DIR", "sequences"),
		RateLimitAction: getEnvAsInt("RATE_LIMIT_ACTIONS", 60),
		AllowedOrigins:  getEnvAsList("CORS_ALLOWED_ORIGINS", nil),
	}

	// Validate required configurations
	switch cfg.DBDriver {
	case "postgres":
		if cfg.DBPassword == "" {
			return cfg, fmt.Errorf("DB_PASSWORD is required")
		}
	case "sqlite":
	default:
		return cfg, fmt.Errorf("DB_DRIVER must be postgres or sqlite, got %q", cfg.DBDriver)
	}
	if cfg.Dispatch.Interval <= 0 {
		return cfg, fmt.Errorf("DISPATCH_INTERVAL must be positive")
	}
	if cfg.Environment == "production" && cfg.TrackingBaseURL != "" && cfg.TrackingSecret == "" {
		return cfg, fmt.Errorf("TRACKING_SECRET is required in production")
	}
	if cfg.Kafka.Enabled && len(cfg.Kafka.Brokers) == 0 {
		return cfg, fmt.Errorf("KAFKA_BROKERS is required when KAFKA_ENABLED is set")
	}
	return cfg, nil
}

func ConnectDB() error {
	db, err := Open(AppConfig)
	if err != nil {
		return err
	}
	DB = db
	return nil
}

// Open connects to the configured database and migrates it.
func Open(cfg Config) (*gorm.DB, error) {
	logrus.Info("Attempting to connect to database...")

	gormCfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)}
	var (
		db  *gorm.DB
		err error
	)
	switch cfg.DBDriver {
	case "sqlite":
		logrus.WithField("path", cfg.SQLitePath).Info("Using sqlite database")
		db, err = gorm.Open(sqlite.Open(cfg.SQLitePath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"), gormCfg)
	default:
		dsn := fmt.Sprintf(
			"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
			cfg.DBHost,
			cfg.DBPort,
			cfg.DBUser,
			cfg.DBPassword,
			cfg.DBName,
			cfg.DBSSLMode,
		)
		logrus.Info("Using connection string: ", maskPassword(dsn))
		db, err = gorm.Open(postgres.Open(dsn), gormCfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get DB instance: %w", err)
	}

	if cfg.DBDriver == "sqlite" {
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxIdleConns(cfg.DBMaxIdleConns)
		sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConns)
		sqlDB.SetConnMaxLifetime(time.Hour)
		sqlDB.SetConnMaxIdleTime(30 * time.Minute)
	}

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	logrus.Info("✅ Successfully connected to the database")
	logrus.Info("🔄 Starting database migration...")
	if err := store.Migrate(db); err != nil {
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	logrus.Info("✅ Database migration completed")
	return db, nil
}

// Helper functions
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := strconv.Atoi(strings.TrimSpace(valueStr))
	if err != nil {
		logrus.Warnf("⚠️ %s=%q is not an integer, using %d", key, valueStr, fallback)
		return fallback
	}
	return value
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := strconv.ParseBool(strings.TrimSpace(valueStr))
	if err != nil {
		logrus.Warnf("⚠️ %s=%q is not a boolean, using %t", key, valueStr, fallback)
		return fallback
	}
	return value
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := time.ParseDuration(strings.TrimSpace(valueStr))
	if err != nil {
		logrus.Warnf("⚠️ %s=%q is not a duration, using %s", key, valueStr, fallback)
		return fallback
	}
	return value
}

func getEnvAsList(key string, fallback []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func maskPassword(dsn string) string {
	const passwordMarker = "password="
	startIdx := strings.Index(dsn, passwordMarker)
	if startIdx == -1 {
		return dsn
	}

	startIdx += len(passwordMarker)
	endIdx := strings.IndexAny(dsn[startIdx:], " ")
	if endIdx == -1 {
		return dsn[:startIdx] + "*****"
	}
	return dsn[:startIdx] + "*****" + dsn[startIdx+endIdx:]
}

func logConfig() {
	logrus.WithFields(logrus.Fields{
		"environment":       AppConfig.Environment,
		"server_port":       AppConfig.ServerPort,
		"db_driver":         AppConfig.DBDriver,
		"database":          fmt.Sprintf("%s@%s:%s/%s", AppConfig.DBUser, AppConfig.DBHost, AppConfig.DBPort, AppConfig.DBName),
		"redis":             AppConfig.Redis.Enabled,
		"kafka":             AppConfig.Kafka.Enabled,
		"smtp":              AppConfig.SMTP.Host != "",
		"dispatch_interval": AppConfig.Dispatch.Interval.String(),
	}).Info("🔧 Loaded configuration")
}
