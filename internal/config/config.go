package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Scheduler SchedulerConfig
	Dispatch  DispatchConfig
	WhatsApp  WhatsAppConfig
	Email     EmailConfig
	Catalog   CatalogConfig
	Log       LogConfig
}

type ServerConfig struct {
	Address string
}

type DatabaseConfig struct {
	// Store selects the enrollment store: postgres or memory.
	Store          string
	PostgresURL    string
	MigrateOnStart bool
	// LeadsFile seeds the in-memory lead store; ignored with Postgres.
	LeadsFile string
}

type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	TTL      time.Duration
	ClaimTTL time.Duration
}

type SchedulerConfig struct {
	Enabled     bool
	Interval    time.Duration
	BatchSize   int
	Concurrency int
}

type DispatchConfig struct {
	MaxAttempts int
	SendTimeout time.Duration
}

type WhatsAppConfig struct {
	EvolutionURL string
	Instance     string
	APIKey       string
}

type EmailConfig struct {
	Enabled   bool
	Host      string
	Port      int
	Username  string
	Password  string
	FromEmail string
	FromName  string
}

type CatalogConfig struct {
	// Path to a YAML catalog; empty uses the built-in one.
	Path string
}

type LogConfig struct {
	Level string
}

// LoadAll reads the configuration from the environment. Every problem is
// reported, not just the first one.
func LoadAll() (*Config, error) {
	var errs []error
	str := func(key string) string {
		v, err := requireEnv(key)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	num := func(key string, def int) int {
		v, err := getEnvInt(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	flag := func(key string, def bool) bool {
		v, err := getEnvBool(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}

	cfg := &Config{
		Server: ServerConfig{
			Address: getEnv("SERVER_ADDRESS", ":8080"),
		},
		Database: DatabaseConfig{
			Store:          strings.ToLower(getEnv("STORE", StorePostgres)),
			MigrateOnStart: flag("DB_MIGRATE", true),
			LeadsFile:      os.Getenv("LEADS_FILE"),
		},
		Scheduler: SchedulerConfig{
			Enabled:     flag("SCHED_ENABLED", true),
			Interval:    time.Duration(num("SCHED_INTERVAL_SECONDS", 120)) * time.Second,
			BatchSize:   num("SCHED_BATCH_SIZE", 50),
			Concurrency: num("SCHED_CONCURRENCY", 4),
		},
		Dispatch: DispatchConfig{
			MaxAttempts: num("MAX_SEND_ATTEMPTS", 3),
			SendTimeout: time.Duration(num("SEND_TIMEOUT_SECONDS", 15)) * time.Second,
		},
		WhatsApp: WhatsAppConfig{
			EvolutionURL: str("EVOLUTION_URL"),
			Instance:     getEnv("EVOLUTION_INSTANCE", "default"),
			APIKey:       os.Getenv("EVOLUTION_API_KEY"),
		},
		Catalog: CatalogConfig{
			Path: os.Getenv("CATALOG_PATH"),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}

	if cfg.Database.Store != StoreMemory {
		cfg.Database.PostgresURL = str("POSTGRES_URL")
	} else {
		cfg.Database.PostgresURL = os.Getenv("POSTGRES_URL")
	}

	redisCfg, redisErrs := loadRedisConfig()
	cfg.Redis = redisCfg
	errs = append(errs, redisErrs...)

	emailCfg, emailErrs := loadEmailConfig()
	cfg.Email = emailCfg
	errs = append(errs, emailErrs...)

	errs = append(errs, validate(cfg)...)
	if err := joinErrors(errs); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadRedisConfig() (RedisConfig, []error) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return RedisConfig{Enabled: false}, nil
	}

	var errs []error
	db, err := getEnvInt("REDIS_DB", 0)
	if err != nil {
		errs = append(errs, err)
	}
	ttl, err := getEnvInt("REDIS_TTL_SECONDS", 86400)
	if err != nil {
		errs = append(errs, err)
	}
	claimTTL, err := getEnvInt("REDIS_CLAIM_TTL_SECONDS", 120)
	if err != nil {
		errs = append(errs, err)
	}

	return RedisConfig{
		Enabled:  true,
		Address:  addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       db,
		TTL:      time.Duration(ttl) * time.Second,
		ClaimTTL: time.Duration(claimTTL) * time.Second,
	}, errs
}

func loadEmailConfig() (EmailConfig, []error) {
	host := os.Getenv("SMTP_HOST")
	if host == "" {
		return EmailConfig{Enabled: false}, nil
	}

	var errs []error
	port, err := getEnvInt("SMTP_PORT", 587)
	if err != nil {
		errs = append(errs, err)
	}
	from, err := requireEnv("SMTP_FROM_EMAIL")
	if err != nil {
		errs = append(errs, err)
	}

	return EmailConfig{
		Enabled:   true,
		Host:      host,
		Port:      port,
		Username:  os.Getenv("SMTP_USERNAME"),
		Password:  os.Getenv("SMTP_PASSWORD"),
		FromEmail: from,
		FromName:  os.Getenv("SMTP_FROM_NAME"),
	}, errs
}

func validate(cfg *Config) []error {
	var errs []error
	if cfg.Scheduler.BatchSize <= 0 {
		errs = append(errs, errors.New("SCHED_BATCH_SIZE must be > 0"))
	}
	if cfg.Scheduler.Interval <= 0 {
		errs = append(errs, errors.New("SCHED_INTERVAL_SECONDS must be > 0"))
	}
	if cfg.Scheduler.Concurrency <= 0 {
		errs = append(errs, errors.New("SCHED_CONCURRENCY must be > 0"))
	}
	if cfg.Dispatch.MaxAttempts <= 0 {
		errs = append(errs, errors.New("MAX_SEND_ATTEMPTS must be > 0"))
	}
	if cfg.Dispatch.SendTimeout <= 0 {
		errs = append(errs, errors.New("SEND_TIMEOUT_SECONDS must be > 0"))
	}
	switch cfg.Database.Store {
	case StorePostgres, StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("STORE must be %q or %q, got %q", StorePostgres, StoreMemory, cfg.Database.Store))
	}
	return errs
}

func requireEnv(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("missing required env var: %s", key)
	}
	return val, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("invalid int for env %s: %q", key, v)
	}
	return i, nil
}

func getEnvBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("invalid bool for env %s: %q", key, v)
	}
	return b, nil
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
