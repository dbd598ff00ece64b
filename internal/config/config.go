package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

const (
	BackendPostgres = "postgres"
	BackendSupabase = "supabase"
	BackendMemory   = "memory"

	AuthLocal  = "local"
	AuthGoTrue = "gotrue"
)

type Config struct {
	HTTPPort      string
	LedgerBackend string
	AuthProvider  string
	DBConfig      DBConfig
	Supabase      SupabaseConfig
	JWTSecret     string
	TokenTTL      time.Duration
	Ledger        LedgerConfig
	Mining        MiningLimit
	CORSOrigins   []string
}

type DBConfig struct {
	Host         string
	Port         string
	User         string
	Password     string
	DBName       string
	MaxOpenConns int
	Migrate      bool
}

type SupabaseConfig struct {
	URL        string
	ServiceKey string
	AnonKey    string
}

type LedgerConfig struct {
	Timeout            time.Duration
	Threshold          int64
	RewardPerThreshold int64
	ExchangeRate       int64
}

// MiningLimit bounds how often one client may call the mining endpoint and how
// much a single call may credit.
type MiningLimit struct {
	PerMinute  int
	Burst      int
	MaxPerCall int64
}

func (d DBConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		d.Host, d.Port, d.User, d.Password, d.DBName)
}

// String keeps secrets out of the startup log.
func (c Config) String() string {
	return fmt.Sprintf("port=%s backend=%s auth=%s db=%s@%s:%s/%s supabase=%s",
		c.HTTPPort, c.LedgerBackend, c.AuthProvider, c.DBConfig.User, c.DBConfig.Host,
		c.DBConfig.Port, c.DBConfig.DBName, c.Supabase.URL)
}

func LoadConfig(path string) (Config, error) {
	if err := godotenv.Load(path); err != nil {
		logrus.WithError(err).Warn("failed to load config file, using env vars")
	}

	cfg := Config{
		HTTPPort:      getEnv("HTTP_PORT", ":8080"),
		LedgerBackend: strings.ToLower(getEnv("LEDGER_BACKEND", BackendPostgres)),
		AuthProvider:  strings.ToLower(getEnv("AUTH_PROVIDER", AuthLocal)),
		JWTSecret:     getEnv("JWT_SECRET", "your-secret-key"),
		TokenTTL:      getEnvDuration("TOKEN_TTL", 24*time.Hour),
		DBConfig: DBConfig{
			Host:         getEnv("DB_HOST", "localhost"),
			Port:         getEnv("DB_PORT", "5432"),
			User:         getEnv("DB_USER", "postgres"),
			Password:     getEnv("DB_PASSWORD", "password"),
			DBName:       getEnv("DB_NAME", "wallet"),
			MaxOpenConns: int(getEnvInt("DB_MAX_OPEN_CONNS", 25)),
			Migrate:      getEnvBool("DB_MIGRATE", true),
		},
		Supabase: SupabaseConfig{
			URL:        getEnv("SUPABASE_URL", ""),
			ServiceKey: getEnv("SUPABASE_SERVICE_KEY", ""),
			AnonKey:    getEnv("SUPABASE_ANON_KEY", ""),
		},
		Ledger: LedgerConfig{
			Timeout:            getEnvDuration("LEDGER_TIMEOUT", 5*time.Second),
			Threshold:          getEnvInt("ACCRUAL_THRESHOLD", 10_000_000),
			RewardPerThreshold: getEnvInt("REWARD_PER_THRESHOLD", 10_000),
			ExchangeRate:       getEnvInt("EXCHANGE_RATE", 1_000),
		},
		Mining: MiningLimit{
			PerMinute:  int(getEnvInt("MINING_RATE_PER_MINUTE", 60)),
			Burst:      int(getEnvInt("MINING_BURST", 10)),
			MaxPerCall: getEnvInt("MAX_ACCRUAL_PER_CALL", 100_000_000),
		},
		CORSOrigins: splitList(getEnv("CORS_ORIGINS", "http://localhost:3000")),
	}

	if !strings.HasPrefix(cfg.HTTPPort, ":") && !strings.Contains(cfg.HTTPPort, ":") {
		cfg.HTTPPort = ":" + cfg.HTTPPort
	}

	switch cfg.LedgerBackend {
	case BackendPostgres, BackendMemory:
	case BackendSupabase:
		if cfg.Supabase.URL == "" || cfg.Supabase.ServiceKey == "" {
			return Config{}, fmt.Errorf("LEDGER_BACKEND=supabase requires SUPABASE_URL and SUPABASE_SERVICE_KEY")
		}
	default:
		return Config{}, fmt.Errorf("unknown LEDGER_BACKEND %q", cfg.LedgerBackend)
	}

	switch cfg.AuthProvider {
	case AuthLocal:
		if cfg.LedgerBackend == BackendSupabase {
			return Config{}, fmt.Errorf("AUTH_PROVIDER=local needs a credential store; use postgres or memory backend")
		}
	case AuthGoTrue:
		if cfg.Supabase.URL == "" || cfg.Supabase.AnonKey == "" {
			return Config{}, fmt.Errorf("AUTH_PROVIDER=gotrue requires SUPABASE_URL and SUPABASE_ANON_KEY")
		}
	default:
		return Config{}, fmt.Errorf("unknown AUTH_PROVIDER %q", cfg.AuthProvider)
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int64) int64 {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(strings.ReplaceAll(raw, "_", ""), 10, 64)
	if err != nil || value <= 0 {
		logrus.WithFields(logrus.Fields{
			"key":     key,
			"value":   raw,
			"default": defaultValue,
		}).Warn("invalid number in config, using default")
		return defaultValue
	}
	return value
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(raw)
	if err != nil || value <= 0 {
		logrus.WithFields(logrus.Fields{
			"key":     key,
			"value":   raw,
			"default": defaultValue,
		}).Warn("invalid duration in config, using default")
		return defaultValue
	}
	return value
}

func getEnvBool(key string, defaultValue bool) bool {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"key":   key,
			"value": raw,
		}).Warn("invalid boolean in config, using default")
		return defaultValue
	}
	return value
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
