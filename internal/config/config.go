package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBPath            string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	Redis RedisConfig

	SnowflakeNode      int64
	Currency           string
	CronSharedSecret   string
	SchedulerInProcess bool

	Gateways GatewayConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Enabled reports whether a redis endpoint is configured.
func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

type GatewayConfig struct {
	HTTPRetryMax int
	HTTPTimeout  time.Duration

	Midtrans MidtransConfig
	Tripay   TripayConfig
}

type MidtransConfig struct {
	ServerKey  string
	Production bool
	BaseURL    string
}

type TripayConfig struct {
	APIKey        string
	PrivateKey    string
	MerchantCode  string
	Production    bool
	BaseURL       string
	DefaultMethod string
	ExpiryHours   int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:           getenv("APP_SERVICE", "tenantbilling"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       getenv("ENVIRONMENT", "development"),
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		OTLPEndpoint:      getenv("OTLP_ENDPOINT", "localhost:4317"),
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "tenantbilling"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBPath:            getenv("DATABASE_PATH", "tenantbilling.db"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 1800),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 300),
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getenvInt("REDIS_DB", 0),
		},
		SnowflakeNode:      getenvInt64("SNOWFLAKE_NODE", 1),
		Currency:           strings.ToUpper(getenv("CURRENCY", "IDR")),
		CronSharedSecret:   strings.TrimSpace(getenv("CRON_SHARED_SECRET", "")),
		SchedulerInProcess: getenvBool("SCHEDULER_IN_PROCESS", false),
		Gateways: GatewayConfig{
			HTTPRetryMax: getenvInt("GATEWAY_HTTP_RETRY_MAX", 3),
			HTTPTimeout:  getenvDuration("GATEWAY_HTTP_TIMEOUT", 15*time.Second),
			Midtrans: MidtransConfig{
				ServerKey:  strings.TrimSpace(getenv("MIDTRANS_SERVER_KEY", "")),
				Production: getenvBool("MIDTRANS_PRODUCTION", false),
				BaseURL:    strings.TrimSpace(getenv("MIDTRANS_BASE_URL", "")),
			},
			Tripay: TripayConfig{
				APIKey:        strings.TrimSpace(getenv("TRIPAY_API_KEY", "")),
				PrivateKey:    strings.TrimSpace(getenv("TRIPAY_PRIVATE_KEY", "")),
				MerchantCode:  strings.TrimSpace(getenv("TRIPAY_MERCHANT_CODE", "")),
				Production:    getenvBool("TRIPAY_PRODUCTION", false),
				BaseURL:       strings.TrimSpace(getenv("TRIPAY_BASE_URL", "")),
				DefaultMethod: strings.TrimSpace(getenv("TRIPAY_DEFAULT_METHOD", "BRIVA")),
				ExpiryHours:   getenvInt("TRIPAY_EXPIRY_HOURS", 24),
			},
		},
	}

	return cfg
}

// IsProduction reports whether the service runs in production.
func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}
