package observability

import (
	"os"
	"strconv"
	"strings"

	"github.com/smallbiznis/tenantbilling/internal/config"
)

const (
	defaultServiceName   = "tenantbilling"
	defaultSamplingRatio = 0.1

	ProtocolGRPC = "grpc"
	ProtocolHTTP = "http"
)

// Config is the observability view of the process configuration. Log and
// OTel knobs come from LOG_* and OTEL_* variables; identity comes from the
// application config.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	LogLevel  string
	LogFormat string

	OtelEnabled          bool
	OtelExporterEndpoint string
	OtelExporterProtocol string
	OtelSamplingRatio    float64
}

func LoadConfig(cfg config.Config) Config {
	out := Config{
		ServiceName:          cfg.AppName,
		Environment:          cfg.Environment,
		Version:              cfg.AppVersion,
		LogLevel:             os.Getenv("LOG_LEVEL"),
		LogFormat:            os.Getenv("LOG_FORMAT"),
		OtelEnabled:          envBool("OTEL_ENABLED", cfg.IsProduction()),
		OtelExporterEndpoint: envOr("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.OTLPEndpoint),
		OtelExporterProtocol: os.Getenv("OTEL_EXPORTER_OTLP_PROTOCOL"),
		OtelSamplingRatio:    envFloat("OTEL_SAMPLING_RATIO", defaultSamplingRatio),
	}
	return out.normalize()
}

// normalize trims every field and falls back to the defaults for values the
// logger and exporters would reject.
func (c Config) normalize() Config {
	c.ServiceName = strings.TrimSpace(c.ServiceName)
	if c.ServiceName == "" {
		c.ServiceName = defaultServiceName
	}
	c.Environment = strings.TrimSpace(c.Environment)
	c.Version = strings.TrimSpace(c.Version)

	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		c.LogLevel = "info"
	}
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	if c.LogFormat != "console" {
		c.LogFormat = "json"
	}

	c.OtelExporterEndpoint = strings.TrimSpace(c.OtelExporterEndpoint)
	switch strings.ToLower(strings.TrimSpace(c.OtelExporterProtocol)) {
	case "http", "http/protobuf":
		c.OtelExporterProtocol = ProtocolHTTP
	default:
		c.OtelExporterProtocol = ProtocolGRPC
	}
	if c.OtelSamplingRatio < 0 || c.OtelSamplingRatio > 1 {
		c.OtelSamplingRatio = defaultSamplingRatio
	}
	return c
}

// Debug turns on request bodies in logs and stack traces on errors.
func (c Config) Debug() bool {
	if strings.EqualFold(strings.TrimSpace(c.LogLevel), "debug") {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(c.Environment)) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

func envOr(key, def string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return def
}

func envBool(key string, def bool) bool {
	parsed, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return def
	}
	return parsed
}

func envFloat(key string, def float64) float64 {
	parsed, err := strconv.ParseFloat(strings.TrimSpace(os.Getenv(key)), 64)
	if err != nil {
		return def
	}
	return parsed
}
