// Package config reads runtime settings from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Config struct {
	HTTPAddr        string
	GRPCAddr        string
	ShutdownTimeout time.Duration
	LogLevel        string
	OTelEndpoint    string

	StoreBackend string // mysql or memory
	MySQLDSN     string
	RedisAddr    string
	KafkaBrokers []string
	KafkaTopic   string

	TxMaxRetries     int
	TxRetryBaseDelay time.Duration
	UnitStockPolicy  string
	MinSlotsEditing  int
	DefaultMarginPct decimal.Decimal
	DraftTTL         time.Duration
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func atoienv(key string, def int) int {
	v := getenv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func durenvms(key string, defMs int) time.Duration {
	return time.Duration(atoienv(key, defMs)) * time.Millisecond
}

func durenv(key string, def time.Duration) time.Duration {
	v := getenv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func decenv(key string, def decimal.Decimal) decimal.Decimal {
	v := getenv(key, "")
	if v == "" {
		return def
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return def
	}
	return d
}

func listenv(key, def string) []string {
	var out []string
	for _, s := range strings.Split(getenv(key, def), ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Load collects configuration from environment with defaults. An empty
// KAFKA_BROKERS or REDIS_ADDR disables that read-side sink.
func Load() Config {
	return Config{
		HTTPAddr:        getenv("HTTP_ADDR", ":8080"),
		GRPCAddr:        getenv("GRPC_ADDR", ":9090"),
		ShutdownTimeout: durenv("SHUTDOWN_TIMEOUT", 15*time.Second),
		LogLevel:        getenv("LOG_LEVEL", "info"),
		OTelEndpoint:    os.Getenv("OTEL_ENDPOINT"),

		StoreBackend: getenv("STORE_BACKEND", "memory"),
		MySQLDSN:     getenv("MYSQL_DSN", "root:root@tcp(localhost:3306)/rigstock?parseTime=true"),
		RedisAddr:    os.Getenv("REDIS_ADDR"),
		KafkaBrokers: listenv("KAFKA_BROKERS", ""),
		KafkaTopic:   getenv("KAFKA_TOPIC", "order-events"),

		TxMaxRetries:     atoienv("TX_MAX_RETRIES", 5),
		TxRetryBaseDelay: durenvms("TX_RETRY_BASE_MS", 10),
		UnitStockPolicy:  getenv("UNIT_STOCK_POLICY", "on_create"),
		MinSlotsEditing:  atoienv("BUILD_MIN_SLOTS_EDIT", 0),
		DefaultMarginPct: decenv("DEFAULT_MARGIN_PCT", decimal.NewFromInt(20)),
		DraftTTL:         durenv("DRAFT_TTL", 2*time.Hour),
	}
}
