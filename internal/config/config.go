package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"fulfillment/internal/logging"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// AppConfig 聚合运行时配置：默认值 < CONFIG_FILE < 环境变量。
type AppConfig struct {
	HTTPAddr string

	DBDriver string // sqlite / mysql / postgres
	DBDSN    string

	// 为空时使用进程内锁，不限流，汇率只用 FX_USD_RATE
	RedisAddr string
	RedisDB   int

	// 为空时 outbox 事件在进程内处理
	KafkaBrokers          []string
	KafkaWalletTopic      string
	KafkaPropagationTopic string
	KafkaGroupID          string

	ReportCurrency string
	FXUSDRate      decimal.Decimal

	Workers   int
	QueueSize int

	PollInterval      time.Duration
	PollBatch         int
	StaleAfter        int
	StalePollInterval time.Duration
	AdapterTimeout    time.Duration
	LockTTL           time.Duration
	RouteCacheTTL     time.Duration
	LoopMaxDepth      int
	SweepAge          time.Duration
	OutboxBatch       int

	IngestRateLimit  int
	IngestRateWindow time.Duration

	// 运营接口令牌，为空时运营接口全部拒绝
	AdminToken string

	Log logging.Config
}

var defaults = map[string]any{
	"HTTP_ADDR":               ":8080",
	"DB_DRIVER":               "sqlite",
	"DB_DSN":                  "fulfillment.db",
	"REDIS_ADDR":              "",
	"REDIS_DB":                0,
	"KAFKA_BROKERS":           "",
	"KAFKA_WALLET_TOPIC":      "fulfillment.wallet-events",
	"KAFKA_PROPAGATION_TOPIC": "fulfillment.propagation",
	"KAFKA_GROUP_ID":          "fulfillment-propagation",
	"REPORT_CURRENCY":         "TRY",
	"FX_USD_RATE":             "",
	"WORKERS":                 4,
	"QUEUE_SIZE":              1024,
	"POLL_INTERVAL":           "10s",
	"POLL_BATCH":              100,
	"STALE_AFTER":             20,
	"STALE_POLL_INTERVAL":     "5m",
	"ADAPTER_TIMEOUT":         "15s",
	"LOCK_TTL":                "30s",
	"ROUTE_CACHE_TTL":         "30s",
	"LOOP_MAX_DEPTH":          5,
	"SWEEP_AGE":               "60s",
	"OUTBOX_BATCH":            100,
	"INGEST_RATE_LIMIT":       100,
	"INGEST_RATE_WINDOW_SEC":  1,
	"ADMIN_TOKEN":             "",
	"LOG_LEVEL":               "info",
	"LOG_FORMAT":              "json",
	"LOG_OUTPUT":              "stdout",
	"LOG_FILE":                "logs/fulfillment.log",
}

// Load 读取并校验配置，缺失时使用默认值。
func Load() (AppConfig, error) {
	v := viper.New()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	v.AutomaticEnv()
	if file := strings.TrimSpace(v.GetString("CONFIG_FILE")); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return AppConfig{}, fmt.Errorf("read CONFIG_FILE %s: %w", file, err)
		}
	}
	return fromViper(v)
}

func fromViper(v *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddr:              getString(v, "HTTP_ADDR"),
		DBDriver:              strings.ToLower(getString(v, "DB_DRIVER")),
		DBDSN:                 getString(v, "DB_DSN"),
		RedisAddr:             getString(v, "REDIS_ADDR"),
		KafkaBrokers:          splitCSV(getString(v, "KAFKA_BROKERS")),
		KafkaWalletTopic:      getString(v, "KAFKA_WALLET_TOPIC"),
		KafkaPropagationTopic: getString(v, "KAFKA_PROPAGATION_TOPIC"),
		KafkaGroupID:          getString(v, "KAFKA_GROUP_ID"),
		ReportCurrency:        strings.ToUpper(getString(v, "REPORT_CURRENCY")),
		AdminToken:            getString(v, "ADMIN_TOKEN"),
		Log: logging.Config{
			Level:    getString(v, "LOG_LEVEL"),
			Format:   getString(v, "LOG_FORMAT"),
			Output:   getString(v, "LOG_OUTPUT"),
			FilePath: getString(v, "LOG_FILE"),
		},
	}

	var err error
	if cfg.RedisDB, err = getInt(v, "REDIS_DB"); err != nil {
		return AppConfig{}, err
	}
	if cfg.RedisDB < 0 {
		return AppConfig{}, fmt.Errorf("REDIS_DB must be >= 0")
	}

	positiveInts := []struct {
		key string
		dst *int
	}{
		{"WORKERS", &cfg.Workers},
		{"QUEUE_SIZE", &cfg.QueueSize},
		{"POLL_BATCH", &cfg.PollBatch},
		{"STALE_AFTER", &cfg.StaleAfter},
		{"LOOP_MAX_DEPTH", &cfg.LoopMaxDepth},
		{"OUTBOX_BATCH", &cfg.OutboxBatch},
		{"INGEST_RATE_LIMIT", &cfg.IngestRateLimit},
	}
	for _, p := range positiveInts {
		n, err := getInt(v, p.key)
		if err != nil {
			return AppConfig{}, err
		}
		if n <= 0 {
			return AppConfig{}, fmt.Errorf("%s must be > 0", p.key)
		}
		*p.dst = n
	}

	windowSec, err := getInt(v, "INGEST_RATE_WINDOW_SEC")
	if err != nil {
		return AppConfig{}, err
	}
	if windowSec <= 0 {
		return AppConfig{}, fmt.Errorf("INGEST_RATE_WINDOW_SEC must be > 0")
	}
	cfg.IngestRateWindow = time.Duration(windowSec) * time.Second

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"POLL_INTERVAL", &cfg.PollInterval},
		{"STALE_POLL_INTERVAL", &cfg.StalePollInterval},
		{"ADAPTER_TIMEOUT", &cfg.AdapterTimeout},
		{"LOCK_TTL", &cfg.LockTTL},
		{"ROUTE_CACHE_TTL", &cfg.RouteCacheTTL},
		{"SWEEP_AGE", &cfg.SweepAge},
	}
	for _, d := range durations {
		dur, err := getDuration(v, d.key)
		if err != nil {
			return AppConfig{}, err
		}
		if dur <= 0 {
			return AppConfig{}, fmt.Errorf("%s must be > 0", d.key)
		}
		*d.dst = dur
	}

	if raw := getString(v, "FX_USD_RATE"); raw != "" {
		rate, err := decimal.NewFromString(raw)
		if err != nil {
			return AppConfig{}, fmt.Errorf("invalid FX_USD_RATE: %w", err)
		}
		if !rate.IsPositive() {
			return AppConfig{}, fmt.Errorf("FX_USD_RATE must be > 0")
		}
		cfg.FXUSDRate = rate
	}

	switch cfg.DBDriver {
	case "sqlite", "mysql", "postgres":
	default:
		return AppConfig{}, fmt.Errorf("DB_DRIVER must be sqlite, mysql or postgres, got %q", cfg.DBDriver)
	}
	if cfg.DBDSN == "" {
		return AppConfig{}, fmt.Errorf("DB_DSN must not be empty")
	}
	if cfg.ReportCurrency == "" {
		return AppConfig{}, fmt.Errorf("REPORT_CURRENCY must not be empty")
	}
	// 没有 Redis 覆盖汇率时只能依赖配置值
	if cfg.RedisAddr == "" && cfg.ReportCurrency != "USD" && cfg.FXUSDRate.IsZero() {
		return AppConfig{}, fmt.Errorf("FX_USD_RATE must be set when REDIS_ADDR is empty")
	}
	if len(cfg.KafkaBrokers) > 0 {
		if cfg.KafkaWalletTopic == "" {
			return AppConfig{}, fmt.Errorf("KAFKA_WALLET_TOPIC must not be empty")
		}
		if cfg.KafkaPropagationTopic == "" {
			return AppConfig{}, fmt.Errorf("KAFKA_PROPAGATION_TOPIC must not be empty")
		}
		if cfg.KafkaGroupID == "" {
			return AppConfig{}, fmt.Errorf("KAFKA_GROUP_ID must not be empty")
		}
	}

	return cfg, nil
}

// getString 读取字符串配置并去掉首尾空白。
func getString(v *viper.Viper, key string) string {
	return strings.TrimSpace(v.GetString(key))
}

// getInt 读取整数配置；viper 的 GetInt 会把非法值静默当作 0，这里显式报错。
func getInt(v *viper.Viper, key string) (int, error) {
	s := getString(v, key)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

// getDuration 接受 Go duration（10s、5m），纯数字按秒处理。
func getDuration(v *viper.Viper, key string) (time.Duration, error) {
	s := getString(v, key)
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

// splitCSV 将逗号分隔字符串解析为字符串切片。
func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
