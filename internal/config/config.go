package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type MasterConfig struct {
	HTTPPort    string `yaml:"http_port"`
	DBDriver    string `yaml:"db_driver"`
	DBDSN       string `yaml:"db_dsn"`
	AutoMigrate bool   `yaml:"auto_migrate"`
	HMACSecret  string `yaml:"hmac_secret"`
	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`

	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	XrayBinary          string   `yaml:"xray_binary"`
	XrayAssetsPath      string   `yaml:"xray_assets_path"`
	XrayAPIHost         string   `yaml:"xray_api_host"`
	XrayAPIPort         int      `yaml:"xray_api_port"`
	XrayExcludeInbounds []string `yaml:"xray_exclude_inbound_tags"`
	XrayFallbacksTag    string   `yaml:"xray_fallbacks_inbound_tag"`
	XrayConfigFile      string   `yaml:"xray_config_file"`

	NodeClientCertFile string `yaml:"node_client_cert_file"`
	NodeClientKeyFile  string `yaml:"node_client_key_file"`

	BackupDir string `yaml:"backup_dir"`

	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	UsageInterval       time.Duration `yaml:"usage_interval"`
	ReviewInterval      time.Duration `yaml:"review_interval"`
	CacheInterval       time.Duration `yaml:"cache_interval"`
	NodeTimeout         time.Duration `yaml:"node_timeout"`
	NotifyCooldown      time.Duration `yaml:"notify_cooldown"`
	CollectWorkers      int           `yaml:"collect_workers"`
	TaskWorkers         int           `yaml:"task_workers"`
	PersistRetries      int           `yaml:"persist_retries"`

	TelegramToken    string  `yaml:"telegram_token"`
	TelegramAdminIDs []int64 `yaml:"telegram_admin_ids"`
	Language         string  `yaml:"language"`
}

// LoadMasterConfig reads .env (if present), an optional YAML file named by
// MASTER_CONFIG_FILE and finally MASTER_* environment variables, in that
// order of increasing precedence.
func LoadMasterConfig() (*MasterConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := defaultMasterConfig()
	if path := os.Getenv("MASTER_CONFIG_FILE"); path != "" {
		if err := loadYAML(path, cfg); err != nil {
			return nil, err
		}
	}
	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultMasterConfig() *MasterConfig {
	return &MasterConfig{
		HTTPPort:            "8085",
		DBDriver:            "sqlite",
		AutoMigrate:         true,
		LogLevel:            "info",
		XrayBinary:          "/usr/local/bin/xray",
		XrayAssetsPath:      "/usr/local/share/xray",
		XrayAPIHost:         "127.0.0.1",
		XrayAPIPort:         62789,
		XrayConfigFile:      "xray_config.json",
		BackupDir:           "data/usage",
		HealthCheckInterval: 30 * time.Second,
		UsageInterval:       10 * time.Second,
		ReviewInterval:      30 * time.Second,
		CacheInterval:       time.Minute,
		NodeTimeout:         10 * time.Second,
		NotifyCooldown:      5 * time.Minute,
		CollectWorkers:      10,
		TaskWorkers:         4,
		PersistRetries:      3,
		Language:            "en",
	}
}

func loadYAML(path string, cfg *MasterConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *MasterConfig) {
	cfg.HTTPPort = getenv("MASTER_HTTP_PORT", cfg.HTTPPort)
	cfg.DBDriver = getenv("MASTER_DB_DRIVER", cfg.DBDriver)
	cfg.DBDSN = getenv("MASTER_DB_DSN", cfg.DBDSN)
	cfg.AutoMigrate = getenvBool("MASTER_DB_AUTO_MIGRATE", cfg.AutoMigrate)
	cfg.HMACSecret = getenv("MASTER_HMAC_SECRET", cfg.HMACSecret)
	cfg.TLSCertFile = getenv("MASTER_TLS_CERT_FILE", cfg.TLSCertFile)
	cfg.TLSKeyFile = getenv("MASTER_TLS_KEY_FILE", cfg.TLSKeyFile)

	cfg.LogLevel = getenv("MASTER_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFile = getenv("MASTER_LOG_FILE", cfg.LogFile)

	cfg.RedisAddr = getenv("MASTER_REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = getenv("MASTER_REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = getenvInt("MASTER_REDIS_DB", cfg.RedisDB)

	cfg.XrayBinary = getenv("MASTER_XRAY_BINARY", cfg.XrayBinary)
	cfg.XrayAssetsPath = getenv("MASTER_XRAY_ASSETS_PATH", cfg.XrayAssetsPath)
	cfg.XrayAPIHost = getenv("MASTER_XRAY_API_HOST", cfg.XrayAPIHost)
	cfg.XrayAPIPort = getenvInt("MASTER_XRAY_API_PORT", cfg.XrayAPIPort)
	cfg.XrayExcludeInbounds = getenvList("MASTER_XRAY_EXCLUDE_INBOUND_TAGS", cfg.XrayExcludeInbounds)
	cfg.XrayFallbacksTag = getenv("MASTER_XRAY_FALLBACKS_INBOUND_TAG", cfg.XrayFallbacksTag)
	cfg.XrayConfigFile = getenv("MASTER_XRAY_CONFIG_FILE", cfg.XrayConfigFile)

	cfg.NodeClientCertFile = getenv("MASTER_NODE_CLIENT_CERT_FILE", cfg.NodeClientCertFile)
	cfg.NodeClientKeyFile = getenv("MASTER_NODE_CLIENT_KEY_FILE", cfg.NodeClientKeyFile)

	cfg.BackupDir = getenv("MASTER_BACKUP_DIR", cfg.BackupDir)

	cfg.HealthCheckInterval = getenvDuration("MASTER_HEALTH_CHECK_INTERVAL", cfg.HealthCheckInterval)
	cfg.UsageInterval = getenvDuration("MASTER_USAGE_INTERVAL", cfg.UsageInterval)
	cfg.ReviewInterval = getenvDuration("MASTER_REVIEW_INTERVAL", cfg.ReviewInterval)
	cfg.CacheInterval = getenvDuration("MASTER_CACHE_INTERVAL", cfg.CacheInterval)
	cfg.NodeTimeout = getenvDuration("MASTER_NODE_TIMEOUT", cfg.NodeTimeout)
	cfg.NotifyCooldown = getenvDuration("MASTER_NOTIFY_COOLDOWN", cfg.NotifyCooldown)
	cfg.CollectWorkers = getenvInt("MASTER_COLLECT_WORKERS", cfg.CollectWorkers)
	cfg.TaskWorkers = getenvInt("MASTER_TASK_WORKERS", cfg.TaskWorkers)
	cfg.PersistRetries = getenvInt("MASTER_PERSIST_RETRIES", cfg.PersistRetries)

	cfg.TelegramToken = getenv("MASTER_TELEGRAM_TOKEN", cfg.TelegramToken)
	cfg.TelegramAdminIDs = getenvInt64List("MASTER_TELEGRAM_ADMIN_IDS", cfg.TelegramAdminIDs)
	cfg.Language = getenv("MASTER_LANGUAGE", cfg.Language)
}

func (c *MasterConfig) Validate() error {
	if c.DBDriver != "sqlite" && c.DBDSN == "" {
		return fmt.Errorf("MASTER_DB_DSN is required when using %s driver", c.DBDriver)
	}

	if c.DBDriver == "sqlite" && c.DBDSN == "" {
		c.DBDSN = "data/master.db"
	}

	if c.HMACSecret == "" {
		return fmt.Errorf("MASTER_HMAC_SECRET must be provided")
	}

	if c.XrayAPIPort <= 0 || c.XrayAPIPort > 65535 {
		return fmt.Errorf("invalid xray api port %d", c.XrayAPIPort)
	}

	if (c.NodeClientCertFile == "") != (c.NodeClientKeyFile == "") {
		return fmt.Errorf("node client cert and key must be provided together")
	}

	if c.CollectWorkers <= 0 {
		c.CollectWorkers = 10
	}
	if c.TaskWorkers <= 0 {
		c.TaskWorkers = 4
	}
	if c.PersistRetries <= 0 {
		c.PersistRetries = 3
	}
	return nil
}

func getenv(key string, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseBool(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := time.ParseDuration(strings.TrimSpace(value))
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getenvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getenvInt64List(key string, fallback []int64) []int64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []int64
	for _, part := range strings.Split(value, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err == nil {
			out = append(out, id)
		}
	}
	return out
}
