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

// ConfigPath is the default config file, overridable with RELAY_CONFIG.
const ConfigPath = "config.yaml"

// MemoryDatabaseURL selects the in-process store.
const MemoryDatabaseURL = "memory"

// MinioConfig configures attachment blob storage. An empty endpoint keeps
// attachments inline in the database.
type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"useSSL"`
}

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port                      string      `yaml:"port"`
	LogLevel                  string      `yaml:"logLevel"`
	DatabaseURL               string      `yaml:"databaseURL"`
	JWTSecret                 string      `yaml:"jwtSecret"`
	JWTIssuer                 string      `yaml:"jwtIssuer"`
	JWTAudience               string      `yaml:"jwtAudience"`
	JWTLeeway                 string      `yaml:"jwtLeeway"`
	AccessTokenTTL            string      `yaml:"accessTokenTTL"`
	RefreshTokenTTL           string      `yaml:"refreshTokenTTL"`
	RedisAddr                 string      `yaml:"redisAddr"`
	RedisPassword             string      `yaml:"redisPassword"`
	Minio                     MinioConfig `yaml:"minio"`
	AllowedOrigins            []string    `yaml:"allowedOrigins"`
	TrustedProxyCIDRs         []string    `yaml:"trustedProxyCidrs"`
	ChatMessagesPerMinute     int         `yaml:"chatMessagesPerMinute"`
	UpgradeRateLimitPerMinute int         `yaml:"upgradeRateLimitPerMinute"`
	MaxFrameBytes             int64       `yaml:"maxFrameBytes"`
	MaxAttachmentBytes        int64       `yaml:"maxAttachmentBytes"`
	HistoryLimit              int         `yaml:"historyLimit"`
}

// LoadEnvFile loads KEY=value pairs from path into the process environment
// without overriding variables that are already set. A missing file is not
// an error.
func LoadEnvFile(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

// Path returns RELAY_CONFIG when set, otherwise ConfigPath.
func Path() string {
	if v := strings.TrimSpace(os.Getenv("RELAY_CONFIG")); v != "" {
		return v
	}
	return ConfigPath
}

// Load reads config from path (defaults to config.yaml), applies environment
// overrides and validates the result.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	if v := os.Getenv("RELAY_PORT"); v != "" {
		cfg.Port = strings.TrimSpace(v)
	}
	if v := os.Getenv("RELAY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.TrimSpace(v)
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("JWT_ISSUER"); v != "" {
		cfg.JWTIssuer = v
	}
	if v := os.Getenv("JWT_AUDIENCE"); v != "" {
		cfg.JWTAudience = v
	}
	if v := os.Getenv("JWT_LEEWAY"); v != "" {
		cfg.JWTLeeway = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.Minio.Endpoint = strings.TrimSpace(v)
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.Minio.AccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.Minio.SecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.Minio.Bucket = strings.TrimSpace(v)
	}
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.Minio.UseSSL = b
		}
	}
	if v := os.Getenv("RELAY_ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = splitCSV(v)
	}
	if v := os.Getenv("RELAY_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
	if v := os.Getenv("RELAY_CHAT_MESSAGES_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.ChatMessagesPerMinute = n
		}
	}
	if v := os.Getenv("RELAY_UPGRADE_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.UpgradeRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("RELAY_MAX_FRAME_BYTES"); v != "" {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			cfg.MaxFrameBytes = n
		}
	}
	if v := os.Getenv("RELAY_MAX_ATTACHMENT_BYTES"); v != "" {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			cfg.MaxAttachmentBytes = n
		}
	}
	if v := os.Getenv("RELAY_HISTORY_LIMIT"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.HistoryLimit = n
		}
	}
}

func applyDefaults(cfg *FileConfig) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.ChatMessagesPerMinute == 0 {
		cfg.ChatMessagesPerMinute = 60
	}
	if cfg.UpgradeRateLimitPerMinute == 0 {
		cfg.UpgradeRateLimitPerMinute = 30
	}
	if cfg.MaxFrameBytes == 0 {
		cfg.MaxFrameBytes = 16 << 20
	}
	if cfg.MaxAttachmentBytes == 0 {
		cfg.MaxAttachmentBytes = 10 << 20
	}
	if cfg.HistoryLimit == 0 {
		cfg.HistoryLimit = 50
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml or RELAY_PORT)")
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL; use \"memory\" for the in-process store)")
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return errors.New("config: jwtSecret is required (set in config.yaml or JWT_SECRET)")
	}
	if cfg.ChatMessagesPerMinute < 0 || cfg.UpgradeRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	if cfg.MaxFrameBytes < 0 || cfg.MaxAttachmentBytes < 0 {
		return errors.New("config: size limits must be >= 0")
	}
	if cfg.MaxAttachmentBytes > cfg.MaxFrameBytes {
		return errors.New("config: maxAttachmentBytes must not exceed maxFrameBytes")
	}
	if cfg.HistoryLimit < 0 || cfg.HistoryLimit > 50 {
		return errors.New("config: historyLimit must be between 1 and 50")
	}
	if cfg.Minio.Endpoint != "" && strings.TrimSpace(cfg.Minio.Bucket) == "" {
		return errors.New("config: minio.bucket is required when minio.endpoint is set")
	}
	if _, err := ParseJWTLeeway(cfg.JWTLeeway); err != nil {
		return err
	}
	if _, err := ParseTTL("accessTokenTTL", cfg.AccessTokenTTL); err != nil {
		return err
	}
	if _, err := ParseTTL("refreshTokenTTL", cfg.RefreshTokenTTL); err != nil {
		return err
	}
	return nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

// ParseJWTLeeway parses optional JWT leeway duration string.
func ParseJWTLeeway(leewayStr string) (time.Duration, error) {
	if leewayStr == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(leewayStr)
	if err != nil {
		return 0, fmt.Errorf("invalid jwtLeeway duration: %w", err)
	}
	if dur < 0 {
		return 0, errors.New("invalid jwtLeeway duration: must be >= 0")
	}
	return dur, nil
}

// ParseTTL parses an optional positive duration; empty means the default.
func ParseTTL(field, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration: %w", field, err)
	}
	if dur <= 0 {
		return 0, fmt.Errorf("invalid %s duration: must be > 0", field)
	}
	return dur, nil
}
