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

// ConfigPath is the config file read by default. ROSTER_CONFIG overrides it.
var ConfigPath = configPath()

func configPath() string {
	if v := strings.TrimSpace(os.Getenv("ROSTER_CONFIG")); v != "" {
		return v
	}
	return "config.yaml"
}

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port              string   `yaml:"port"`
	LogLevel          string   `yaml:"logLevel"`
	DatabaseURL       string   `yaml:"databaseURL"`
	DBMaxOpenConns    int      `yaml:"dbMaxOpenConns"`
	DBMaxIdleConns    int      `yaml:"dbMaxIdleConns"`
	RedisAddr         string   `yaml:"redisAddr"`
	RedisPassword     string   `yaml:"redisPassword"`
	CORSOrigins       []string `yaml:"corsOrigins"`
	TrustedProxyCIDRs []string `yaml:"trustedProxyCidrs"`

	SessionTTL        string `yaml:"sessionTTL"`
	JWTPrivateKeyPath string `yaml:"jwtPrivateKeyPath"`
	JWTKeyID          string `yaml:"jwtKeyId"`
	JWTSecret         string `yaml:"jwtSecret"`
	JWTIssuer         string `yaml:"jwtIssuer"`
	JWTAudience       string `yaml:"jwtAudience"`
	JWTLeeway         string `yaml:"jwtLeeway"`

	LoginRateLimitPerMinute int `yaml:"loginRateLimitPerMinute"`
	CacheTTLSeconds         int `yaml:"cacheTTLSeconds"`

	MaxUploadBytes int64  `yaml:"maxUploadBytes"`
	StorageDriver  string `yaml:"storageDriver"`
	DataDir        string `yaml:"dataDir"`
	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`

	// QueueDriver "memory" runs imports inside the API process.
	QueueDriver          string `yaml:"queueDriver"`
	ImportStream         string `yaml:"importStream"`
	ImportConcurrency    int    `yaml:"importConcurrency"`
	ImportBatchSize      int    `yaml:"importBatchSize"`
	ImportTimeoutSeconds int    `yaml:"importTimeoutSeconds"`

	SMTPHost     string `yaml:"smtpHost"`
	SMTPPort     int    `yaml:"smtpPort"`
	SMTPUsername string `yaml:"smtpUsername"`
	SMTPPassword string `yaml:"smtpPassword"`
	SMTPFrom     string `yaml:"smtpFrom"`
	SMTPTLS      string `yaml:"smtpTLS"`
}

// Load reads .env, then the YAML file at path (defaults to ConfigPath), then
// applies environment overrides.
func Load(path string) (FileConfig, error) {
	_ = godotenv.Load()
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
	setString(&cfg.Port, "API_PORT")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.DatabaseURL, "DATABASE_URL")
	setString(&cfg.RedisAddr, "REDIS_ADDR")
	setString(&cfg.RedisPassword, "REDIS_PASSWORD")
	if v := os.Getenv("API_CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitCSV(v)
	}
	if v := os.Getenv("API_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
	setString(&cfg.SessionTTL, "SESSION_TTL")
	setString(&cfg.JWTPrivateKeyPath, "JWT_PRIVATE_KEY_PATH")
	setString(&cfg.JWTKeyID, "JWT_KEY_ID")
	setString(&cfg.JWTSecret, "JWT_SECRET")
	setString(&cfg.JWTIssuer, "JWT_ISSUER")
	setString(&cfg.JWTAudience, "JWT_AUDIENCE")
	setString(&cfg.JWTLeeway, "JWT_LEEWAY")
	setInt(&cfg.LoginRateLimitPerMinute, "API_LOGIN_RATE_LIMIT_PER_MINUTE")
	setInt(&cfg.CacheTTLSeconds, "API_CACHE_TTL_SECONDS")
	if v := os.Getenv("API_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			cfg.MaxUploadBytes = n
		}
	}
	setString(&cfg.StorageDriver, "STORAGE_DRIVER")
	setString(&cfg.DataDir, "DATA_DIR")
	setString(&cfg.MinioEndpoint, "MINIO_ENDPOINT")
	setString(&cfg.MinioAccessKey, "MINIO_ACCESS_KEY")
	setString(&cfg.MinioSecretKey, "MINIO_SECRET_KEY")
	setString(&cfg.MinioBucket, "MINIO_BUCKET")
	setBool(&cfg.MinioUseSSL, "MINIO_USE_SSL")
	setString(&cfg.QueueDriver, "QUEUE_DRIVER")
	setString(&cfg.ImportStream, "IMPORT_STREAM")
	setInt(&cfg.ImportConcurrency, "IMPORT_CONCURRENCY")
	setInt(&cfg.ImportBatchSize, "IMPORT_BATCH_SIZE")
	setInt(&cfg.ImportTimeoutSeconds, "IMPORT_TIMEOUT_SECONDS")
	setString(&cfg.SMTPHost, "SMTP_HOST")
	setInt(&cfg.SMTPPort, "SMTP_PORT")
	setString(&cfg.SMTPUsername, "SMTP_USERNAME")
	setString(&cfg.SMTPPassword, "SMTP_PASSWORD")
	setString(&cfg.SMTPFrom, "SMTP_FROM")
	setString(&cfg.SMTPTLS, "SMTP_TLS")
}

func applyDefaults(cfg *FileConfig) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 2 << 20
	}
	if cfg.StorageDriver == "" {
		cfg.StorageDriver = "local"
	}
	if cfg.QueueDriver == "" {
		cfg.QueueDriver = "redis"
	}
	if cfg.LoginRateLimitPerMinute == 0 {
		cfg.LoginRateLimitPerMinute = 10
	}
	if cfg.ImportStream == "" {
		cfg.ImportStream = "roster:imports"
	}
	if cfg.ImportConcurrency <= 0 {
		cfg.ImportConcurrency = 2
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml or API_PORT)")
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if strings.TrimSpace(cfg.JWTPrivateKeyPath) == "" && strings.TrimSpace(cfg.JWTSecret) == "" {
		return errors.New("config: jwtPrivateKeyPath or jwtSecret is required")
	}
	switch cfg.QueueDriver {
	case "redis":
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			return errors.New("config: redisAddr is required for queueDriver redis")
		}
	case "memory":
	default:
		return fmt.Errorf("config: unknown queueDriver %q (redis or memory)", cfg.QueueDriver)
	}
	switch cfg.StorageDriver {
	case "local":
		if strings.TrimSpace(cfg.DataDir) == "" {
			return errors.New("config: dataDir is required for storageDriver local")
		}
	case "minio":
		if cfg.MinioEndpoint == "" || cfg.MinioBucket == "" {
			return errors.New("config: minioEndpoint and minioBucket are required for storageDriver minio")
		}
	default:
		return fmt.Errorf("config: unknown storageDriver %q (local or minio)", cfg.StorageDriver)
	}
	if cfg.LoginRateLimitPerMinute < 0 || cfg.CacheTTLSeconds < 0 || cfg.ImportTimeoutSeconds < 0 {
		return errors.New("config: limits and timeouts must be >= 0")
	}
	if cfg.QueueDriver == "memory" && cfg.SMTPHost != "" && cfg.SMTPFrom == "" {
		return errors.New("config: smtpFrom is required when smtpHost is set")
	}
	return nil
}

// ParseSessionTTL parses the optional token lifetime.
func ParseSessionTTL(ttl string) (time.Duration, error) {
	return parseDuration("sessionTTL", ttl)
}

// ParseJWTLeeway parses optional JWT leeway duration string.
func ParseJWTLeeway(leeway string) (time.Duration, error) {
	return parseDuration("jwtLeeway", leeway)
}

func parseDuration(name, value string) (time.Duration, error) {
	if strings.TrimSpace(value) == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration: %w", name, err)
	}
	return dur, nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = strings.TrimSpace(v)
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			*dst = b
		}
	}
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
