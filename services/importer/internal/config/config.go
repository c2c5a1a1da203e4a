package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/robfig/cron/v3"
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
	Port           string `yaml:"port"`
	LogLevel       string `yaml:"logLevel"`
	DatabaseURL    string `yaml:"databaseURL"`
	DBMaxOpenConns int    `yaml:"dbMaxOpenConns"`
	DBMaxIdleConns int    `yaml:"dbMaxIdleConns"`
	RedisAddr      string `yaml:"redisAddr"`
	RedisPassword  string `yaml:"redisPassword"`

	StorageDriver  string `yaml:"storageDriver"`
	DataDir        string `yaml:"dataDir"`
	TempDir        string `yaml:"tempDir"`
	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`

	ImportStream         string `yaml:"importStream"`
	ImportGroup          string `yaml:"importGroup"`
	ImportConsumer       string `yaml:"importConsumer"`
	ImportConcurrency    int    `yaml:"importConcurrency"`
	ImportBatchSize      int    `yaml:"importBatchSize"`
	ImportTimeoutSeconds int    `yaml:"importTimeoutSeconds"`
	JobTTLHours          int    `yaml:"jobTTLHours"`
	// Uploads older than this are removed by the sweeper even if no job
	// claimed them.
	UploadMaxAgeHours int    `yaml:"uploadMaxAgeHours"`
	SweepSchedule     string `yaml:"sweepSchedule"`

	SMTPHost     string `yaml:"smtpHost"`
	SMTPPort     int    `yaml:"smtpPort"`
	SMTPUsername string `yaml:"smtpUsername"`
	SMTPPassword string `yaml:"smtpPassword"`
	SMTPFrom     string `yaml:"smtpFrom"`
	SMTPTLS      string `yaml:"smtpTLS"`
	MailBuffer   int    `yaml:"mailBuffer"`

	// InternalPublicKeys is "kid=path,..." for tokens accepted on /internal routes.
	InternalPublicKeys     string   `yaml:"internalPublicKeys"`
	InternalAllowedIssuers []string `yaml:"internalAllowedIssuers"`
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
	setString(&cfg.Port, "IMPORTER_PORT")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.DatabaseURL, "DATABASE_URL")
	setString(&cfg.RedisAddr, "REDIS_ADDR")
	setString(&cfg.RedisPassword, "REDIS_PASSWORD")
	setString(&cfg.StorageDriver, "STORAGE_DRIVER")
	setString(&cfg.DataDir, "DATA_DIR")
	setString(&cfg.TempDir, "IMPORTER_TEMP_DIR")
	setString(&cfg.MinioEndpoint, "MINIO_ENDPOINT")
	setString(&cfg.MinioAccessKey, "MINIO_ACCESS_KEY")
	setString(&cfg.MinioSecretKey, "MINIO_SECRET_KEY")
	setString(&cfg.MinioBucket, "MINIO_BUCKET")
	setBool(&cfg.MinioUseSSL, "MINIO_USE_SSL")
	setString(&cfg.ImportStream, "IMPORT_STREAM")
	setString(&cfg.ImportGroup, "IMPORT_GROUP")
	setString(&cfg.ImportConsumer, "IMPORT_CONSUMER")
	setInt(&cfg.ImportConcurrency, "IMPORT_CONCURRENCY")
	setInt(&cfg.ImportBatchSize, "IMPORT_BATCH_SIZE")
	setInt(&cfg.ImportTimeoutSeconds, "IMPORT_TIMEOUT_SECONDS")
	setInt(&cfg.JobTTLHours, "IMPORT_JOB_TTL_HOURS")
	setInt(&cfg.UploadMaxAgeHours, "IMPORT_UPLOAD_MAX_AGE_HOURS")
	setString(&cfg.SweepSchedule, "IMPORT_SWEEP_SCHEDULE")
	setString(&cfg.SMTPHost, "SMTP_HOST")
	setInt(&cfg.SMTPPort, "SMTP_PORT")
	setString(&cfg.SMTPUsername, "SMTP_USERNAME")
	setString(&cfg.SMTPPassword, "SMTP_PASSWORD")
	setString(&cfg.SMTPFrom, "SMTP_FROM")
	setString(&cfg.SMTPTLS, "SMTP_TLS")
	setInt(&cfg.MailBuffer, "MAIL_BUFFER")
	setString(&cfg.InternalPublicKeys, "INTERNAL_PUBLIC_KEYS")
	if v := os.Getenv("INTERNAL_ALLOWED_ISSUERS"); v != "" {
		cfg.InternalAllowedIssuers = splitCSV(v)
	}
}

func applyDefaults(cfg *FileConfig) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.StorageDriver == "" {
		cfg.StorageDriver = "local"
	}
	if cfg.ImportStream == "" {
		cfg.ImportStream = "roster:imports"
	}
	if cfg.ImportGroup == "" {
		cfg.ImportGroup = "importers"
	}
	if cfg.ImportConcurrency <= 0 {
		cfg.ImportConcurrency = 2
	}
	if cfg.JobTTLHours <= 0 {
		cfg.JobTTLHours = 24
	}
	if cfg.UploadMaxAgeHours <= 0 {
		cfg.UploadMaxAgeHours = 24
	}
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = "@hourly"
	}
	if len(cfg.InternalAllowedIssuers) == 0 {
		cfg.InternalAllowedIssuers = []string{"rosterctl"}
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml or IMPORTER_PORT)")
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required (set in config.yaml or REDIS_ADDR)")
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
	if cfg.ImportTimeoutSeconds < 0 || cfg.ImportBatchSize < 0 {
		return errors.New("config: importTimeoutSeconds and importBatchSize must be >= 0")
	}
	if _, err := cron.ParseStandard(cfg.SweepSchedule); err != nil {
		return fmt.Errorf("config: invalid sweepSchedule %q: %w", cfg.SweepSchedule, err)
	}
	if cfg.SMTPHost != "" && cfg.SMTPFrom == "" {
		return errors.New("config: smtpFrom is required when smtpHost is set")
	}
	return nil
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
