package cliparse

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DatabaseSQLite   = "sqlite"
	DatabasePostgres = "postgres"
)

type Config struct {
	Port              int
	DatabaseURL       string
	DatabaseType      string
	SessionSecret     string
	ResetSalt         string
	BackupDir         string
	MaxBackups        int
	SessionTTL        time.Duration
	ResetTTL          time.Duration
	BaseURL           string
	LogLevel          string
	LogFormat         string
	SchedulerInterval time.Duration
	DevMode           bool
}

// fileConfig mirrors Config for the optional YAML file
type fileConfig struct {
	Port              int    `yaml:"port"`
	DatabaseURL       string `yaml:"database_url"`
	DatabaseType      string `yaml:"database_type"`
	SessionSecret     string `yaml:"session_secret"`
	ResetSalt         string `yaml:"reset_salt"`
	BackupDir         string `yaml:"backup_dir"`
	MaxBackups        *int   `yaml:"max_backups"`
	SessionTTL        string `yaml:"session_ttl"`
	ResetTTL          string `yaml:"reset_ttl"`
	BaseURL           string `yaml:"base_url"`
	LogLevel          string `yaml:"log_level"`
	LogFormat         string `yaml:"log_format"`
	SchedulerInterval string `yaml:"scheduler_interval"`
	DevMode           bool   `yaml:"dev_mode"`
}

// ParseFlags builds the configuration. Precedence is flag, then
// environment (including .env), then the YAML file, then defaults.
func ParseFlags(args []string) (Config, error) {
	var cfg Config
	var configPath, envPath string
	maxBackups := -1

	fs := flag.NewFlagSet("m4bot", flag.ContinueOnError)

	fs.StringVar(&configPath, "c", "", "YAML config file")
	fs.StringVar(&envPath, "env", ".env", "dotenv file loaded into the environment")

	// Network config (can be CLI args or env)
	fs.IntVar(&cfg.Port, "p", 0, "Server port")
	fs.StringVar(&cfg.DatabaseURL, "d", "", "Database URL")
	fs.StringVar(&cfg.DatabaseType, "t", "", "Database type (sqlite or postgres)")
	fs.StringVar(&cfg.BaseURL, "base-url", "", "Public base URL used in links")

	// Secrets (prefer env variables, but allow CLI for dev)
	fs.StringVar(&cfg.SessionSecret, "session-secret", "", "Session signing secret (prefer env)")
	fs.StringVar(&cfg.ResetSalt, "reset-salt", "", "Password reset token salt (prefer env)")

	fs.StringVar(&cfg.BackupDir, "backup-dir", "", "Directory for backup archives")
	fs.IntVar(&maxBackups, "max-backups", -1, "Backups to keep (0 keeps all)")
	fs.StringVar(&cfg.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", "", "Log format (text or json)")
	fs.BoolVar(&cfg.DevMode, "dev", false, "Development mode")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load %s: %w", envPath, err)
	}

	if configPath == "" {
		configPath = os.Getenv("M4BOT_CONFIG")
	}
	var file fileConfig
	if configPath != "" {
		var err error
		file, err = readConfigFile(configPath)
		if err != nil {
			return Config{}, err
		}
	}

	// Fall back to environment variables, then the file, then defaults
	if cfg.Port == 0 {
		if portStr := os.Getenv("PORT"); portStr != "" {
			port, err := strconv.Atoi(portStr)
			if err != nil {
				return Config{}, errors.New("invalid PORT env variable")
			}
			cfg.Port = port
		} else if file.Port != 0 {
			cfg.Port = file.Port
		} else {
			cfg.Port = 5000
		}
	}

	cfg.DatabaseURL = firstNonEmpty(cfg.DatabaseURL, os.Getenv("DATABASE_URL"), file.DatabaseURL)
	if cfg.DatabaseURL == "" {
		return Config{}, errors.New("database URL required (use -d or DATABASE_URL env)")
	}

	cfg.DatabaseType = firstNonEmpty(cfg.DatabaseType, os.Getenv("DATABASE_TYPE"), file.DatabaseType, DatabaseSQLite)
	if cfg.DatabaseType != DatabaseSQLite && cfg.DatabaseType != DatabasePostgres {
		return Config{}, fmt.Errorf("unsupported database type %q", cfg.DatabaseType)
	}

	cfg.BaseURL = firstNonEmpty(cfg.BaseURL, os.Getenv("BASE_URL"), file.BaseURL, "http://localhost:"+strconv.Itoa(cfg.Port))
	cfg.BackupDir = firstNonEmpty(cfg.BackupDir, os.Getenv("BACKUP_DIR"), file.BackupDir, "./backups")
	cfg.LogLevel = firstNonEmpty(cfg.LogLevel, os.Getenv("LOG_LEVEL"), file.LogLevel, "info")
	cfg.LogFormat = firstNonEmpty(cfg.LogFormat, os.Getenv("LOG_FORMAT"), file.LogFormat, "text")

	if maxBackups >= 0 {
		cfg.MaxBackups = maxBackups
	} else if v := os.Getenv("MAX_BACKUPS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return Config{}, errors.New("invalid MAX_BACKUPS env variable")
		}
		cfg.MaxBackups = n
	} else if file.MaxBackups != nil {
		cfg.MaxBackups = *file.MaxBackups
	} else {
		cfg.MaxBackups = 20
	}

	var err error
	if cfg.SessionTTL, err = parseDuration("SESSION_TTL", file.SessionTTL, 24*time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.ResetTTL, err = parseDuration("RESET_TTL", file.ResetTTL, time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.SchedulerInterval, err = parseDuration("SCHEDULER_INTERVAL", file.SchedulerInterval, time.Second); err != nil {
		return Config{}, err
	}

	if !cfg.DevMode {
		cfg.DevMode = os.Getenv("M4BOT_DEV") == "1" || file.DevMode
	}

	// Secrets - MUST be provided
	cfg.SessionSecret = firstNonEmpty(cfg.SessionSecret, os.Getenv("SESSION_SECRET"), file.SessionSecret)
	if cfg.SessionSecret == "" {
		return Config{}, errors.New("SESSION_SECRET required")
	}
	if len(cfg.SessionSecret) < 16 {
		return Config{}, errors.New("SESSION_SECRET must be at least 16 characters")
	}

	cfg.ResetSalt = firstNonEmpty(cfg.ResetSalt, os.Getenv("RESET_SALT"), file.ResetSalt)
	if cfg.ResetSalt == "" {
		return Config{}, errors.New("RESET_SALT required")
	}

	return cfg, nil
}

func readConfigFile(path string) (fileConfig, error) {
	var file fileConfig
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return file, fmt.Errorf("config file %s not found", path)
	}
	if err != nil {
		return file, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return file, fmt.Errorf("failed to parse config file: %w", err)
	}
	return file, nil
}

func parseDuration(envKey, fileValue string, def time.Duration) (time.Duration, error) {
	raw := firstNonEmpty(os.Getenv(envKey), fileValue)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s %q", envKey, raw)
	}
	return d, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
