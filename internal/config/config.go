package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

type CallerConfig struct {
	Name         string   `toml:"name"`
	APIKey       string   `toml:"api_key"`
	Capabilities []string `toml:"capabilities"`
}

// FileConfig is the optional TOML file named by SETTINGS_FILE.
type FileConfig struct {
	Settings map[string]string `toml:"settings"`
	Callers  []CallerConfig    `toml:"callers"`
	Topics   map[string]int    `toml:"topics"`
}

type Config struct {
	HTTPPort    string
	DBDriver    string
	DBDSN       string
	AutoMigrate bool
	LogLevel    string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	TelegramToken       string
	TelegramAdminChatID int64

	UsageSyncSchedule   string
	ExpirySweepSchedule string
	HealthCheckSchedule string
	PanelTimeout        time.Duration

	SettingsFile string
	File         FileConfig
}

func Load() (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	cfg := &Config{
		HTTPPort:            getenv("HTTP_PORT", "8085"),
		DBDriver:            getenv("DB_DRIVER", "sqlite"),
		DBDSN:               os.Getenv("DB_DSN"),
		AutoMigrate:         getenvBool("DB_AUTO_MIGRATE", true),
		LogLevel:            getenv("LOG_LEVEL", "info"),
		RedisAddr:           os.Getenv("REDIS_ADDR"),
		RedisPassword:       os.Getenv("REDIS_PASSWORD"),
		RedisDB:             getenvInt("REDIS_DB", 0),
		TelegramToken:       os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramAdminChatID: int64(getenvInt("TELEGRAM_ADMIN_CHAT_ID", 0)),
		UsageSyncSchedule:   getenv("USAGE_SYNC_SCHEDULE", "@every 5m"),
		ExpirySweepSchedule: getenv("EXPIRY_SWEEP_SCHEDULE", "@every 1m"),
		HealthCheckSchedule: getenv("HEALTH_CHECK_SCHEDULE", "@every 30s"),
		PanelTimeout:        time.Duration(getenvInt("PANEL_TIMEOUT_SECONDS", 15)) * time.Second,
		SettingsFile:        os.Getenv("SETTINGS_FILE"),
	}

	if cfg.DBDriver != "sqlite" && cfg.DBDSN == "" {
		return nil, fmt.Errorf("DB_DSN is required when using %s driver", cfg.DBDriver)
	}
	if cfg.DBDriver == "sqlite" && cfg.DBDSN == "" {
		cfg.DBDSN = "data/provisioner.db"
	}

	if cfg.SettingsFile != "" {
		file, err := LoadFile(cfg.SettingsFile)
		if err != nil {
			return nil, err
		}
		cfg.File = *file
	}

	if key := os.Getenv("ADMIN_API_KEY"); key != "" {
		cfg.File.Callers = append(cfg.File.Callers, CallerConfig{
			Name:         "admin",
			APIKey:       key,
			Capabilities: []string{"*"},
		})
	}

	if len(cfg.File.Callers) == 0 {
		return nil, fmt.Errorf("no API callers configured: set ADMIN_API_KEY or [[callers]] in SETTINGS_FILE")
	}

	return cfg, nil
}

func LoadFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read settings file: %w", err)
	}
	return ParseFile(data)
}

func ParseFile(data []byte) (*FileConfig, error) {
	var file FileConfig
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse settings file: %w", err)
	}
	if file.Settings == nil {
		file.Settings = map[string]string{}
	}
	for i, c := range file.Callers {
		if c.Name == "" || c.APIKey == "" {
			return nil, fmt.Errorf("caller #%d: name and api_key are required", i+1)
		}
	}
	return &file, nil
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
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}
