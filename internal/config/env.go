package config

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Env holds the settings that may come from the process environment. Set
// values win over the config file.
type Env struct {
	TelegramToken string `envconfig:"TELEGRAM_TOKEN"`
	DatabaseURL   string `envconfig:"DATABASE_URL"`
	StorageDriver string `envconfig:"STORAGE_DRIVER"`
	LogLevel      string `envconfig:"LOG_LEVEL"`
}

// LoadDotEnv loads path into the environment without overriding variables
// that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func ReadEnv() (Env, error) {
	var e Env
	err := envconfig.Process("", &e)
	return e, err
}

// Overlay copies non-empty environment values into cfg. A DATABASE_URL
// without an explicit driver selects postgres.
func (e Env) Overlay(cfg *Config) {
	if cfg == nil {
		return
	}
	if v := strings.TrimSpace(e.TelegramToken); v != "" {
		cfg.Telegram.Token = v
	}
	if v := strings.TrimSpace(e.DatabaseURL); v != "" {
		cfg.Storage.DSN = v
		if strings.TrimSpace(e.StorageDriver) == "" {
			cfg.Storage.Driver = "postgres"
		}
	}
	if v := strings.TrimSpace(e.StorageDriver); v != "" {
		cfg.Storage.Driver = v
	}
	if v := strings.TrimSpace(e.LogLevel); v != "" {
		cfg.Logging.Level = v
	}
}
