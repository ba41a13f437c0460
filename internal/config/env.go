package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables that override file settings.
const (
	EnvTelegramToken = "API_TOKEN"
	EnvBackendAPIKey = "JETADMIN_API_KEY"
	EnvPostsURL      = "API_URL_POST"
	EnvUsersURL      = "API_URL_USER"
)

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment. Variables already set are left alone and missing files are
// skipped.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}

// ApplyEnv overlays secrets and endpoints from the process environment.
func ApplyEnv(cfg *Config) { applyEnv(cfg, os.Getenv) }

func applyEnv(cfg *Config, getenv func(string) string) {
	if cfg == nil || getenv == nil {
		return
	}
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&cfg.Telegram.Token, EnvTelegramToken)
	set(&cfg.Backend.APIKey, EnvBackendAPIKey)
	set(&cfg.Backend.PostsURL, EnvPostsURL)
	set(&cfg.Backend.UsersURL, EnvUsersURL)
}
