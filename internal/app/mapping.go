package app

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"wablast/internal/config"
	"wablast/internal/hub"
	"wablast/internal/storage"
)

// validate is the config hook used both at boot and before hot-reload
// commits.
func validate(_ context.Context, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.HTTP.UploadMaxMB < 0 {
		return fmt.Errorf("http.upload_max_mb must be >= 0")
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHubConfig(cfg); err != nil {
		return err
	}
	if cfg.Telegram.Enabled {
		if strings.TrimSpace(cfg.Telegram.Token) == "" {
			return fmt.Errorf("telegram.token is required when telegram.enabled")
		}
		if cfg.Telegram.ChatID == 0 {
			return fmt.Errorf("telegram.chat_id is required when telegram.enabled")
		}
	}
	if r := strings.TrimSpace(cfg.Phones.DefaultRegion); r != "" && len(r) != 2 {
		return fmt.Errorf("phones.default_region: want ISO 3166-1 alpha-2, got %q", r)
	}
	switch d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); d {
	case "", "none", "file", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", d)
	}
	return nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, nil
}

func mapHubConfig(cfg *config.Config) (hub.Config, error) {
	idle, err := config.ParseDurationOrDefault("hub.idle_window", cfg.Hub.IdleWindow, 0)
	if err != nil {
		return hub.Config{}, err
	}
	sweep, err := config.ParseDurationOrDefault("hub.sweep_every", cfg.Hub.SweepEvery, 0)
	if err != nil {
		return hub.Config{}, err
	}
	return hub.Config{IdleWindow: idle, SweepEvery: sweep}, nil
}

func encodeArtifact(png []byte) string {
	return base64.StdEncoding.EncodeToString(png)
}
