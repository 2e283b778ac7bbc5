package config

// Config is the on-disk configuration (YAML or JSON; see manager.go).
// Duration fields are Go duration strings (e.g. "30s", "5m").
type Config struct {
	HTTP     HTTPConfig     `json:"http"`
	WhatsApp WhatsAppConfig `json:"whatsapp"`
	Phones   PhonesConfig   `json:"phones"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Hub      HubConfig      `json:"hub"`
	Telegram TelegramConfig `json:"telegram"`
}

type HTTPConfig struct {
	Listen string `json:"listen"`
	// UploadMaxMB bounds spreadsheet uploads. 0 means the default (10).
	UploadMaxMB int `json:"upload_max_mb"`
}

type WhatsAppConfig struct {
	// StorePath is the whatsmeow device-store SQLite file.
	StorePath string `json:"store_path"`
	// DeviceName shows up in the phone's linked-devices list.
	DeviceName string `json:"device_name"`
	// LogLevel for the whatsmeow client's own logger (DEBUG/INFO/WARN/ERROR).
	LogLevel string `json:"log_level"`
}

type PhonesConfig struct {
	// DefaultRegion is the ISO 3166-1 region applied to numbers without a
	// country prefix (e.g. "ID", "US").
	DefaultRegion string `json:"default_region"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}
type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type StorageConfig struct {
	// Driver: "sqlite", "file" or "none".
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type HubConfig struct {
	// IdleWindow is how long an observer may stay silent before eviction.
	IdleWindow string `json:"idle_window,omitempty"`
	// SweepEvery is the eviction sweep period.
	SweepEvery string `json:"sweep_every,omitempty"`
}

type TelegramConfig struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token"`
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}
