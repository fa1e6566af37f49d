package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
)

// Config holds every option the relay recognizes. Values come from an
// optional JSON file overlaid with environment variables; the env names
// follow the deployment convention (WS_PORT, WECOM_* etc.).
type Config struct {
	Server   ServerConfig   `json:"server"`
	WeCom    WeComConfig    `json:"wecom"`
	Bindings BindingsConfig `json:"bindings"`
	Locale   string         `json:"locale" env:"LOCALE"`
	LogLevel string         `json:"log_level" env:"KFRELAY_LOG_LEVEL"`
}

// ServerConfig covers the two listeners: the WeCom callback HTTP server
// and the gateway WebSocket server.
type ServerConfig struct {
	Host         string `json:"host" env:"KFRELAY_HOST"`
	HTTPPort     int    `json:"http_port" env:"HTTP_PORT"`
	WSPort       int    `json:"ws_port" env:"WS_PORT"`
	AuthSecret   string `json:"auth_secret" env:"RELAY_AUTH_SECRET"`
	CallbackPath string `json:"callback_path" env:"KFRELAY_CALLBACK_PATH"`
}

// WeComConfig holds the WeCom tenant credentials.
type WeComConfig struct {
	CorpID         string `json:"corp_id" env:"WECOM_CORPID"`
	AppSecret      string `json:"app_secret" env:"WECOM_APP_SECRET"`
	Token          string `json:"token" env:"WECOM_TOKEN"`
	EncodingAESKey string `json:"encoding_aes_key" env:"WECOM_ENCODING_AES_KEY"`
	OpenKfID       string `json:"open_kfid" env:"WECOM_OPEN_KFID"`
	// KfURL is the customer-service chat URL handed to gateways together
	// with a pending binding token.
	KfURL string `json:"kf_url" env:"WECOM_KF_URL"`
}

// BindingsConfig controls binding persistence. When Path is empty the
// relay keeps bindings in memory only.
type BindingsConfig struct {
	Path string `json:"path" env:"KFRELAY_BINDINGS_PATH"`
	// PendingTTLSeconds is how long a pending token stays resolvable.
	PendingTTLSeconds int `json:"pending_ttl_seconds" env:"KFRELAY_PENDING_TTL_SECONDS"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			HTTPPort:     18890,
			WSPort:       18891,
			AuthSecret:   "",
			CallbackPath: "/wecom/callback",
		},
		WeCom: WeComConfig{},
		Bindings: BindingsConfig{
			Path:              "",
			PendingTTLSeconds: 900,
		},
		Locale:   "zh",
		LogLevel: "info",
	}
}

// LoadConfig reads the JSON config at path (missing file is fine) and then
// applies environment variable overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
		} else if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the options the relay cannot run without.
func (c *Config) Validate() error {
	if c.WeCom.CorpID == "" {
		return fmt.Errorf("wecom corp_id (WECOM_CORPID) is required")
	}
	if c.WeCom.AppSecret == "" {
		return fmt.Errorf("wecom app_secret (WECOM_APP_SECRET) is required")
	}
	if c.WeCom.Token == "" {
		return fmt.Errorf("wecom token (WECOM_TOKEN) is required")
	}
	if len(c.WeCom.EncodingAESKey) != 43 {
		return fmt.Errorf("wecom encoding_aes_key (WECOM_ENCODING_AES_KEY) must be 43 characters, got %d", len(c.WeCom.EncodingAESKey))
	}
	if c.WeCom.OpenKfID == "" {
		return fmt.Errorf("wecom open_kfid (WECOM_OPEN_KFID) is required")
	}
	if c.WeCom.KfURL == "" {
		return fmt.Errorf("wecom kf_url (WECOM_KF_URL) is required")
	}
	if c.Server.AuthSecret == "" {
		return fmt.Errorf("relay auth secret (RELAY_AUTH_SECRET) is required")
	}
	if c.Locale != "zh" && c.Locale != "en" {
		return fmt.Errorf("locale must be \"zh\" or \"en\", got %q", c.Locale)
	}
	return nil
}

func SaveConfig(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
