package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.amora/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`

	Server ServerConfig `toml:"server"`
	Media  MediaConfig  `toml:"media"`
	Calls  CallsConfig  `toml:"calls"`
	Chat   ChatConfig   `toml:"chat"`
}

// ServerConfig holds the backend endpoints.
type ServerConfig struct {
	BaseURL   string `toml:"base_url"`
	SocketURL string `toml:"socket_url"`
}

// MediaConfig holds peer-connection settings.
type MediaConfig struct {
	StunServers []string `toml:"stun_servers"`
}

// CallsConfig holds call policy knobs. A zero ring timeout means an outgoing
// call stays pending until the remote side responds or the user cancels.
type CallsConfig struct {
	RingTimeoutSeconds int `toml:"ring_timeout_seconds"`
}

// ChatConfig holds chat policy knobs. A zero typing expiry means a typing
// indicator only clears on an explicit stop event or a new message.
type ChatConfig struct {
	TypingExpirySeconds int `toml:"typing_expiry_seconds"`
	HistoryPageSize     int `toml:"history_page_size"`
}

// Default returns the config used when no file exists yet.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			BaseURL:   "https://api.amora.app",
			SocketURL: "wss://api.amora.app/socket",
		},
		Media: MediaConfig{
			StunServers: []string{
				"stun:stun.l.google.com:19302",
				"stun:stun1.l.google.com:19302",
			},
		},
		Chat: ChatConfig{
			HistoryPageSize: 50,
		},
	}
}

// Load reads config from the given path. Returns an error if the file is
// missing or malformed.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
