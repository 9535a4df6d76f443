// Package config provides the client's persisted configuration and the
// relay's optional static limits file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
)

const clientConfigFileName = "config.json"

var (
	ErrInvalidServerURL = errors.New("config: server_url must be a ws:// or wss:// URL")
	ErrEmptyDeviceName  = errors.New("config: device_name must not be empty")
)

// ClientConfig is the client's persisted configuration (spec §6): server
// URL, room code, device name, and the last counter value used for outgoing
// sends so a restarted client never reuses a nonce.
type ClientConfig struct {
	ServerURL   string `json:"server_url"`
	RoomCode    string `json:"room_code"`
	DeviceName  string `json:"device_name"`
	LastCounter uint64 `json:"last_counter"`
}

// Validate checks the fields required for the client to start a session.
// RoomCode is intentionally not validated here: an empty room code is valid
// in a freshly-written config and triggers interactive setup (spec §6).
func (c *ClientConfig) Validate() error {
	u, err := url.Parse(c.ServerURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return ErrInvalidServerURL
	}
	if c.DeviceName == "" {
		return ErrEmptyDeviceName
	}
	return nil
}

// Redacted returns a copy of c with RoomCode blanked, safe to pass to a
// logger or print to a terminal.
func (c ClientConfig) Redacted() ClientConfig {
	if c.RoomCode != "" {
		c.RoomCode = "<redacted>"
	}
	return c
}

// clientConfigPath resolves config.json under configDir.
func clientConfigPath(configDir string) string {
	return filepath.Join(configDir, clientConfigFileName)
}

// LoadClientConfig reads and parses config.json from configDir. It does not
// call Validate; callers validate after applying any overrides.
func LoadClientConfig(configDir string) (*ClientConfig, error) {
	data, err := os.ReadFile(clientConfigPath(configDir))
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", clientConfigPath(configDir), err)
	}

	var cfg ClientConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", clientConfigPath(configDir), err)
	}
	return &cfg, nil
}

// SaveClientConfig writes cfg to configDir atomically (temp file + rename),
// making up to 3 rename attempts in total. The directory is
// created if it does not already exist.
func SaveClientConfig(configDir string, cfg *ClientConfig) error {
	if err := os.MkdirAll(configDir, 0o700); err != nil {
		return fmt.Errorf("config: create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal config: %w", err)
	}

	path := clientConfigPath(configDir)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("config: write temp file: %w", err)
	}

	const maxRetries = 3
	var renameErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if renameErr = os.Rename(tmp, path); renameErr == nil {
			return nil
		}
	}
	os.Remove(tmp)
	return fmt.Errorf("config: persist config after %d attempts: %w", maxRetries, renameErr)
}

// PersistCounter loads the client config, updates LastCounter, and saves it
// back. It is called after every successful encrypted send (spec §4.3).
func PersistCounter(configDir string, counter uint64) error {
	cfg, err := LoadClientConfig(configDir)
	if err != nil {
		return err
	}
	cfg.LastCounter = counter
	return SaveClientConfig(configDir, cfg)
}
