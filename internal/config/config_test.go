package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestClientConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ClientConfig
		wantErr error
	}{
		{"valid wss", ClientConfig{ServerURL: "wss://relay.example/ws", DeviceName: "laptop"}, nil},
		{"valid ws", ClientConfig{ServerURL: "ws://localhost:8080/ws", DeviceName: "laptop"}, nil},
		{"bad scheme", ClientConfig{ServerURL: "http://relay.example/ws", DeviceName: "laptop"}, ErrInvalidServerURL},
		{"unparseable", ClientConfig{ServerURL: "://bad", DeviceName: "laptop"}, ErrInvalidServerURL},
		{"empty device name", ClientConfig{ServerURL: "wss://relay.example/ws", DeviceName: ""}, ErrEmptyDeviceName},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.wantErr == nil && err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if tc.wantErr != nil && err != tc.wantErr {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestClientConfigRedacted(t *testing.T) {
	cfg := ClientConfig{RoomCode: "super-secret", DeviceName: "laptop"}
	red := cfg.Redacted()
	if red.RoomCode == cfg.RoomCode {
		t.Fatal("expected RoomCode to be redacted")
	}
	if cfg.RoomCode != "super-secret" {
		t.Fatal("Redacted must not mutate the receiver")
	}
}

func TestSaveLoadClientConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := &ClientConfig{
		ServerURL:   "wss://relay.example/ws",
		RoomCode:    "correct-horse",
		DeviceName:  "laptop",
		LastCounter: 42,
	}

	if err := SaveClientConfig(dir, cfg); err != nil {
		t.Fatalf("SaveClientConfig: %v", err)
	}

	loaded, err := LoadClientConfig(dir)
	if err != nil {
		t.Fatalf("LoadClientConfig: %v", err)
	}
	if *loaded != *cfg {
		t.Fatalf("round trip mismatch: got %+v want %+v", loaded, cfg)
	}

	if _, err := os.Stat(filepath.Join(dir, clientConfigFileName+".tmp")); !os.IsNotExist(err) {
		t.Fatal("expected temp file to be renamed away, not left behind")
	}
}

func TestPersistCounter(t *testing.T) {
	dir := t.TempDir()
	cfg := &ClientConfig{ServerURL: "wss://relay.example/ws", DeviceName: "laptop", LastCounter: 1}
	if err := SaveClientConfig(dir, cfg); err != nil {
		t.Fatalf("SaveClientConfig: %v", err)
	}

	if err := PersistCounter(dir, 7); err != nil {
		t.Fatalf("PersistCounter: %v", err)
	}

	loaded, err := LoadClientConfig(dir)
	if err != nil {
		t.Fatalf("LoadClientConfig: %v", err)
	}
	if loaded.LastCounter != 7 {
		t.Fatalf("LastCounter = %d, want 7", loaded.LastCounter)
	}
}

func TestLoadClientConfigMissing(t *testing.T) {
	if _, err := LoadClientConfig(t.TempDir()); err == nil {
		t.Fatal("expected error loading config from empty directory")
	}
}

func TestDefaultRelayConfigValidates(t *testing.T) {
	cfg := DefaultRelayConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default relay config should validate: %v", err)
	}
}

func TestLoadRelayConfigOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	yamlContent := "bind_address: \"127.0.0.1:9090\"\nmax_devices_per_room: 5\n"
	if err := os.WriteFile(path, []byte(yamlContent), 0o600); err != nil {
		t.Fatalf("write relay config: %v", err)
	}

	cfg, err := LoadRelayConfig(path)
	if err != nil {
		t.Fatalf("LoadRelayConfig: %v", err)
	}
	if cfg.BindAddress != "127.0.0.1:9090" {
		t.Errorf("BindAddress = %q, want overridden value", cfg.BindAddress)
	}
	if cfg.MaxDevicesPerRoom != 5 {
		t.Errorf("MaxDevicesPerRoom = %d, want 5", cfg.MaxDevicesPerRoom)
	}
	// Untouched fields keep their defaults.
	if cfg.RateLimitCapacity != DefaultRelayConfig().RateLimitCapacity {
		t.Errorf("expected RateLimitCapacity to keep its default")
	}
}

func TestLoadRelayConfigRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	if err := os.WriteFile(path, []byte("max_devices_per_room: 0\n"), 0o600); err != nil {
		t.Fatalf("write relay config: %v", err)
	}

	if _, err := LoadRelayConfig(path); err == nil {
		t.Fatal("expected validation error for non-positive max_devices_per_room")
	}
}
