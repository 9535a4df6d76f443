// Package deviceid derives and persists the stable device identifier used to
// address this client within a room. A device id is a deterministic function
// of the local host, the OS user, and the chosen device name, so a client that
// reinstalls but keeps the same device name reconnects under the same id
// rather than appearing as a stranger to its own room.
package deviceid

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Size is the length in bytes of a device id (128 bits, truncated SHA-256).
const Size = 16

const fileName = "device_id"

// ErrEmptyDeviceName is returned when deriving an id from an empty device name.
var ErrEmptyDeviceName = errors.New("deviceid: device name must not be empty")

// Derive computes the stable hex device id for the (host, user, deviceName)
// triple: SHA-256(host || "\x00" || user || "\x00" || deviceName) truncated to
// Size bytes, lowercase hex. The same triple always yields the same id.
func Derive(host, user, deviceName string) (string, error) {
	if strings.TrimSpace(deviceName) == "" {
		return "", ErrEmptyDeviceName
	}

	h := sha256.New()
	h.Write([]byte(host))
	h.Write([]byte{0})
	h.Write([]byte(user))
	h.Write([]byte{0})
	h.Write([]byte(deviceName))

	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:Size]), nil
}

// Store persists id to dataDir atomically (write-temp, rename), creating the
// directory if needed.
func Store(dataDir, id string) error {
	if id == "" {
		return errors.New("deviceid: cannot store empty device id")
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("deviceid: create data dir: %w", err)
	}

	path := filepath.Join(dataDir, fileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(id+"\n"), 0o600); err != nil {
		return fmt.Errorf("deviceid: write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("deviceid: persist device id: %w", err)
	}
	return nil
}

// Load reads a previously stored device id from dataDir.
func Load(dataDir string) (string, error) {
	path := filepath.Join(dataDir, fileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("deviceid: read %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// LoadOrDerive loads a persisted device id from dataDir, or derives and
// persists a new one from (host, user, deviceName) if none exists yet.
func LoadOrDerive(dataDir, host, user, deviceName string) (string, error) {
	if id, err := Load(dataDir); err == nil && id != "" {
		return id, nil
	}

	id, err := Derive(host, user, deviceName)
	if err != nil {
		return "", err
	}
	if err := Store(dataDir, id); err != nil {
		return "", err
	}
	return id, nil
}
