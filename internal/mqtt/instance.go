package mqtt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// deviceIDFile holds the generated device id inside the data directory.
const deviceIDFile = "device_id"

// ResolveDeviceID returns configured when set. Otherwise it loads the
// device id persisted in dataDir, generating one on first run.
func ResolveDeviceID(configured, dataDir string) (string, error) {
	if id := strings.TrimSpace(configured); id != "" {
		return id, nil
	}
	return LoadOrCreateInstanceID(dataDir)
}

// LoadOrCreateInstanceID reads the device id from dataDir, or generates
// a UUIDv7 and persists it if none exists. Discovery unique ids derive
// from it, so keeping it stable keeps HA entity history across
// restarts and renames.
func LoadOrCreateInstanceID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, deviceIDFile)

	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate device id: %w", err)
	}

	// Underscores only, matching the HA entity id charset.
	idStr := "qqbot_" + strings.ReplaceAll(id.String(), "-", "")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", fmt.Errorf("create data dir %s: %w", dataDir, err)
	}
	if err := os.WriteFile(path, []byte(idStr+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("persist device id to %s: %w", path, err)
	}
	return idStr, nil
}
