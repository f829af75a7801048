package mqtt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// instanceFile holds the broker identity under the data directory.
const instanceFile = "mqtt_instance_id"

// InstanceID returns the persistent identity of this install, creating
// it on first use. Client IDs derived from it stay stable across
// restarts, so the broker treats a restarted process as the same client.
func InstanceID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, instanceFile)
	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate instance id: %w", err)
	}
	if err := os.WriteFile(path, []byte(id.String()+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("write instance id %s: %w", path, err)
	}
	return id.String(), nil
}

// ClientID is the MQTT client identifier: the configured one, or
// "bernard-" plus the first block of the instance id.
func ClientID(configured, instanceID string) string {
	if configured != "" {
		return configured
	}
	short, _, _ := strings.Cut(instanceID, "-")
	return "bernard-" + short
}
