package device

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/google/uuid"
)

// Manager resolves a stable device identifier. The backend uses it to target
// push notifications at this installation and to key recently-used-account
// metadata.
type Manager struct{}

// NewManager creates a device manager
func NewManager() *Manager {
	return &Manager{}
}

// GetOrGenerateID returns the configured ID when present, otherwise a
// platform identifier, otherwise a generated UUID.
func (m *Manager) GetOrGenerateID(existingID string) (string, error) {
	if existingID != "" {
		return existingID, nil
	}

	if id, err := m.platformID(); err == nil && id != "" {
		return id, nil
	}

	return uuid.New().String(), nil
}

func (m *Manager) platformID() (string, error) {
	switch runtime.GOOS {
	case "linux":
		return m.linuxID()
	case "darwin":
		return m.darwinID()
	default:
		return m.hostnameID()
	}
}

func (m *Manager) linuxID() (string, error) {
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
			return strings.TrimSpace(string(data)), nil
		}
	}
	return m.hostnameID()
}

func (m *Manager) darwinID() (string, error) {
	output, err := exec.Command("system_profiler", "SPHardwareDataType").Output()
	if err == nil {
		for _, line := range strings.Split(string(output), "\n") {
			if strings.Contains(line, "Hardware UUID") {
				parts := strings.Split(line, ":")
				if len(parts) > 1 {
					return strings.TrimSpace(parts[1]), nil
				}
			}
		}
	}
	return m.hostnameID()
}

func (m *Manager) hostnameID() (string, error) {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return "", fmt.Errorf("could not determine device ID")
	}
	return runtime.GOOS + "-" + hostname, nil
}
