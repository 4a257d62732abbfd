//go:build !linux

package hal

import (
	"os"

	"github.com/autopeer-io/flashota/internal/flashagent/core"
	"github.com/autopeer-io/flashota/pkg/log"
)

// MockHAL is used on development machines that cannot be rebooted.
type MockHAL struct{}

func NewHAL() core.HAL {
	return &MockHAL{}
}

func (h *MockHAL) DeviceID() string {
	if envID := os.Getenv("FLASHOTA_DEVICE_ID"); envID != "" {
		return envID
	}
	return "dev-mock-001"
}

func (h *MockHAL) Unmount(mountpoint string) error {
	log.Info("[HAL-Mock] Unmounting filesystem", "mountpoint", mountpoint)
	return nil
}

func (h *MockHAL) Restart() error {
	log.Warn("[HAL-Mock] >>> RESTART REQUESTED <<<")
	log.Info("[HAL-Mock] Restart the agent manually to boot the new slot.")
	return nil
}
