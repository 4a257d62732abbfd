//go:build linux

package hal

import (
	"errors"
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/autopeer-io/flashota/internal/flashagent/core"
	"github.com/autopeer-io/flashota/pkg/log"
)

// LinuxHAL drives a real device.
type LinuxHAL struct{}

func NewHAL() core.HAL {
	return &LinuxHAL{}
}

func (h *LinuxHAL) DeviceID() string {
	for _, path := range []string{"/etc/flashota/device-id", "/etc/machine-id"} {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if id := strings.TrimSpace(string(data)); id != "" {
			return id
		}
	}
	return ""
}

func (h *LinuxHAL) Unmount(mountpoint string) error {
	err := unix.Unmount(mountpoint, 0)
	if errors.Is(err, unix.EINVAL) {
		// Not a mountpoint.
		return nil
	}
	return err
}

func (h *LinuxHAL) Restart() error {
	log.Info("System is rebooting NOW...")
	unix.Sync()
	return unix.Reboot(unix.LINUX_REBOOT_CMD_RESTART)
}
