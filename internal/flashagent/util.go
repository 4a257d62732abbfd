package flashagent

import (
	"os"
	"strings"

	"github.com/autopeer-io/flashota/internal/flashagent/core"
	"github.com/autopeer-io/flashota/pkg/log"
)

// DiscoverDeviceID returns the device identity used in MQTT topics. The
// FLASHOTA_DEVICE_ID environment variable wins over what the HAL reports.
func DiscoverDeviceID(h core.HAL) string {
	if envID := strings.TrimSpace(os.Getenv("FLASHOTA_DEVICE_ID")); envID != "" {
		log.Info("DeviceID detected from env", "id", envID)
		return envID
	}

	if id := h.DeviceID(); id != "" {
		log.Info("DeviceID detected from system", "id", id)
		return id
	}

	return ""
}
