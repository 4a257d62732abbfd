package core

// HAL is how the agent reaches the operating system and the hardware.
type HAL interface {
	// DeviceID returns the identity used in MQTT topics, or "" if unknown.
	DeviceID() string

	// Unmount detaches the filesystem mounted at mountpoint.
	Unmount(mountpoint string) error

	// Restart reboots the device. On success it does not return on real
	// hardware.
	Restart() error
}
