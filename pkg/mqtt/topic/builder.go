package topic

import (
	"fmt"
	"strings"
)

// MQTT filter wildcards. Single matches one level, Multi matches the rest
// of the topic and must come last.
const (
	Wildcard      = "+"
	MultiWildcard = "#"
)

// Topic segments shared between a device and whoever drives its updates.
// Changing these values breaks compatibility with deployed devices.
const (
	// SuffixCommand carries update requests (Cloud -> Device).
	// Structure: {root}/ota/command/{deviceID}
	SuffixCommand = "ota/command"

	// SuffixStatus carries orchestrator status snapshots (Device -> Cloud).
	// Structure: {root}/ota/status/{deviceID}
	SuffixStatus = "ota/status"

	// SuffixOnline carries the retained online flag and the last will (Device -> Cloud).
	// Structure: {root}/online/{deviceID}
	SuffixOnline = "online"
)

// Builder constructs MQTT topic strings under a common root.
type Builder struct {
	// root is the base namespace for all topics (e.g., "flashota/v1").
	root string
}

// NewBuilder creates a new instance of Builder with the specified root namespace.
func NewBuilder(root string) *Builder {
	return &Builder{root: root}
}

// Command returns the topic a device subscribes to for update requests.
func (b *Builder) Command(deviceID string) string {
	return b.Build(SuffixCommand, deviceID)
}

// CommandWildcard matches the command topic of every device.
func (b *Builder) CommandWildcard() string {
	return b.Build(SuffixCommand, Wildcard)
}

// Status returns the topic a device publishes orchestrator snapshots on.
func (b *Builder) Status(deviceID string) string {
	return b.Build(SuffixStatus, deviceID)
}

// StatusWildcard matches the status topic of every device.
func (b *Builder) StatusWildcard() string {
	return b.Build(SuffixStatus, Wildcard)
}

// Online returns the retained presence topic of a device.
func (b *Builder) Online(deviceID string) string {
	return b.Build(SuffixOnline, deviceID)
}

// OnlineWildcard matches the presence topic of every device.
func (b *Builder) OnlineWildcard() string {
	return b.Build(SuffixOnline, Wildcard)
}

// All matches every topic under the root.
func (b *Builder) All() string {
	return b.root + "/" + MultiWildcard
}

// DeviceID returns the last level of a topic built by this package, or ""
// when the topic lies outside the root.
func (b *Builder) DeviceID(topic string) string {
	if !strings.HasPrefix(topic, b.root+"/") {
		return ""
	}
	i := strings.LastIndexByte(topic, '/')
	return topic[i+1:]
}

// Build joins root, suffix and id as {root}/{suffix}/{id}.
func (b *Builder) Build(suffix, id string) string {
	return fmt.Sprintf("%s/%s/%s", b.root, suffix, id)
}
