package hub

// OnlineStatus is the retained presence message of a device. The offline
// variant is registered as the MQTT last will.
type OnlineStatus struct {
	DeviceID string `json:"deviceId"`
	Online   bool   `json:"online"`
	Reason   string `json:"reason,omitempty"`
	Running  string `json:"running,omitempty"`
}
