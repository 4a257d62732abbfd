package core

// EventType names a message exchanged with the broker.
type EventType string

const (
	EventOTACommand EventType = "ota.command"
	EventOTAStatus  EventType = "ota.status"
	EventOnline     EventType = "device.online"
)
