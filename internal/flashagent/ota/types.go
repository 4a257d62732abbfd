package ota

import (
	"strings"
	"time"
)

// Kind names the two independent update streams.
type Kind string

const (
	KindApplication Kind = "application"
	KindFilesystem  Kind = "filesystem"
)

// ItemState is the progress of one queued item.
type ItemState string

const (
	ItemPending      ItemState = "pending"
	ItemTransferring ItemState = "transferring"
	ItemSucceeded    ItemState = "succeeded"
	ItemFailed       ItemState = "failed"
)

// Request asks for an application image, a filesystem image, or both. An
// empty locator means the item is not requested. Digests are optional hex
// encoded SHA-256 sums.
type Request struct {
	ApplicationURL    string `json:"romUrl,omitempty"`
	ApplicationSHA256 string `json:"romSha256,omitempty"`
	FilesystemURL     string `json:"spiffsUrl,omitempty"`
	FilesystemSHA256  string `json:"spiffsSha256,omitempty"`
}

// Normalize trims surrounding whitespace from every field.
func (r Request) Normalize() Request {
	return Request{
		ApplicationURL:    strings.TrimSpace(r.ApplicationURL),
		ApplicationSHA256: strings.TrimSpace(r.ApplicationSHA256),
		FilesystemURL:     strings.TrimSpace(r.FilesystemURL),
		FilesystemSHA256:  strings.TrimSpace(r.FilesystemSHA256),
	}
}

// Empty reports whether neither item is requested.
func (r Request) Empty() bool {
	return r.ApplicationURL == "" && r.FilesystemURL == ""
}

// ItemStatus is the reported state of one item.
type ItemStatus struct {
	Kind      Kind      `json:"kind"`
	Source    string    `json:"source"`
	Partition string    `json:"partition,omitempty"`
	State     ItemState `json:"state"`
	Bytes     int64     `json:"bytes"`
	Error     string    `json:"error,omitempty"`
}

// Status is a snapshot of the orchestrator and its most recent session.
type Status struct {
	SessionID  string       `json:"sessionId,omitempty"`
	State      string       `json:"state"`
	Running    string       `json:"running"`
	NextBoot   string       `json:"nextBoot"`
	Items      []ItemStatus `json:"items,omitempty"`
	Error      string       `json:"error,omitempty"`
	StartedAt  time.Time    `json:"startedAt,omitzero"`
	FinishedAt time.Time    `json:"finishedAt,omitzero"`
}
