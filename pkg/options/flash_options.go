package options

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*FlashOptions)(nil)

// FlashOptions describes the flash device and its partition layout.
type FlashOptions struct {
	// Device is the path of the flash device (an MTD node or an image file).
	Device string `json:"device" mapstructure:"device"`

	// Size is the size of the flash in bytes. An image file smaller than
	// this is extended at startup.
	Size int64 `json:"size" mapstructure:"size"`

	// Layout is an optional YAML or TOML partition table. The built-in
	// 4MB layout is used when empty.
	Layout string `json:"layout" mapstructure:"layout"`

	// FilesystemPartition names the partition that receives filesystem images.
	FilesystemPartition string `json:"filesystem-partition" mapstructure:"filesystem-partition"`

	// Mountpoint is where the filesystem partition is mounted while running.
	Mountpoint string `json:"mountpoint" mapstructure:"mountpoint"`
}

func NewFlashOptions() *FlashOptions {
	return &FlashOptions{
		Device:              "/var/lib/flashota/flash.img",
		Size:                4 << 20,
		FilesystemPartition: "spiffs0",
		Mountpoint:          "/var/lib/flashota/fs",
	}
}

func (o *FlashOptions) Validate() []error {
	errors := []error{}

	if o.Device == "" {
		errors = append(errors, fmt.Errorf("--flash.device must be set"))
	}
	if o.Size <= 0 {
		errors = append(errors, fmt.Errorf("--flash.size must be positive"))
	}
	if o.FilesystemPartition == "" {
		errors = append(errors, fmt.Errorf("--flash.filesystem-partition must be set"))
	}

	return errors
}

func (o *FlashOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.Device, "flash.device", o.Device, "Path of the flash device or flash image file.")
	fs.Int64Var(&o.Size, "flash.size", o.Size, "Flash size in bytes.")
	fs.StringVar(&o.Layout, "flash.layout", o.Layout, "Partition table file (.yaml or .toml). Built-in layout when empty.")
	fs.StringVar(&o.FilesystemPartition, "flash.filesystem-partition", o.FilesystemPartition, "Partition that receives filesystem images.")
	fs.StringVar(&o.Mountpoint, "flash.mountpoint", o.Mountpoint, "Mountpoint of the filesystem partition.")
}

var _ IOptions = (*BootOptions)(nil)

// BootOptions configures the persisted boot record.
type BootOptions struct {
	// StateFile holds the boot record read by the bootloader.
	StateFile string `json:"state-file" mapstructure:"state-file"`

	// CommitAttempts bounds how often a failed boot record write is retried.
	CommitAttempts int `json:"commit-attempts" mapstructure:"commit-attempts"`

	// CommitBackoff is the delay before the first retry; it doubles afterwards.
	CommitBackoff time.Duration `json:"commit-backoff" mapstructure:"commit-backoff"`
}

func NewBootOptions() *BootOptions {
	return &BootOptions{
		StateFile:      "/var/lib/flashota/boot.rec",
		CommitAttempts: 3,
		CommitBackoff:  50 * time.Millisecond,
	}
}

func (o *BootOptions) Validate() []error {
	errors := []error{}

	if o.StateFile == "" {
		errors = append(errors, fmt.Errorf("--boot.state-file must be set"))
	}
	if o.CommitAttempts < 1 {
		errors = append(errors, fmt.Errorf("--boot.commit-attempts must be at least 1"))
	}

	return errors
}

func (o *BootOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.StateFile, "boot.state-file", o.StateFile, "Path of the persisted boot record.")
	fs.IntVar(&o.CommitAttempts, "boot.commit-attempts", o.CommitAttempts, "Attempts made to persist the boot record before giving up.")
	fs.DurationVar(&o.CommitBackoff, "boot.commit-backoff", o.CommitBackoff, "Initial delay between boot record write attempts.")
}

var _ IOptions = (*DownloadOptions)(nil)

// DownloadOptions configures the HTTP client used for image transfers.
type DownloadOptions struct {
	Timeout            time.Duration `json:"timeout" mapstructure:"timeout"`
	InsecureSkipVerify bool          `json:"insecure-skip-verify" mapstructure:"insecure-skip-verify"`
}

func NewDownloadOptions() *DownloadOptions {
	return &DownloadOptions{
		Timeout: 10 * time.Minute,
	}
}

func (o *DownloadOptions) Validate() []error {
	if o.Timeout <= 0 {
		return []error{fmt.Errorf("--download.timeout must be positive")}
	}
	return nil
}

func (o *DownloadOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.DurationVar(&o.Timeout, "download.timeout", o.Timeout, "Overall timeout of a single image download.")
	fs.BoolVar(&o.InsecureSkipVerify, "download.insecure-skip-verify", o.InsecureSkipVerify, "Skip TLS certificate verification for https:// images.")
}
