package flashagent

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/autopeer-io/flashota/internal/flashagent/bootstate"
	"github.com/autopeer-io/flashota/internal/flashagent/core"
	"github.com/autopeer-io/flashota/internal/flashagent/flash"
	"github.com/autopeer-io/flashota/internal/flashagent/hal"
	"github.com/autopeer-io/flashota/internal/flashagent/hub"
	"github.com/autopeer-io/flashota/internal/flashagent/imagewriter"
	"github.com/autopeer-io/flashota/internal/flashagent/mount"
	"github.com/autopeer-io/flashota/internal/flashagent/ota"
	"github.com/autopeer-io/flashota/internal/flashagent/partition"
	"github.com/autopeer-io/flashota/internal/flashagent/server"
	"github.com/autopeer-io/flashota/pkg/log"
	"github.com/autopeer-io/flashota/pkg/mqtt"
	mqtttopic "github.com/autopeer-io/flashota/pkg/mqtt/topic"
	"github.com/autopeer-io/flashota/pkg/options"
)

type Config struct {
	HttpOptions     *options.HttpOptions
	MqttOptions     *options.MqttOptions
	S3Options       *options.S3Options
	FlashOptions    *options.FlashOptions
	BootOptions     *options.BootOptions
	DownloadOptions *options.DownloadOptions

	// HAL defaults to the platform HAL.
	HAL core.HAL
}

// Layout returns the configured partition table, or the built-in one.
func (cfg *Config) Layout() (partition.Layout, error) {
	if cfg.FlashOptions.Layout == "" {
		return partition.DefaultLayout(), nil
	}
	return partition.LoadLayout(cfg.FlashOptions.Layout)
}

func (cfg *Config) NewAgent() (*Agent, error) {
	layout, err := cfg.Layout()
	if err != nil {
		return nil, err
	}
	dir, err := partition.NewDirectory(layout)
	if err != nil {
		return nil, fmt.Errorf("invalid partition layout: %w", err)
	}
	if uint64(cfg.FlashOptions.Size) < dir.FlashSize() {
		return nil, fmt.Errorf("flash device holds %d bytes, layout needs %d", cfg.FlashOptions.Size, dir.FlashSize())
	}

	fsPart, err := dir.Lookup(cfg.FlashOptions.FilesystemPartition)
	if err != nil {
		return nil, err
	}
	if fsPart.Type != partition.TypeFilesystem {
		return nil, fmt.Errorf("partition %s is not a filesystem partition", fsPart.Name)
	}

	systemHAL := cfg.HAL
	if systemHAL == nil {
		systemHAL = hal.NewHAL()
	}

	a := &Agent{}
	success := false
	defer func() {
		if !success {
			a.close()
		}
	}()

	dev, err := flash.OpenFile(cfg.FlashOptions.Device, cfg.FlashOptions.Size)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, dev)

	store, err := bootstate.Open(cfg.BootOptions.StateFile, dir.Slots(),
		bootstate.WithCommitBackoff(cfg.BootOptions.CommitAttempts, cfg.BootOptions.CommitBackoff))
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, store)

	running := store.CurrentBoot()
	log.Info(fmt.Sprintf("Currently running %s @ 0x%08x", running.Name, running.Address))

	mounts := mount.NewController(systemHAL)
	if fi, err := os.Stat(cfg.FlashOptions.Mountpoint); err == nil && fi.IsDir() {
		log.Info(fmt.Sprintf("Filesystem %s @ 0x%08x, length %d", fsPart.Name, fsPart.Address, fsPart.Size), "mountpoint", cfg.FlashOptions.Mountpoint)
		mounts.Track(fsPart.Name, cfg.FlashOptions.Mountpoint)
	} else {
		log.Warn("Filesystem mountpoint not available", "partition", fsPart.Name, "mountpoint", cfg.FlashOptions.Mountpoint)
	}

	resolver, err := imagewriter.NewResolver(cfg.DownloadOptions, cfg.S3Options)
	if err != nil {
		return nil, err
	}

	orch, err := ota.New(ota.Config{
		Directory:           dir,
		Boot:                store,
		Mounts:              mounts,
		Device:              dev,
		Writer:              imagewriter.New(nil),
		Resolver:            resolver,
		Restarter:           systemHAL,
		FilesystemPartition: fsPart.Name,
	})
	if err != nil {
		return nil, err
	}
	a.orchestrator = orch

	if cfg.MqttOptions.Enabled() {
		deviceID := DiscoverDeviceID(systemHAL)
		if deviceID == "" {
			return nil, fmt.Errorf("FATAL: unable to retrieve DeviceID, required for MQTT")
		}
		mqttClient, topicBuilder, err := cfg.initMqttClientAndTopicBuilder(deviceID)
		if err != nil {
			return nil, fmt.Errorf("failed to init mqtt client: %w", err)
		}
		a.hub = hub.New(deviceID, running.Name, mqttClient, topicBuilder, orch)
		orch.AddListener(a.hub.OnStatus)
	}

	ready := func() bool { return a.hub == nil || a.hub.IsConnected() }
	a.server = server.NewServer(cfg.HttpOptions, orch, mounts, fsPart.Name, ready)

	success = true
	return a, nil
}

func (cfg *Config) initMqttClientAndTopicBuilder(deviceID string) (mqtt.Client, *mqtttopic.Builder, error) {
	topicBuilder := mqtttopic.NewBuilder(cfg.MqttOptions.TopicRoot)

	mqttConfig := cfg.MqttOptions.ToClientConfig()
	if mqttConfig.ClientID == "" {
		mqttConfig.ClientID = fmt.Sprintf("flashota-%s", deviceID)
	}

	offlinePayload, _ := json.Marshal(hub.OnlineStatus{
		DeviceID: deviceID,
		Online:   false,
		Reason:   "UnexpectedDisconnect",
	})

	mqttConfig.WillTopic = topicBuilder.Online(deviceID)
	mqttConfig.WillPayload = offlinePayload
	mqttConfig.WillQoS = 1
	mqttConfig.WillRetain = true

	mqttClient, err := mqtt.NewClient(mqttConfig)
	if err != nil {
		return nil, nil, err
	}

	return mqttClient, topicBuilder, nil
}
