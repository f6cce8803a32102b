// Package firmware drives a multi-step firmware update across device reboots.
package firmware

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jwoglom/hwmanager/pkg/apdu"
	"github.com/jwoglom/hwmanager/pkg/device"
	"github.com/jwoglom/hwmanager/pkg/manager"
	"github.com/jwoglom/hwmanager/pkg/relay"

	log "github.com/sirupsen/logrus"
)

// Steps reported in Progress.Installing
const (
	StepOsu             = "osu"
	StepFlashMcu        = "flash-mcu"
	StepFlashBootloader = "flash-bootloader"
	StepFirmware        = "firmware"
)

// Legacy bootloaders report versions the backend does not know
var bootloaderAliases = map[string]string{
	"0.0":   "0.6",
	"0.0.0": "0.6",
}

// Session is a running relay session
type Session interface {
	Events() <-chan relay.Event
	Err() error
}

// Metadata is the backend lookup surface used during an update
type Metadata interface {
	ProviderID(info device.Info) int
	GetDeviceVersion(ctx context.Context, targetID uint32, provider int) (manager.DeviceVersion, error)
	GetCurrentOSU(ctx context.Context, version string, deviceVersionID, provider int) (manager.OsuFirmware, error)
	GetFinalFirmwareByID(ctx context.Context, id int) (manager.FinalFirmware, error)
	GetNextBootloaderVersion(ctx context.Context, mcuVersionID int) (manager.McuVersion, error)
}

// Installer opens the relay sessions that write images to the device
type Installer interface {
	InstallOsu(ctx context.Context, dev device.Device, targetID uint32, osu manager.OsuFirmware) Session
	InstallMcu(ctx context.Context, dev device.Device, targetID uint32, version string) Session
	InstallFirmware(ctx context.Context, dev device.Device, targetID uint32, fw manager.FinalFirmware) Session
}

// Options tunes the update loop
type Options struct {
	// Wait is the pause between polls while the device reboots
	Wait time.Duration

	// PollInterval is the retry interval when the device cannot be opened
	PollInterval time.Duration

	// Throttle is the minimum interval between progress emissions
	Throttle time.Duration
}

// DefaultOptions returns the standard update timings
func DefaultOptions() Options {
	return Options{
		Wait:         2 * time.Second,
		PollInterval: 500 * time.Millisecond,
		Throttle:     100 * time.Millisecond,
	}
}

// Updater runs firmware updates
type Updater struct {
	opener  device.Opener
	meta    Metadata
	install Installer
	opts    Options

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// New creates an updater backed by the manager client
func New(opener device.Opener, client *manager.Client, opts Options) *Updater {
	return &Updater{
		opener:  opener,
		meta:    client,
		install: clientInstaller{client},
		opts:    opts,
		sleep:   device.Sleep,
		now:     time.Now,
	}
}

// Prepare installs the OSU image, after which the device reboots into the
// updater
func (u *Updater) Prepare(ctx context.Context, deviceID string, uc manager.UpdateContext, onProgress func(Progress)) error {
	if uc.Osu == nil {
		return errors.New("update has no osu firmware")
	}
	agg := newAggregator(onProgress, u.opts.Throttle, u.now)
	defer agg.flush()

	return device.WithDevice(ctx, u.opener, deviceID, func(h device.Handle) error {
		info, err := device.GetInfo(ctx, h)
		if err != nil {
			return err
		}
		agg.step(StepOsu)
		return u.run(u.install.InstallOsu(ctx, h, info.TargetID, *uc.Osu), agg)
	})
}

// Run drives the device from the OSU image to the final firmware, flashing
// the MCU first when required
func (u *Updater) Run(ctx context.Context, deviceID string, uc manager.UpdateContext, onProgress func(Progress)) error {
	agg := newAggregator(onProgress, u.opts.Throttle, u.now)
	defer agg.flush()

	if uc.ShouldFlashMcu {
		if err := u.waitForBootloader(ctx, deviceID); err != nil {
			return err
		}
		if err := u.bootloaderLoop(ctx, deviceID, uc.Final, agg); err != nil {
			return err
		}
	}
	return u.finalStep(ctx, deviceID, agg)
}

func (u *Updater) waitForBootloader(ctx context.Context, deviceID string) error {
	for {
		info, err := u.readInfo(ctx, deviceID)
		if err != nil {
			return err
		}
		if info.IsBootloader {
			return nil
		}

		log.Infof("Waiting for device %s to reboot in bootloader mode", deviceID)
		if err := u.sleep(ctx, u.opts.Wait); err != nil {
			return err
		}
	}
}

func (u *Updater) bootloaderLoop(ctx context.Context, deviceID string, final manager.FinalFirmware, agg *aggregator) error {
	for {
		info, err := u.readInfo(ctx, deviceID)
		if err != nil {
			return err
		}
		if !info.IsBootloader {
			return nil
		}

		err = u.withDeviceInstall(ctx, deviceID, func(h device.Handle) error {
			return u.flash(ctx, h, final, agg)
		})
		if errors.Is(err, manager.ErrLatestMcuInstalled) {
			log.Infof("Latest MCU version already installed on %s", deviceID)
			return nil
		}
		if err != nil {
			return err
		}

		if err := u.sleep(ctx, u.opts.Wait); err != nil {
			return err
		}
	}
}

func (u *Updater) flash(ctx context.Context, h device.Handle, final manager.FinalFirmware, agg *aggregator) error {
	info, err := device.GetInfo(ctx, h)
	if err != nil {
		return err
	}
	blVersion := info.SEVersion

	version, isMCU := bootloaderAliases[blVersion], false
	if version == "" {
		if len(final.McuVersions) == 0 {
			return fmt.Errorf("firmware %s lists no mcu version", final.Name)
		}
		next, err := u.meta.GetNextBootloaderVersion(ctx, final.McuVersions[0])
		if err != nil {
			return err
		}
		isMCU = blVersion == next.FromBootloaderVersion
		if isMCU {
			version = next.Name
		} else {
			version = next.FromBootloaderVersion
		}
	}

	step := StepFlashBootloader
	if isMCU {
		step = StepFlashMcu
	}
	log.Infof("Flashing %s %s from bootloader %s", step, version, blVersion)
	agg.step(step)
	return u.run(u.install.InstallMcu(ctx, h, info.TargetID, version), agg)
}

func (u *Updater) finalStep(ctx context.Context, deviceID string, agg *aggregator) error {
	info, err := u.readInfo(ctx, deviceID)
	if err != nil {
		return err
	}
	if !info.IsOSU {
		log.Infof("Device %s is not running an OSU firmware, nothing to install", deviceID)
		return nil
	}
	return u.withDeviceInstall(ctx, deviceID, func(h device.Handle) error {
		return u.installFinalFirmware(ctx, h, agg)
	})
}

func (u *Updater) installFinalFirmware(ctx context.Context, h device.Handle, agg *aggregator) error {
	info, err := device.GetInfo(ctx, h)
	if err != nil {
		return err
	}
	provider := u.meta.ProviderID(info)

	dv, err := u.meta.GetDeviceVersion(ctx, info.TargetID, provider)
	if err != nil {
		return fmt.Errorf("device version: %w", err)
	}
	osu, err := u.meta.GetCurrentOSU(ctx, info.SEVersion, dv.ID, provider)
	if err != nil {
		return fmt.Errorf("current osu: %w", err)
	}
	fw, err := u.meta.GetFinalFirmwareByID(ctx, osu.NextFinalFirmwareID)
	if err != nil {
		return fmt.Errorf("final firmware %d: %w", osu.NextFinalFirmwareID, err)
	}

	log.Infof("Installing firmware %s", fw.Name)
	agg.step(StepFirmware)
	return u.run(u.install.InstallFirmware(ctx, h, info.TargetID, fw), agg)
}

// readInfo polls until the device answers, accepting every error
func (u *Updater) readInfo(ctx context.Context, deviceID string) (device.Info, error) {
	var info device.Info
	err := device.WithDevicePolling(ctx, u.opener, deviceID, u.opts.PollInterval,
		func(h device.Handle) error {
			var err error
			info, err = device.GetInfo(ctx, h)
			return err
		},
		func(error) bool { return true })
	return info, err
}

// withDeviceInstall retries only when the device went away, which happens
// when it reboots mid-install
func (u *Updater) withDeviceInstall(ctx context.Context, deviceID string, fn func(device.Handle) error) error {
	return device.WithDevicePolling(ctx, u.opener, deviceID, u.opts.PollInterval, fn, device.IsUnreachable)
}

func (u *Updater) run(s Session, agg *aggregator) error {
	for e := range s.Events() {
		if e.Type == relay.EventBulkProgress {
			agg.progress(e.Progress)
		}
	}
	return s.Err()
}

type clientInstaller struct {
	client *manager.Client
}

func (c clientInstaller) InstallOsu(ctx context.Context, dev device.Device, targetID uint32, osu manager.OsuFirmware) Session {
	return c.client.InstallOsuFirmware(ctx, dev, targetID, osu)
}

func (c clientInstaller) InstallMcu(ctx context.Context, dev device.Device, targetID uint32, version string) Session {
	return c.client.InstallMcu(ctx, dev, apdu.ContextMcu, targetID, version)
}

func (c clientInstaller) InstallFirmware(ctx context.Context, dev device.Device, targetID uint32, fw manager.FinalFirmware) Session {
	return c.client.InstallFinalFirmware(ctx, dev, targetID, fw)
}
