package firmware

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jwoglom/hwmanager/pkg/apdu"
	"github.com/jwoglom/hwmanager/pkg/device"
	"github.com/jwoglom/hwmanager/pkg/manager"
	"github.com/jwoglom/hwmanager/pkg/relay"
)

type deviceState struct {
	targetID uint32
	se       string
}

var (
	stateNormal     = deviceState{0x31100004, "1.5.5"}
	stateOsu        = deviceState{0x31100004, "1.6.0-osu"}
	stateBootloader = deviceState{0x01000001, "0.6"}
	stateLegacyBL   = deviceState{0x01000001, ""}
	stateFinal      = deviceState{0x31100004, "1.6.0"}
)

func versionResponse(s deviceState) []byte {
	out := []byte{byte(s.targetID >> 24), byte(s.targetID >> 16), byte(s.targetID >> 8), byte(s.targetID)}
	out = append(out, byte(len(s.se)))
	out = append(out, s.se...)
	if s.se != "" {
		out = append(out, 0, 0)
	}
	return append(out, 0x90, 0x00)
}

type fakeHandle struct {
	state deviceState
}

func (h *fakeHandle) Exchange(ctx context.Context, cmd []byte) ([]byte, error) {
	return versionResponse(h.state), nil
}

func (h *fakeHandle) Cancel()      {}
func (h *fakeHandle) Close() error { return nil }

// fakeOpener hands out one state per open, repeating the last one
type fakeOpener struct {
	mu     sync.Mutex
	states []deviceState
	opens  int
}

func (o *fakeOpener) Open(ctx context.Context, id string) (device.Handle, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opens++
	s := o.states[0]
	if len(o.states) > 1 {
		o.states = o.states[1:]
	}
	return &fakeHandle{state: s}, nil
}

type fakeSession struct {
	events chan relay.Event
	err    error
}

func newSession(err error, progress ...float64) *fakeSession {
	s := &fakeSession{events: make(chan relay.Event, len(progress)+2), err: err}
	s.events <- relay.Event{Type: relay.EventOpened}
	for _, p := range progress {
		s.events <- relay.Event{Type: relay.EventBulkProgress, Progress: p}
	}
	close(s.events)
	return s
}

func (s *fakeSession) Events() <-chan relay.Event { return s.events }
func (s *fakeSession) Err() error                 { return s.err }

type mcuInstall struct {
	targetID uint32
	version  string
}

type fakeInstaller struct {
	mcuErrs   []error
	fwErrs    []error
	mcus      []mcuInstall
	firmwares []manager.FinalFirmware
	osus      int
}

func (f *fakeInstaller) InstallOsu(ctx context.Context, dev device.Device, targetID uint32, osu manager.OsuFirmware) Session {
	f.osus++
	return newSession(nil, 0.5, 1)
}

func (f *fakeInstaller) InstallMcu(ctx context.Context, dev device.Device, targetID uint32, version string) Session {
	f.mcus = append(f.mcus, mcuInstall{targetID, version})
	var err error
	if len(f.mcuErrs) > 0 {
		err, f.mcuErrs = f.mcuErrs[0], f.mcuErrs[1:]
	}
	return newSession(err, 0.25, 0.5, 1)
}

func (f *fakeInstaller) InstallFirmware(ctx context.Context, dev device.Device, targetID uint32, fw manager.FinalFirmware) Session {
	f.firmwares = append(f.firmwares, fw)
	var err error
	if len(f.fwErrs) > 0 {
		err, f.fwErrs = f.fwErrs[0], f.fwErrs[1:]
	}
	return newSession(err, 0.5, 1)
}

type fakeMetadata struct {
	next      manager.McuVersion
	nextErr   error
	nextCalls int
	osuQuery  string
}

func (m *fakeMetadata) ProviderID(info device.Info) int { return 1 }

func (m *fakeMetadata) GetDeviceVersion(ctx context.Context, targetID uint32, provider int) (manager.DeviceVersion, error) {
	return manager.DeviceVersion{ID: 4}, nil
}

func (m *fakeMetadata) GetCurrentOSU(ctx context.Context, version string, deviceVersionID, provider int) (manager.OsuFirmware, error) {
	m.osuQuery = version
	return manager.OsuFirmware{ID: 9, NextFinalFirmwareID: 42}, nil
}

func (m *fakeMetadata) GetFinalFirmwareByID(ctx context.Context, id int) (manager.FinalFirmware, error) {
	return manager.FinalFirmware{ID: id, Name: "1.6.0"}, nil
}

func (m *fakeMetadata) GetNextBootloaderVersion(ctx context.Context, mcuVersionID int) (manager.McuVersion, error) {
	m.nextCalls++
	return m.next, m.nextErr
}

type harness struct {
	updater   *Updater
	opener    *fakeOpener
	meta      *fakeMetadata
	installer *fakeInstaller
	sleeps    []time.Duration
}

func newHarness(states ...deviceState) *harness {
	h := &harness{
		opener:    &fakeOpener{states: states},
		meta:      &fakeMetadata{next: manager.McuVersion{Name: "1.7", FromBootloaderVersion: "0.6"}},
		installer: &fakeInstaller{},
	}
	h.updater = &Updater{
		opener:  h.opener,
		meta:    h.meta,
		install: h.installer,
		opts:    DefaultOptions(),
		sleep: func(ctx context.Context, d time.Duration) error {
			h.sleeps = append(h.sleeps, d)
			return ctx.Err()
		},
		now: time.Now,
	}
	h.updater.opts.Throttle = 0
	h.updater.opts.PollInterval = time.Millisecond
	return h
}

var finalFirmware = manager.FinalFirmware{ID: 42, Name: "1.6.0", McuVersions: []int{8}}

func TestRun_WaitsForBootloaderThenFlashesOnce(t *testing.T) {
	h := newHarness(
		// waiting for reboot
		stateNormal, stateNormal, stateNormal,
		stateBootloader, // enters bootloader
		stateBootloader, // bootloader loop poll
		stateBootloader, // install handle
		stateOsu,        // bootloader loop poll, done
		stateOsu,        // final step poll
		stateOsu,        // final install handle
	)

	var progress []Progress
	err := h.updater.Run(context.Background(), "dev", manager.UpdateContext{Final: finalFirmware, ShouldFlashMcu: true}, func(p Progress) {
		progress = append(progress, p)
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	wantSleeps := []time.Duration{2 * time.Second, 2 * time.Second, 2 * time.Second, 2 * time.Second}
	if len(h.sleeps) != len(wantSleeps) {
		t.Fatalf("Expected sleeps %v, got %v", wantSleeps, h.sleeps)
	}
	for i := range wantSleeps {
		if h.sleeps[i] != wantSleeps[i] {
			t.Errorf("Sleep %d: expected %v, got %v", i, wantSleeps[i], h.sleeps[i])
		}
	}

	if len(h.installer.mcus) != 1 {
		t.Fatalf("Expected bootloader loop to flash exactly once, got %d", len(h.installer.mcus))
	}
	if got := h.installer.mcus[0]; got.version != "1.7" || got.targetID != stateBootloader.targetID {
		t.Errorf("Unexpected mcu install: %+v", got)
	}
	if len(h.installer.firmwares) != 1 || h.installer.firmwares[0].ID != 42 {
		t.Errorf("Expected final firmware 42 installed, got %+v", h.installer.firmwares)
	}
	if h.meta.osuQuery != "1.6.0" {
		t.Errorf("Expected osu lookup for 1.6.0, got %q", h.meta.osuQuery)
	}

	steps := []string{}
	for _, p := range progress {
		if len(steps) == 0 || steps[len(steps)-1] != p.Installing {
			steps = append(steps, p.Installing)
		}
	}
	if len(steps) != 2 || steps[0] != StepFlashMcu || steps[1] != StepFirmware {
		t.Errorf("Expected steps [flash-mcu firmware], got %v", steps)
	}
	if last := progress[len(progress)-1]; last.Progress != 1 {
		t.Errorf("Expected final progress 1, got %v", last)
	}
}

func TestRun_LegacyBootloaderAlias(t *testing.T) {
	h := newHarness(stateLegacyBL, stateLegacyBL, stateLegacyBL, stateOsu)

	var progress []Progress
	err := h.updater.Run(context.Background(), "dev", manager.UpdateContext{Final: finalFirmware, ShouldFlashMcu: true}, func(p Progress) {
		progress = append(progress, p)
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if h.meta.nextCalls != 0 {
		t.Errorf("Expected alias to skip the backend lookup, got %d calls", h.meta.nextCalls)
	}
	if len(h.installer.mcus) != 1 || h.installer.mcus[0].version != "0.6" {
		t.Errorf("Expected bootloader 0.6 to be flashed, got %+v", h.installer.mcus)
	}
	if progress[0].Installing != StepFlashBootloader {
		t.Errorf("Expected flash-bootloader step, got %v", progress[0])
	}
}

func TestRun_IntermediateBootloader(t *testing.T) {
	h := newHarness(stateBootloader, stateBootloader, stateBootloader, stateFinal)
	h.meta.next = manager.McuVersion{Name: "1.7", FromBootloaderVersion: "0.9"}

	if err := h.updater.Run(context.Background(), "dev", manager.UpdateContext{Final: finalFirmware, ShouldFlashMcu: true}, nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(h.installer.mcus) != 1 || h.installer.mcus[0].version != "0.9" {
		t.Errorf("Expected intermediate bootloader 0.9, got %+v", h.installer.mcus)
	}
	if len(h.installer.firmwares) != 0 {
		t.Errorf("Expected no final install on a non-osu device, got %+v", h.installer.firmwares)
	}
}

func TestRun_LatestMcuEndsBootloaderLoop(t *testing.T) {
	h := newHarness(stateBootloader, stateBootloader, stateBootloader, stateOsu, stateOsu)
	h.meta.nextErr = manager.ErrLatestMcuInstalled

	err := h.updater.Run(context.Background(), "dev", manager.UpdateContext{Final: finalFirmware, ShouldFlashMcu: true}, nil)
	if err != nil {
		t.Fatalf("Expected latest mcu to be treated as success, got %v", err)
	}
	if len(h.installer.mcus) != 0 {
		t.Errorf("Expected no mcu install, got %+v", h.installer.mcus)
	}
	if len(h.installer.firmwares) != 1 {
		t.Errorf("Expected final firmware install, got %d", len(h.installer.firmwares))
	}
}

func TestRun_InstallErrorIsFatal(t *testing.T) {
	h := newHarness(stateBootloader)
	h.installer.mcuErrs = []error{apdu.ErrNotEnoughSpace}

	err := h.updater.Run(context.Background(), "dev", manager.UpdateContext{Final: finalFirmware, ShouldFlashMcu: true}, nil)
	if !errors.Is(err, apdu.ErrNotEnoughSpace) {
		t.Fatalf("Expected ErrNotEnoughSpace, got %v", err)
	}
	if len(h.installer.mcus) != 1 {
		t.Errorf("Expected no retry, got %d installs", len(h.installer.mcus))
	}
}

func TestRun_DisconnectDuringInstallIsRetried(t *testing.T) {
	h := newHarness(stateOsu)
	h.installer.fwErrs = []error{device.ErrDisconnected}

	err := h.updater.Run(context.Background(), "dev", manager.UpdateContext{Final: finalFirmware}, nil)
	if err != nil {
		t.Fatalf("Expected retry to succeed, got %v", err)
	}
	if len(h.installer.firmwares) != 2 {
		t.Errorf("Expected 2 install attempts, got %d", len(h.installer.firmwares))
	}
	if len(h.installer.mcus) != 0 || len(h.sleeps) != 0 {
		t.Errorf("Expected mcu phase to be skipped, got %d installs and sleeps %v", len(h.installer.mcus), h.sleeps)
	}
}

func TestRun_CancelledWhileWaiting(t *testing.T) {
	h := newHarness(stateNormal)
	ctx, cancel := context.WithCancel(context.Background())
	h.updater.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return device.Sleep(ctx, d)
	}

	err := h.updater.Run(ctx, "dev", manager.UpdateContext{Final: finalFirmware, ShouldFlashMcu: true}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if len(h.installer.mcus) != 0 {
		t.Errorf("Expected nothing installed, got %+v", h.installer.mcus)
	}
}

func TestPrepare(t *testing.T) {
	h := newHarness(stateNormal)

	var progress []Progress
	err := h.updater.Prepare(context.Background(), "dev", manager.UpdateContext{Osu: &manager.OsuFirmware{ID: 3}}, func(p Progress) {
		progress = append(progress, p)
	})
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if h.installer.osus != 1 {
		t.Errorf("Expected osu install, got %d", h.installer.osus)
	}
	if len(progress) == 0 || progress[0].Installing != StepOsu {
		t.Errorf("Expected osu step, got %v", progress)
	}

	if err := h.updater.Prepare(context.Background(), "dev", manager.UpdateContext{}, nil); err == nil {
		t.Error("Expected an error without an osu firmware")
	}
}
