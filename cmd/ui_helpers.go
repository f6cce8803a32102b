package cmd

import (
	"fmt"

	"github.com/jwoglom/hwmanager/pkg/firmware"
	"github.com/jwoglom/hwmanager/pkg/relay"

	"github.com/pterm/pterm"
)

// progressBar renders fractional progress on a 0-100 pterm bar
type progressBar struct {
	bar   *pterm.ProgressbarPrinter
	title string
}

func startProgress(title string) *progressBar {
	bar, err := pterm.DefaultProgressbar.WithTotal(100).WithTitle(title).Start()
	if err != nil {
		return &progressBar{title: title}
	}
	return &progressBar{bar: bar, title: title}
}

func (p *progressBar) set(fraction float64) {
	if p.bar == nil {
		return
	}
	target := int(fraction * 100)
	if target > 100 {
		target = 100
	}
	if delta := target - p.bar.Current; delta > 0 {
		p.bar.Add(delta)
	}
}

func (p *progressBar) retitle(title string) {
	if p.bar == nil || title == p.title {
		return
	}
	p.title = title
	p.bar.UpdateTitle(title)
	p.bar.Current = 0
}

func (p *progressBar) stop() {
	if p.bar != nil {
		_, _ = p.bar.Stop()
		p.bar = nil
	}
}

// runChannel follows a relay session on a progress bar and returns its result
func runChannel(title string, ch *relay.Channel) (string, error) {
	bar := startProgress(title)
	defer bar.stop()

	var payload string
	for e := range ch.Events() {
		switch e.Type {
		case relay.EventBulkProgress:
			bar.set(e.Progress)
		case relay.EventWarning:
			pterm.Warning.Println(e.Message)
		case relay.EventResult:
			payload = e.Payload
		}
	}
	return payload, ch.Err()
}

// firmwareProgress renders update progress and forwards it to the monitor
func (a *app) firmwareProgress() (func(firmware.Progress), func()) {
	bar := startProgress("Preparing")
	return func(p firmware.Progress) {
		bar.retitle(stepTitle(p.Installing))
		bar.set(p.Progress)
		if a.monitor != nil {
			a.monitor.SendProgress(p)
		}
	}, bar.stop
}

func stepTitle(step string) string {
	switch step {
	case firmware.StepOsu:
		return "Installing updater"
	case firmware.StepFlashMcu:
		return "Flashing MCU"
	case firmware.StepFlashBootloader:
		return "Flashing bootloader"
	case firmware.StepFirmware:
		return "Installing firmware"
	default:
		return fmt.Sprintf("Installing %s", step)
	}
}
