package apdu

import (
	"errors"
	"fmt"
)

// Call site contexts that change how a status word is interpreted
const (
	ContextInstallApp   = "install-app"
	ContextUninstallApp = "uninstall-app"
	ContextFirmware     = "firmware"
	ContextMcu          = "mcu"
)

// Domain errors surfaced by manager operations
var (
	ErrAppAlreadyInstalled       = errors.New("application already installed")
	ErrDeviceLocked              = errors.New("device is locked")
	ErrUninstallDependency       = errors.New("cannot uninstall: another installed application depends on it")
	ErrAppRelyOnBase             = errors.New("application requires a base application to be installed")
	ErrNotEnoughSpace            = errors.New("not enough storage on device")
	ErrUserRefusedFirmwareUpdate = errors.New("firmware update refused on device")
)

// StatusCarrier is implemented by errors that know the status word that caused them
type StatusCarrier interface {
	StatusWord() (StatusWord, bool)
}

// StatusError is a non-success status word returned directly by the device
type StatusError struct {
	SW StatusWord
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("device returned status %s", e.SW)
}

// StatusWord implements StatusCarrier
func (e *StatusError) StatusWord() (StatusWord, bool) {
	return e.SW, true
}

// RemapError maps an error carrying a status word to its domain error.
// The context distinguishes firmware and uninstall call sites. Errors without
// a recognized status word are returned unchanged.
func RemapError(err error, context string) error {
	if err == nil {
		return nil
	}

	var carrier StatusCarrier
	if !errors.As(err, &carrier) {
		return err
	}
	sw, ok := carrier.StatusWord()
	if !ok {
		return err
	}

	switch sw {
	case SWAlreadyInstalled, SWAlreadyInstalled2:
		return ErrAppAlreadyInstalled
	case SWLocked:
		return ErrDeviceLocked
	case SWDependency:
		if context == ContextUninstallApp {
			return ErrUninstallDependency
		}
		return ErrAppRelyOnBase
	case SWNotEnoughSpace:
		return ErrNotEnoughSpace
	case SWRefusedOrNoSpace:
		if context == ContextFirmware {
			return ErrUserRefusedFirmwareUpdate
		}
		return ErrNotEnoughSpace
	default:
		return err
	}
}
