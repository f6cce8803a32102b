//go:build !linux

package bluetooth

import (
	"context"
	"time"

	"github.com/jwoglom/hwmanager/pkg/device"
)

// Opener is unavailable outside of linux
type Opener struct {
	ScanTimeout time.Duration
}

// NewOpener creates a BLE opener
func NewOpener(scanTimeout time.Duration) *Opener {
	return &Opener{ScanTimeout: scanTimeout}
}

// Open always fails with ErrUnsupported
func (o *Opener) Open(ctx context.Context, id string) (device.Handle, error) {
	return nil, ErrUnsupported
}
