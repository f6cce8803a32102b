package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jwoglom/hwmanager/pkg/apdu"

	log "github.com/sirupsen/logrus"
)

var (
	// ErrCantOpenDevice means the device is temporarily unreachable, typically
	// because it is rebooting
	ErrCantOpenDevice = errors.New("cannot open device")

	// ErrDisconnected means the device went away during an exchange
	ErrDisconnected = errors.New("device disconnected")
)

// Device performs raw APDU exchanges. The last 2 bytes of every response are
// the status word.
type Device interface {
	// Exchange sends one APDU and returns the raw response
	Exchange(ctx context.Context, apdu []byte) ([]byte, error)

	// Cancel is a best-effort signal to abort the device's current operation
	Cancel()
}

// Handle is an opened device owned by a single session
type Handle interface {
	Device
	Close() error
}

// Opener opens device handles by id
type Opener interface {
	Open(ctx context.Context, id string) (Handle, error)
}

// IsUnreachable reports whether err means the device is temporarily gone
func IsUnreachable(err error) bool {
	return errors.Is(err, ErrCantOpenDevice) || errors.Is(err, ErrDisconnected)
}

// Send exchanges a command and returns the response body. A non-success status
// word is returned as *apdu.StatusError.
func Send(ctx context.Context, dev Device, cmd apdu.Command) ([]byte, error) {
	resp, err := dev.Exchange(ctx, cmd.Bytes())
	if err != nil {
		return nil, err
	}
	body, sw, err := apdu.Split(resp)
	if err != nil {
		return nil, err
	}
	if !sw.OK() {
		return nil, &apdu.StatusError{SW: sw}
	}
	return body, nil
}

var (
	locks     = make(map[string]*sync.Mutex)
	locksLock sync.Mutex
)

func lockFor(id string) *sync.Mutex {
	locksLock.Lock()
	defer locksLock.Unlock()

	l, ok := locks[id]
	if !ok {
		l = &sync.Mutex{}
		locks[id] = l
	}
	return l
}

// WithDevice opens the device, runs fn and closes the handle on every path.
// Sessions on the same id are serialized.
func WithDevice(ctx context.Context, opener Opener, id string, fn func(Handle) error) error {
	l := lockFor(id)
	l.Lock()
	defer l.Unlock()

	h, err := opener.Open(ctx, id)
	if err != nil {
		return err
	}
	defer func() {
		if err := h.Close(); err != nil {
			log.Debugf("Error closing device %s: %v", id, err)
		}
	}()

	return fn(h)
}

// WithDevicePolling runs fn inside WithDevice, retrying every interval for as
// long as accept returns true for the error. It stops on success, on a
// rejected error or when ctx is done.
func WithDevicePolling(ctx context.Context, opener Opener, id string, interval time.Duration, fn func(Handle) error, accept func(error) bool) error {
	for attempt := 1; ; attempt++ {
		err := WithDevice(ctx, opener, id, fn)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !accept(err) {
			return err
		}

		log.Debugf("Device %s not ready (attempt %d): %v", id, attempt, err)
		if err := Sleep(ctx, interval); err != nil {
			return err
		}
	}
}

// Sleep waits for d or until ctx is done
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("interrupted: %w", ctx.Err())
	}
}
