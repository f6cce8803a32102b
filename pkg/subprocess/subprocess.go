// Package subprocess talks to a device through an external bridge process,
// such as an emulator or a HID helper. APDUs are written as "=> <hex>" lines
// and responses are read back as "<= <hex>" lines.
package subprocess

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	expect "github.com/google/goexpect"
	"github.com/jwoglom/hwmanager/pkg/device"
	log "github.com/sirupsen/logrus"
)

// DeviceToken is replaced by the requested device id in the bridge command
const DeviceToken = "{device}"

// DefaultTimeout bounds a single exchange
const DefaultTimeout = 60 * time.Second

var responseRegex = regexp.MustCompile(`<= ([0-9a-fA-F]*)\r?\n`)

// expecter is the part of *expect.GExpect used by Handle
type expecter interface {
	Expect(re *regexp.Regexp, timeout time.Duration) (string, []string, error)
	Send(in string) error
	Close() error
}

// Opener spawns the bridge command for every Open
type Opener struct {
	Command string
	Timeout time.Duration
}

// NewOpener creates an opener for the given bridge command
func NewOpener(command string, timeout time.Duration) *Opener {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Opener{Command: command, Timeout: timeout}
}

// Open spawns the bridge. A bridge that cannot be started is reported as
// device.ErrCantOpenDevice.
func (o *Opener) Open(ctx context.Context, id string) (device.Handle, error) {
	if strings.TrimSpace(o.Command) == "" {
		return nil, errors.New("no bridge command configured")
	}
	cmd := strings.ReplaceAll(o.Command, DeviceToken, id)

	log.Infof("pkg subprocess; starting bridge: %s", cmd)
	gexp, exited, err := expect.Spawn(cmd, -1,
		expect.CheckDuration(100*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to spawn bridge: %v", device.ErrCantOpenDevice, err)
	}

	h := newHandle(gexp, o.Timeout)
	go func() {
		err := <-exited
		log.Debugf("pkg subprocess; bridge exited: %v", err)
		h.Close()
	}()
	return h, nil
}

// Handle is a running bridge process
type Handle struct {
	exp     expecter
	timeout time.Duration

	mutex     sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once
}

func newHandle(exp expecter, timeout time.Duration) *Handle {
	return &Handle{
		exp:     exp,
		timeout: timeout,
		closed:  make(chan struct{}),
	}
}

type expectResult struct {
	match []string
	err   error
}

// Exchange writes the APDU and waits for the bridge's response line
func (h *Handle) Exchange(ctx context.Context, apdu []byte) ([]byte, error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	select {
	case <-h.closed:
		return nil, device.ErrDisconnected
	default:
	}

	line := hex.EncodeToString(apdu)
	log.Tracef("pkg subprocess; => %s", line)
	if err := h.exp.Send("=> " + line + "\n"); err != nil {
		h.Close()
		return nil, fmt.Errorf("%w: %v", device.ErrDisconnected, err)
	}

	done := make(chan expectResult, 1)
	go func() {
		_, match, err := h.exp.Expect(responseRegex, h.timeout)
		done <- expectResult{match: match, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			h.Close()
			return nil, fmt.Errorf("%w: %v", device.ErrDisconnected, res.err)
		}
		if len(res.match) < 2 {
			return nil, fmt.Errorf("pkg subprocess; malformed response: %v", res.match)
		}
		log.Tracef("pkg subprocess; <= %s", res.match[1])
		resp, err := hex.DecodeString(res.match[1])
		if err != nil {
			return nil, fmt.Errorf("pkg subprocess; invalid hex in response: %w", err)
		}
		return resp, nil
	case <-h.closed:
		return nil, device.ErrDisconnected
	case <-ctx.Done():
		// the pending response would desync the next exchange
		h.Close()
		return nil, ctx.Err()
	}
}

// Cancel asks the bridge to abort the device's current operation
func (h *Handle) Cancel() {
	select {
	case <-h.closed:
		return
	default:
	}
	if err := h.exp.Send("!cancel\n"); err != nil {
		log.Debugf("pkg subprocess; cancel failed: %v", err)
	}
}

// Close stops the bridge process
func (h *Handle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		close(h.closed)
		err = h.exp.Close()
	})
	return err
}
