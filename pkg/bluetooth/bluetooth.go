// Package bluetooth opens devices over Bluetooth Low Energy.
package bluetooth

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jwoglom/hwmanager/pkg/device"
	"github.com/jwoglom/hwmanager/pkg/protocol"
	log "github.com/sirupsen/logrus"
)

// Service and characteristic UUIDs of the device
const (
	ServiceUUID      = "13d63400-2c97-0004-0000-4c6564676572"
	NotifyCharUUID   = "13d63400-2c97-0004-0001-4c6564676572"
	WriteCharUUID    = "13d63400-2c97-0004-0002-4c6564676572"
	WriteCmdCharUUID = "13d63400-2c97-0004-0003-4c6564676572"
)

// ErrUnsupported is returned on platforms without a BLE stack
var ErrUnsupported = errors.New("bluetooth is not supported on this platform")

// link is a connected peripheral: raw packet writes out, notifications in
type link interface {
	Write(packet []byte) error
	Close() error
}

// Handle is an opened device. Notifications are fed through onNotify.
type Handle struct {
	id   string
	link link
	mtu  int

	frames      chan []byte
	reassembler *protocol.Reassembler
	exchangeMtx sync.Mutex

	closed    chan struct{}
	closeOnce sync.Once
}

func newHandle(id string, l link) *Handle {
	return &Handle{
		id:          id,
		link:        l,
		mtu:         protocol.DefaultMTU,
		frames:      make(chan []byte, 64),
		reassembler: protocol.NewReassembler(10 * time.Second),
		closed:      make(chan struct{}),
	}
}

func (h *Handle) onNotify(data []byte) {
	packet := make([]byte, len(data))
	copy(packet, data)
	protocol.LogPacket("RX", packet)

	select {
	case h.frames <- packet:
	case <-h.closed:
	default:
		log.Warnf("pkg bluetooth; dropping notification from %s, reader is behind", h.id)
	}
}

func (h *Handle) onDisconnect() {
	h.closeOnce.Do(func() {
		log.Infof("pkg bluetooth; %s disconnected", h.id)
		close(h.closed)
		h.reassembler.Stop()
	})
}

// negotiateMTU asks the device for its packet size
func (h *Handle) negotiateMTU(ctx context.Context) error {
	if err := h.link.Write(protocol.MTURequest()); err != nil {
		return fmt.Errorf("mtu request: %w", err)
	}
	for {
		packet, err := h.next(ctx)
		if err != nil {
			return err
		}
		if len(packet) == 0 || packet[0] != protocol.TagMTU {
			log.Debugf("pkg bluetooth; ignoring packet while waiting for mtu: %s", hex.EncodeToString(packet))
			continue
		}
		mtu, err := protocol.ParseMTUResponse(packet)
		if err != nil {
			return err
		}
		h.mtu = mtu
		log.Debugf("pkg bluetooth; %s mtu is %d", h.id, mtu)
		return nil
	}
}

// Exchange sends an APDU and waits for the full response
func (h *Handle) Exchange(ctx context.Context, apdu []byte) ([]byte, error) {
	h.exchangeMtx.Lock()
	defer h.exchangeMtx.Unlock()

	select {
	case <-h.closed:
		return nil, device.ErrDisconnected
	default:
	}

	packets, err := protocol.AssemblePackets(h.mtu, apdu)
	if err != nil {
		return nil, err
	}
	h.discardPending()

	log.Tracef("pkg bluetooth; => %s", hex.EncodeToString(apdu))
	for _, p := range packets {
		protocol.LogPacket("TX", p)
		if err := h.link.Write(p); err != nil {
			return nil, fmt.Errorf("%w: %v", device.ErrDisconnected, err)
		}
	}

	for {
		packet, err := h.next(ctx)
		if err != nil {
			return nil, err
		}
		resp, complete, err := h.reassembler.AddPacket(packet)
		if err != nil {
			return nil, fmt.Errorf("pkg bluetooth; invalid response: %w", err)
		}
		if complete {
			log.Tracef("pkg bluetooth; <= %s", hex.EncodeToString(resp))
			return resp, nil
		}
	}
}

func (h *Handle) next(ctx context.Context) ([]byte, error) {
	select {
	case p := <-h.frames:
		return p, nil
	case <-h.closed:
		return nil, device.ErrDisconnected
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// discardPending drops notifications left over from an abandoned exchange.
// Callers hold exchangeMtx.
func (h *Handle) discardPending() {
	h.reassembler.Reset()
	n := 0
	for {
		select {
		case <-h.frames:
			n++
		default:
			if n > 0 {
				log.Debugf("pkg bluetooth; discarded %d stale packets from %s", n, h.id)
			}
			return
		}
	}
}

// Cancel has no transport-level equivalent over BLE; the device aborts when
// the relay goes away. Responses to the abandoned exchange are discarded.
// An exchange still in progress discards them itself before its next write.
func (h *Handle) Cancel() {
	log.Debugf("pkg bluetooth; cancel requested on %s", h.id)
	if !h.exchangeMtx.TryLock() {
		return
	}
	defer h.exchangeMtx.Unlock()
	h.discardPending()
}

// Close disconnects from the device
func (h *Handle) Close() error {
	err := h.link.Close()
	h.onDisconnect()
	return err
}
