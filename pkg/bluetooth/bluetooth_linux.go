//go:build linux

package bluetooth

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jwoglom/hwmanager/pkg/device"
	"github.com/paypal/gatt"
	log "github.com/sirupsen/logrus"
)

// DefaultClientOptions opens the first HCI adapter in central mode
var DefaultClientOptions = []gatt.Option{
	gatt.LnxMaxConnections(1),
	gatt.LnxDeviceID(-1, true),
}

// Opener scans for and connects to devices by peripheral id or local name.
// An empty id matches the first device advertising the service.
type Opener struct {
	ScanTimeout time.Duration

	initOnce  sync.Once
	initErr   error
	gattDev   gatt.Device
	poweredOn chan struct{}

	mutex      sync.Mutex
	discovered chan gatt.Peripheral
	connected  chan connectResult
	handles    map[string]*Handle
}

type connectResult struct {
	p   gatt.Peripheral
	err error
}

// NewOpener creates a BLE opener
func NewOpener(scanTimeout time.Duration) *Opener {
	if scanTimeout <= 0 {
		scanTimeout = 10 * time.Second
	}
	return &Opener{
		ScanTimeout: scanTimeout,
		poweredOn:   make(chan struct{}),
		handles:     make(map[string]*Handle),
	}
}

func (o *Opener) init() error {
	o.initOnce.Do(func() {
		d, err := gatt.NewDevice(DefaultClientOptions...)
		if err != nil {
			o.initErr = fmt.Errorf("pkg bluetooth; failed to open adapter: %w", err)
			return
		}
		o.gattDev = d

		d.Handle(
			gatt.PeripheralDiscovered(o.onDiscovered),
			gatt.PeripheralConnected(func(p gatt.Peripheral, err error) {
				o.mutex.Lock()
				ch := o.connected
				o.mutex.Unlock()
				if ch == nil {
					return
				}
				select {
				case ch <- connectResult{p: p, err: err}:
				default:
				}
			}),
			gatt.PeripheralDisconnected(func(p gatt.Peripheral, err error) {
				log.Tracef("pkg bluetooth; ** disconnect: %s", p.ID())
				o.mutex.Lock()
				h := o.handles[p.ID()]
				delete(o.handles, p.ID())
				o.mutex.Unlock()
				if h != nil {
					h.onDisconnect()
				}
			}),
		)

		var once sync.Once
		o.initErr = d.Init(func(d gatt.Device, s gatt.State) {
			log.Infof("pkg bluetooth; adapter state: %s", s)
			if s == gatt.StatePoweredOn {
				once.Do(func() { close(o.poweredOn) })
			}
		})
	})
	return o.initErr
}

func (o *Opener) onDiscovered(p gatt.Peripheral, a *gatt.Advertisement, rssi int) {
	o.mutex.Lock()
	ch := o.discovered
	o.mutex.Unlock()
	if ch == nil {
		return
	}
	log.Debugf("pkg bluetooth; discovered %s (%s) rssi=%d", p.ID(), a.LocalName, rssi)
	select {
	case ch <- p:
	default:
	}
}

// Open connects to the device. Failing to find or connect to it is reported
// as device.ErrCantOpenDevice so callers can poll through reboots.
func (o *Opener) Open(ctx context.Context, id string) (device.Handle, error) {
	if err := o.init(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, o.ScanTimeout)
	defer cancel()

	select {
	case <-o.poweredOn:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: adapter not powered on", device.ErrCantOpenDevice)
	}

	p, err := o.scan(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := o.connect(ctx, p); err != nil {
		return nil, err
	}

	h, err := o.setup(ctx, p)
	if err != nil {
		o.gattDev.CancelConnection(p)
		return nil, err
	}
	return h, nil
}

func (o *Opener) scan(ctx context.Context, id string) (gatt.Peripheral, error) {
	ch := make(chan gatt.Peripheral, 8)
	o.mutex.Lock()
	o.discovered = ch
	o.mutex.Unlock()
	defer func() {
		o.gattDev.StopScanning()
		o.mutex.Lock()
		o.discovered = nil
		o.mutex.Unlock()
	}()

	o.gattDev.Scan([]gatt.UUID{gatt.MustParseUUID(ServiceUUID)}, false)
	for {
		select {
		case p := <-ch:
			if id == "" || strings.EqualFold(p.ID(), id) || p.Name() == id {
				return p, nil
			}
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s not found", device.ErrCantOpenDevice, id)
		}
	}
}

func (o *Opener) connect(ctx context.Context, p gatt.Peripheral) error {
	ch := make(chan connectResult, 1)
	o.mutex.Lock()
	o.connected = ch
	o.mutex.Unlock()
	defer func() {
		o.mutex.Lock()
		o.connected = nil
		o.mutex.Unlock()
	}()

	o.gattDev.Connect(p)
	select {
	case res := <-ch:
		if res.err != nil {
			return fmt.Errorf("%w: %v", device.ErrCantOpenDevice, res.err)
		}
		return nil
	case <-ctx.Done():
		o.gattDev.CancelConnection(p)
		return fmt.Errorf("%w: connection to %s timed out", device.ErrCantOpenDevice, p.ID())
	}
}

func (o *Opener) setup(ctx context.Context, p gatt.Peripheral) (*Handle, error) {
	svcUUID := gatt.MustParseUUID(ServiceUUID)
	services, err := p.DiscoverServices([]gatt.UUID{svcUUID})
	if err != nil || len(services) == 0 {
		return nil, fmt.Errorf("%w: service discovery failed: %v", device.ErrCantOpenDevice, err)
	}

	chars, err := p.DiscoverCharacteristics(nil, services[0])
	if err != nil {
		return nil, fmt.Errorf("characteristic discovery failed: %w", err)
	}

	var notify, write *gatt.Characteristic
	for _, c := range chars {
		switch {
		case c.UUID().Equal(gatt.MustParseUUID(NotifyCharUUID)):
			notify = c
		case c.UUID().Equal(gatt.MustParseUUID(WriteCharUUID)):
			write = c
		}
	}
	if notify == nil || write == nil {
		return nil, fmt.Errorf("device %s is missing required characteristics", p.ID())
	}

	// the notify subscription needs the client configuration descriptor
	if _, err := p.DiscoverDescriptors(nil, notify); err != nil {
		return nil, fmt.Errorf("descriptor discovery failed: %w", err)
	}

	h := newHandle(p.ID(), &gattLink{dev: o.gattDev, p: p, c: write})
	err = p.SetNotifyValue(notify, func(c *gatt.Characteristic, b []byte, err error) {
		if err != nil {
			log.Warnf("pkg bluetooth; notification error: %v", err)
			return
		}
		h.onNotify(b)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe failed: %w", err)
	}

	o.mutex.Lock()
	o.handles[p.ID()] = h
	o.mutex.Unlock()

	if err := h.negotiateMTU(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", device.ErrCantOpenDevice, err)
	}
	log.Infof("pkg bluetooth; connected to %s", p.ID())
	return h, nil
}

type gattLink struct {
	dev gatt.Device
	p   gatt.Peripheral
	c   *gatt.Characteristic
}

func (l *gattLink) Write(packet []byte) error {
	return l.p.WriteCharacteristic(l.c, packet, false)
}

func (l *gattLink) Close() error {
	l.dev.CancelConnection(l.p)
	return nil
}
