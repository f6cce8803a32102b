package relay

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jwoglom/hwmanager/pkg/apdu"
	"github.com/jwoglom/hwmanager/pkg/device"
	"github.com/jwoglom/hwmanager/pkg/events"

	log "github.com/sirupsen/logrus"
)

// Options configures a channel
type Options struct {
	// IgnoreErrorsDuringBulk turns a relay drop after a bulk into a result
	// carrying the last device status word
	IgnoreErrorsDuringBulk bool

	// MapError rewrites the terminal error before it is reported
	MapError func(error) error

	Sink   events.Sink
	Dialer *websocket.Dialer
}

// Channel relays device exchanges between a backend websocket and a device.
// Events are produced by a single goroutine and must be drained until closed.
type Channel struct {
	url    string
	dev    device.Device
	opts   Options
	sink   events.Sink
	events chan Event
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	conn     *websocket.Conn
	session  session
	dropped  atomic.Bool
	closeMux sync.Once
	err      error
}

type inbound struct {
	data []byte
	err  error
}

// Open starts relaying between the backend at url and dev. The connection is
// established asynchronously; failures are reported by Err once Events closes.
func Open(ctx context.Context, dev device.Device, url string, opts Options) *Channel {
	ctx, cancel := context.WithCancel(ctx)
	c := &Channel{
		url:    url,
		dev:    dev,
		opts:   opts,
		sink:   opts.Sink,
		events: make(chan Event),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	if c.sink == nil {
		c.sink = events.NoOp{}
	}
	go c.run()
	return c
}

// Events returns the event stream. It is closed when the session ends.
func (c *Channel) Events() <-chan Event {
	return c.events
}

// Err waits for the session to end and returns its terminal error. It is nil
// on orderly completion.
func (c *Channel) Err() error {
	<-c.done
	return c.err
}

// Close interrupts the session. No events are delivered after Close returns.
// It is safe to call more than once.
func (c *Channel) Close() {
	c.cancel()
	<-c.done
}

// Result drains the channel and returns the payload of the result event
func (c *Channel) Result() (string, error) {
	var payload string
	for e := range c.events {
		if e.Type == EventResult {
			payload = e.Payload
		}
	}
	return payload, c.Err()
}

func (c *Channel) run() {
	err := c.serve()

	if c.ctx.Err() != nil && !c.session.terminated {
		c.session.interrupted = true
		err = c.ctx.Err()
	}
	if !c.session.terminated {
		log.Debugf("Relay %s ended before termination, cancelling device action", c.url)
		c.dev.Cancel()
	}
	c.closeConn()
	c.cancel()

	if err != nil && !c.session.interrupted && c.opts.MapError != nil {
		err = c.opts.MapError(err)
	}
	if err != nil && !c.session.interrupted {
		log.Debugf("Relay %s failed: %v", c.url, err)
	}

	c.err = err
	close(c.events)
	close(c.done)
}

func (c *Channel) serve() error {
	dialer := c.opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	log.Debugf("Connecting to relay %s", c.url)
	conn, _, err := dialer.DialContext(c.ctx, c.url, nil)
	if err != nil {
		if c.ctx.Err() != nil {
			return c.ctx.Err()
		}
		c.trace(events.TraceSocketError, 0, err.Error(), "")
		return &ConnectionFailedError{URL: c.url, Err: err}
	}
	c.conn = conn
	c.trace(events.TraceSocketOpened, 0, "", "")
	c.emit(Event{Type: EventOpened})

	frames := make(chan inbound)
	go c.readLoop(conn, frames)

	for {
		select {
		case <-c.ctx.Done():
			return c.ctx.Err()
		case in := <-frames:
			if in.err != nil {
				return c.onSocketClosed(in.err)
			}
			done, err := c.handle(in.data)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}
}

func (c *Channel) readLoop(conn *websocket.Conn, frames chan<- inbound) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.dropped.Store(true)
			select {
			case frames <- inbound{err: err}:
			case <-c.ctx.Done():
			}
			return
		}
		select {
		case frames <- inbound{data: data}:
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Channel) handle(data []byte) (bool, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		c.trace(events.TraceMessageError, 0, err.Error(), string(data))
		return false, &ProtocolError{Reason: "invalid JSON", Err: err}
	}
	c.trace(events.TraceSocketReceive, f.Nonce, f.Query, f.Text())
	c.session.bulkStatus = nil

	switch f.Query {
	case QueryExchange:
		return false, c.handleExchange(f)
	case QueryBulk:
		return c.handleBulk(f)
	case QuerySuccess:
		c.handleSuccess(f)
		return true, nil
	case QueryError:
		payload := f.Text()
		c.trace(events.TraceMessageError, f.Nonce, payload, "")
		return false, &RemoteError{URL: c.url, Payload: payload}
	case QueryWarning:
		msg := f.Text()
		c.trace(events.TraceMessageWarning, f.Nonce, msg, "")
		c.sink.Warning(msg)
		c.emit(Event{Type: EventWarning, Message: msg})
		return false, nil
	default:
		log.Warnf("Cannot handle relay message of type %q", f.Query)
		return false, nil
	}
}

func (c *Channel) handleExchange(f Frame) error {
	cmd, err := hex.DecodeString(f.Text())
	if err != nil {
		return &ProtocolError{Query: f.Query, Reason: "invalid hex apdu", Err: err}
	}

	resp, err := c.exchange(cmd)
	if err != nil {
		return err
	}
	body, sw, err := apdu.Split(resp)
	if err != nil {
		return err
	}

	c.emit(Event{Type: EventExchange, Nonce: f.Nonce})
	if sw.OK() {
		return c.send(Reply{Nonce: f.Nonce, Response: ResponseSuccess, Data: hex.EncodeToString(body)})
	}
	return c.send(Reply{Nonce: f.Nonce, Response: ResponseError, Data: sw.Hex()})
}

func (c *Channel) handleBulk(f Frame) (bool, error) {
	c.session.inBulk = true
	defer func() { c.session.inBulk = false }()

	list, err := f.List()
	if err != nil {
		return false, &ProtocolError{Query: f.Query, Reason: "invalid bulk data", Err: err}
	}

	var last *apdu.StatusWord
	for i, h := range list {
		if c.dropped.Load() && !c.opts.IgnoreErrorsDuringBulk {
			return false, &ConnectionError{URL: c.url, Err: errors.New("relay dropped during bulk")}
		}

		cmd, err := hex.DecodeString(h)
		if err != nil {
			return false, &ProtocolError{Query: f.Query, Reason: "invalid hex apdu", Err: err}
		}
		resp, err := c.exchange(cmd)
		if err != nil {
			return false, err
		}
		_, sw, err := apdu.Split(resp)
		if err != nil {
			return false, err
		}
		last = &sw
		if !sw.OK() {
			break
		}
		c.emit(Event{Type: EventBulkProgress, Progress: float64(i+1) / float64(len(list))})
	}

	if last == nil {
		return false, ErrNoBulkStatus
	}

	if c.opts.IgnoreErrorsDuringBulk && c.dropped.Load() {
		return c.bulkResult(*last), nil
	}

	reply := Reply{Nonce: f.Nonce, Response: ResponseSuccess}
	if !last.OK() {
		reply = Reply{Nonce: f.Nonce, Response: ResponseError, Data: last.Hex()}
	}
	if err := c.send(reply); err != nil {
		if c.opts.IgnoreErrorsDuringBulk && c.ctx.Err() == nil {
			return c.bulkResult(*last), nil
		}
		return false, err
	}
	if c.opts.IgnoreErrorsDuringBulk {
		c.session.bulkStatus = last
	}
	return false, nil
}

// bulkResult completes the session after the relay went away during a bulk
func (c *Channel) bulkResult(sw apdu.StatusWord) bool {
	log.Warnf("Relay %s dropped after bulk, completing with status %s", c.url, sw.Hex())
	c.complete(sw.Hex())
	return true
}

func (c *Channel) handleSuccess(f Frame) {
	c.closeConn()
	c.complete(f.Text())
}

func (c *Channel) complete(payload string) {
	c.session.lastResult = &payload
	c.session.terminated = true
	c.emit(Event{Type: EventResult, Payload: payload})
	c.emit(Event{Type: EventClosed})
}

func (c *Channel) onSocketClosed(err error) error {
	if c.ctx.Err() != nil {
		return c.ctx.Err()
	}
	c.trace(events.TraceSocketClose, 0, err.Error(), "")

	if c.session.lastResult != nil {
		c.complete(*c.session.lastResult)
		return nil
	}
	if c.session.bulkStatus != nil {
		c.bulkResult(*c.session.bulkStatus)
		return nil
	}
	c.session.terminated = true
	return &ConnectionError{URL: c.url, Err: err}
}

func (c *Channel) exchange(cmd []byte) ([]byte, error) {
	start := time.Now()
	resp, err := c.dev.Exchange(c.ctx, cmd)
	if c.ctx.Err() != nil {
		return nil, c.ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	c.trace(events.TraceExchange, 0, time.Since(start).String(), hex.EncodeToString(cmd)+" => "+hex.EncodeToString(resp))
	return resp, nil
}

func (c *Channel) send(r Reply) error {
	if c.ctx.Err() != nil {
		return c.ctx.Err()
	}
	c.trace(events.TraceSocketSend, r.Nonce, r.Response, r.Data)
	if err := c.conn.WriteJSON(r); err != nil {
		return &ConnectionError{URL: c.url, Err: err}
	}
	return nil
}

// emit delivers e unless the session was interrupted
func (c *Channel) emit(e Event) {
	if c.ctx.Err() != nil {
		return
	}
	select {
	case c.events <- e:
	case <-c.ctx.Done():
	}
}

func (c *Channel) closeConn() {
	c.closeMux.Do(func() {
		if c.conn == nil {
			return
		}
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		if err := c.conn.Close(); err != nil {
			log.Debugf("Error closing relay %s: %v", c.url, err)
		}
	})
}

func (c *Channel) trace(t events.TraceType, nonce int, msg, data string) {
	c.sink.Trace(events.Trace{
		Type:    t,
		URL:     c.url,
		Nonce:   nonce,
		Message: msg,
		Data:    data,
		Time:    time.Now(),
	})
}
