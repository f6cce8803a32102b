package protocol

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// PacketBuffer holds the packets of a response being assembled
type PacketBuffer struct {
	Data         []byte
	Expected     int
	NextSequence uint16
	Timestamp    time.Time
}

// IsComplete returns true once the announced length has been received
func (pb *PacketBuffer) IsComplete() bool {
	return len(pb.Data) >= pb.Expected
}

// Reassembler rebuilds APDU responses from packets. Responses arrive one at a
// time, so a single buffer is kept.
type Reassembler struct {
	buffer       *PacketBuffer
	mutex        sync.Mutex
	timeout      time.Duration
	cleanupTimer *time.Ticker
	stopCleanup  chan struct{}
	stopOnce     sync.Once
}

// DefaultTimeout is used when a non-positive timeout is given
const DefaultTimeout = 10 * time.Second

// NewReassembler creates a reassembler that drops partial responses older
// than timeout
func NewReassembler(timeout time.Duration) *Reassembler {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	r := &Reassembler{
		timeout:      timeout,
		cleanupTimer: time.NewTicker(timeout / 2),
		stopCleanup:  make(chan struct{}),
	}

	go r.cleanupLoop()

	return r
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (r *Reassembler) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCleanup)
		r.cleanupTimer.Stop()
	})
}

func (r *Reassembler) cleanupLoop() {
	for {
		select {
		case <-r.cleanupTimer.C:
			r.cleanupStale()
		case <-r.stopCleanup:
			return
		}
	}
}

func (r *Reassembler) cleanupStale() {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.buffer != nil && time.Since(r.buffer.Timestamp) > r.timeout {
		log.Warnf("Dropping stale partial response (age: %v, bytes: %d/%d)",
			time.Since(r.buffer.Timestamp), len(r.buffer.Data), r.buffer.Expected)
		r.buffer = nil
	}
}

// AddPacket adds a packet. It returns the response once complete.
func (r *Reassembler) AddPacket(packet []byte) ([]byte, bool, error) {
	header, err := ParsePacketHeader(packet)
	if err != nil {
		return nil, false, fmt.Errorf("failed to parse packet header: %w", err)
	}
	if header.Tag != TagAPDU {
		return nil, false, fmt.Errorf("unexpected packet tag 0x%02x", header.Tag)
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if header.Sequence == 0 {
		if len(packet) < 5 {
			return nil, false, fmt.Errorf("first packet too short: %d bytes", len(packet))
		}
		if r.buffer != nil {
			log.Debugf("Discarding partial response of %d bytes", len(r.buffer.Data))
		}
		expected := int(binary.BigEndian.Uint16(packet[3:5]))
		r.buffer = &PacketBuffer{
			Data:      make([]byte, 0, expected),
			Expected:  expected,
			Timestamp: time.Now(),
		}
		packet = packet[5:]
	} else {
		if r.buffer == nil {
			return nil, false, fmt.Errorf("continuation packet seq=%d without a first packet", header.Sequence)
		}
		if header.Sequence != r.buffer.NextSequence {
			want := r.buffer.NextSequence
			r.buffer = nil
			return nil, false, fmt.Errorf("out of order packet: expected seq=%d, got %d", want, header.Sequence)
		}
		packet = packet[3:]
	}

	r.buffer.Data = append(r.buffer.Data, packet...)
	r.buffer.NextSequence = header.Sequence + 1
	r.buffer.Timestamp = time.Now()

	if !r.buffer.IsComplete() {
		log.Tracef("Partial response: %d/%d bytes", len(r.buffer.Data), r.buffer.Expected)
		return nil, false, nil
	}

	message := r.buffer.Data[:r.buffer.Expected]
	r.buffer = nil
	log.Tracef("Assembled response: %s", hex.EncodeToString(message))
	return message, true, nil
}

// Reset drops any partial response
func (r *Reassembler) Reset() {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.buffer = nil
	log.Debug("Reassembler buffer cleared")
}
