package events

import (
	"time"

	log "github.com/sirupsen/logrus"
)

// TraceType identifies a low-level protocol trace event
type TraceType string

const (
	TraceSocketOpened   TraceType = "socket-opened"
	TraceSocketClose    TraceType = "socket-close"
	TraceSocketError    TraceType = "socket-error"
	TraceSocketSend     TraceType = "socket-send"
	TraceSocketReceive  TraceType = "socket-receive"
	TraceMessageError   TraceType = "socket-message-error"
	TraceMessageWarning TraceType = "socket-message-warning"
	TraceExchange       TraceType = "device-exchange"
)

// Trace is a structured protocol trace event
type Trace struct {
	Type    TraceType `json:"type"`
	URL     string    `json:"url,omitempty"`
	Nonce   int       `json:"nonce,omitempty"`
	Message string    `json:"message,omitempty"`
	Data    string    `json:"data,omitempty"`
	Time    time.Time `json:"time"`
}

// Sink receives protocol traces and human-readable device warnings.
// Implementations must not block.
type Sink interface {
	// Trace records a low-level protocol event
	Trace(t Trace)

	// Warning records an advisory device warning
	Warning(message string)
}

// NoOp discards everything
type NoOp struct{}

// Trace is a no-op implementation
func (NoOp) Trace(Trace) {}

// Warning is a no-op implementation
func (NoOp) Warning(string) {}

// Multi fans every event out to all of its sinks
type Multi []Sink

// Trace forwards to every sink
func (m Multi) Trace(t Trace) {
	for _, s := range m {
		if s != nil {
			s.Trace(t)
		}
	}
}

// Warning forwards to every sink
func (m Multi) Warning(message string) {
	for _, s := range m {
		if s != nil {
			s.Warning(message)
		}
	}
}

// Combine returns a single sink for zero, one or many sinks
func Combine(sinks ...Sink) Sink {
	var out Multi
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	switch len(out) {
	case 0:
		return NoOp{}
	case 1:
		return out[0]
	default:
		return out
	}
}

// LogSink writes events to logrus
type LogSink struct{}

// Trace logs the event at trace level
func (LogSink) Trace(t Trace) {
	log.WithFields(log.Fields{
		"nonce": t.Nonce,
		"url":   t.URL,
		"data":  t.Data,
	}).Tracef("%s %s", t.Type, t.Message)
}

// Warning logs the device warning
func (LogSink) Warning(message string) {
	log.Warnf("Device warning: %s", message)
}
