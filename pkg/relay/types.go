package relay

import (
	"encoding/json"
	"fmt"

	"github.com/jwoglom/hwmanager/pkg/apdu"
)

// Inbound queries sent by the backend
const (
	QueryExchange = "exchange"
	QueryBulk     = "bulk"
	QuerySuccess  = "success"
	QueryError    = "error"
	QueryWarning  = "warning"
)

// Outbound responses sent to the backend
const (
	ResponseSuccess = "success"
	ResponseError   = "error"
)

// Frame is a message received from the backend. Data is a hex string for
// exchange, a list of hex strings for bulk and a free payload otherwise.
type Frame struct {
	Query  string          `json:"query"`
	Nonce  int             `json:"nonce,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// Text returns the frame payload as a string. Non-string JSON payloads are
// returned as their raw JSON text.
func (f Frame) Text() string {
	raw := f.Data
	if isEmpty(raw) {
		raw = f.Result
	}
	if isEmpty(raw) {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// List returns the frame payload as a list of strings
func (f Frame) List() ([]string, error) {
	var out []string
	if isEmpty(f.Data) {
		return out, nil
	}
	if err := json.Unmarshal(f.Data, &out); err != nil {
		return nil, fmt.Errorf("bulk data is not a list of strings: %w", err)
	}
	return out, nil
}

func isEmpty(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

// Reply is a message sent to the backend
type Reply struct {
	Nonce    int    `json:"nonce"`
	Response string `json:"response"`
	Data     string `json:"data"`
}

// EventType identifies a channel event
type EventType int

const (
	EventOpened EventType = iota
	EventExchange
	EventBulkProgress
	EventResult
	EventWarning
	EventClosed
)

func (t EventType) String() string {
	switch t {
	case EventOpened:
		return "opened"
	case EventExchange:
		return "exchange"
	case EventBulkProgress:
		return "bulk-progress"
	case EventResult:
		return "result"
	case EventWarning:
		return "warning"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is the only output of a channel
type Event struct {
	Type     EventType
	Nonce    int     // EventExchange
	Progress float64 // EventBulkProgress, in [0,1]
	Payload  string  // EventResult
	Message  string  // EventWarning
}

func (e Event) String() string {
	switch e.Type {
	case EventExchange:
		return fmt.Sprintf("exchange(nonce=%d)", e.Nonce)
	case EventBulkProgress:
		return fmt.Sprintf("bulk-progress(%.2f)", e.Progress)
	case EventResult:
		return fmt.Sprintf("result(%s)", e.Payload)
	case EventWarning:
		return fmt.Sprintf("warning(%s)", e.Message)
	default:
		return e.Type.String()
	}
}

// session is the mutable per-connection state, owned by the event loop
type session struct {
	interrupted bool
	terminated  bool
	inBulk      bool
	lastResult  *string

	// status of a tolerant bulk whose reply was sent, until the next frame
	bulkStatus *apdu.StatusWord
}
