package relay

import (
	"errors"
	"fmt"

	"github.com/jwoglom/hwmanager/pkg/apdu"
)

// ErrNoBulkStatus means a bulk query completed without a single device exchange
var ErrNoBulkStatus = errors.New("no bulk status received from device")

// ConnectionFailedError means the relay connection could not be established
type ConnectionFailedError struct {
	URL string
	Err error
}

func (e *ConnectionFailedError) Error() string {
	return fmt.Sprintf("relay connection to %s failed: %v", e.URL, e.Err)
}

func (e *ConnectionFailedError) Unwrap() error {
	return e.Err
}

// ConnectionError means the relay connection broke before a result was recorded
type ConnectionError struct {
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("relay connection to %s lost: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// RemoteError is an error query sent by the backend
type RemoteError struct {
	URL     string
	Payload string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("device socket fail: %s", e.Payload)
}

// StatusWord returns the status word encoded in the trailing 4 hex characters
// of the payload
func (e *RemoteError) StatusWord() (apdu.StatusWord, bool) {
	return apdu.ParseStatusWord(e.Payload)
}

// ProtocolError is a malformed or unexpected frame. It is never retried.
type ProtocolError struct {
	Query  string
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol violation in %q frame: %s: %v", e.Query, e.Reason, e.Err)
	}
	return fmt.Sprintf("protocol violation in %q frame: %s", e.Query, e.Reason)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}
