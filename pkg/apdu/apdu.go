package apdu

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
)

// StatusWord is the trailing 2 bytes of every device response
type StatusWord uint16

// Known status words
const (
	SWOK                StatusWord = 0x9000
	SWLocked            StatusWord = 0x6982
	SWAlreadyInstalled  StatusWord = 0x6a80
	SWAlreadyInstalled2 StatusWord = 0x6a81
	SWDependency        StatusWord = 0x6a83
	SWNotEnoughSpace    StatusWord = 0x6a84
	SWRefusedOrNoSpace  StatusWord = 0x6a85
)

// ErrShortResponse is returned when a device response has no room for a status word
var ErrShortResponse = errors.New("device response shorter than status word")

// Hex returns the status word as 4 lower-case hex characters
func (sw StatusWord) Hex() string {
	return fmt.Sprintf("%04x", uint16(sw))
}

func (sw StatusWord) String() string {
	return "0x" + sw.Hex()
}

// OK reports whether the status word is the success code
func (sw StatusWord) OK() bool {
	return sw == SWOK
}

// ParseStatusWord reads the trailing 4 hex characters of s as a status word
func ParseStatusWord(s string) (StatusWord, bool) {
	if len(s) < 4 {
		return 0, false
	}
	v, err := strconv.ParseUint(s[len(s)-4:], 16, 16)
	if err != nil {
		return 0, false
	}
	return StatusWord(v), true
}

// Split separates a raw device response into its body and status word
func Split(resp []byte) ([]byte, StatusWord, error) {
	if len(resp) < 2 {
		return nil, 0, ErrShortResponse
	}
	n := len(resp) - 2
	sw := StatusWord(uint16(resp[n])<<8 | uint16(resp[n+1]))
	return resp[:n], sw, nil
}

// Command is a single APDU command
type Command struct {
	CLA  byte
	INS  byte
	P1   byte
	P2   byte
	Data []byte
}

// Bytes serializes the command in short APDU form
func (c Command) Bytes() []byte {
	out := make([]byte, 0, 5+len(c.Data))
	out = append(out, c.CLA, c.INS, c.P1, c.P2, byte(len(c.Data)))
	return append(out, c.Data...)
}

func (c Command) String() string {
	return hex.EncodeToString(c.Bytes())
}
