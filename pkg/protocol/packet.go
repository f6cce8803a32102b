// Package protocol frames APDUs for transports that carry them in small
// notification-sized packets.
package protocol

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Packet tags
const (
	TagAPDU = 0x05
	TagMTU  = 0x08
)

// DefaultMTU is the packet size used until the device reports its own
const DefaultMTU = 20

// PacketHeader is the tag and sequence number that start every packet
type PacketHeader struct {
	Tag      uint8
	Sequence uint16
}

// ParsePacketHeader parses the packet header from data
func ParsePacketHeader(data []byte) (*PacketHeader, error) {
	if len(data) < 3 {
		return nil, fmt.Errorf("packet too short for header: %d bytes", len(data))
	}

	return &PacketHeader{
		Tag:      data[0],
		Sequence: binary.BigEndian.Uint16(data[1:3]),
	}, nil
}

// AssemblePackets breaks an APDU into packets of at most mtu bytes. The first
// packet carries the total APDU length after its header.
func AssemblePackets(mtu int, apdu []byte) ([][]byte, error) {
	if mtu <= 5 {
		return nil, fmt.Errorf("mtu %d too small", mtu)
	}
	if len(apdu) > 0xffff {
		return nil, fmt.Errorf("apdu too large: %d bytes", len(apdu))
	}

	var packets [][]byte
	remaining := apdu
	for seq := 0; seq == 0 || len(remaining) > 0; seq++ {
		if seq > 0xffff {
			return nil, fmt.Errorf("apdu too large: would require more than %d packets", 0xffff)
		}

		header := []byte{TagAPDU, byte(seq >> 8), byte(seq)}
		if seq == 0 {
			header = append(header, byte(len(apdu)>>8), byte(len(apdu)))
		}

		n := mtu - len(header)
		if n > len(remaining) {
			n = len(remaining)
		}

		packet := make([]byte, 0, len(header)+n)
		packet = append(packet, header...)
		packet = append(packet, remaining[:n]...)
		remaining = remaining[n:]

		packets = append(packets, packet)
		log.Tracef("Created packet seq=%d, size=%d", seq, len(packet))
	}

	return packets, nil
}

// MTURequest returns the packet asking the device for its MTU
func MTURequest() []byte {
	return []byte{TagMTU, 0x00, 0x00, 0x00, 0x00}
}

// ParseMTUResponse returns the MTU reported by the device
func ParseMTUResponse(data []byte) (int, error) {
	if len(data) < 6 || data[0] != TagMTU {
		return 0, fmt.Errorf("invalid mtu response: %s", hex.EncodeToString(data))
	}
	return int(data[5]), nil
}

// LogPacket logs a packet in a readable format
func LogPacket(direction string, data []byte) {
	header, err := ParsePacketHeader(data)
	if err != nil {
		log.Warnf("%s packet too short: %s", direction, hex.EncodeToString(data))
		return
	}

	log.Tracef("%s packet: tag=0x%02x, seq=%d, data=%s",
		direction, header.Tag, header.Sequence, hex.EncodeToString(data[3:]))
}
