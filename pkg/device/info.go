package device

import (
	"context"
	"encoding/binary"
	"fmt"
	"regexp"
	"strings"

	"github.com/jwoglom/hwmanager/pkg/apdu"
)

// GetVersionCommand reads the firmware information of the device
var GetVersionCommand = apdu.Command{CLA: 0xe0, INS: 0x01}

// Info is a snapshot of the device state
type Info struct {
	TargetID     uint32 `json:"targetId"`
	SEVersion    string `json:"seVersion"`
	MCUVersion   string `json:"mcuVersion"`
	Flags        string `json:"flags,omitempty"`
	MajMin       string `json:"majMin"`
	FullVersion  string `json:"fullVersion"`
	ProviderName string `json:"providerName,omitempty"`
	IsBootloader bool   `json:"isBootloader"`
	IsOSU        bool   `json:"isOSU"`
}

var versionPattern = regexp.MustCompile(`^([0-9]+\.[0-9]+)(\.[0-9]+)?(-([a-z]+))?`)

// GetInfo reads and parses the device firmware information
func GetInfo(ctx context.Context, dev Device) (Info, error) {
	body, err := Send(ctx, dev, GetVersionCommand)
	if err != nil {
		return Info{}, fmt.Errorf("get version: %w", err)
	}
	return ParseInfo(body)
}

// ParseInfo parses a get-version response body (status word already removed)
func ParseInfo(data []byte) (Info, error) {
	r := &reader{data: data}

	targetID, err := r.uint32()
	if err != nil {
		return Info{}, fmt.Errorf("target id: %w", err)
	}

	info := Info{
		TargetID:     targetID,
		IsBootloader: targetID&0xf0000000 != 0x30000000,
	}

	seVersion, err := r.lengthPrefixed()
	if err != nil {
		return Info{}, fmt.Errorf("se version: %w", err)
	}
	if len(seVersion) == 0 {
		info.SEVersion = "0.0.0"
	} else {
		info.SEVersion = string(seVersion)

		// flags and mcu version are optional on older firmwares
		if flags, err := r.lengthPrefixed(); err == nil {
			info.Flags = string(flags)
			if mcu, err := r.lengthPrefixed(); err == nil {
				if n := len(mcu); n > 0 && mcu[n-1] == 0 {
					mcu = mcu[:n-1]
				}
				info.MCUVersion = string(mcu)
			}
		}
	}

	parseVersion(&info)
	return info, nil
}

func parseVersion(info *Info) {
	version := info.SEVersion
	if strings.HasSuffix(version, "-osu") {
		info.IsOSU = true
		version = strings.TrimSuffix(version, "-osu")
		info.SEVersion = version
	}

	m := versionPattern.FindStringSubmatch(version)
	if m == nil {
		info.MajMin = version
		info.FullVersion = version
		return
	}

	info.MajMin = m[1]
	patch := m[2]
	if patch == "" {
		patch = ".0"
	}
	if m[4] != "" {
		if _, known := Providers[m[4]]; known {
			info.ProviderName = m[4]
		}
	}

	info.FullVersion = info.MajMin + patch
	if info.ProviderName != "" {
		info.FullVersion += "-" + info.ProviderName
	}
}

// Providers maps firmware provider suffixes to backend provider ids
var Providers = map[string]int{
	"das":       2,
	"club":      3,
	"shitcoins": 4,
	"ee":        5,
}

// ProviderID returns the backend provider for the device. A non-zero forced
// provider wins, then the firmware suffix, then the default provider 1.
func (i Info) ProviderID(forced int) int {
	if forced != 0 {
		return forced
	}
	if id, ok := Providers[i.ProviderName]; ok {
		return id
	}
	return 1
}

type reader struct {
	data []byte
	off  int
}

func (r *reader) uint32() (uint32, error) {
	if r.off+4 > len(r.data) {
		return 0, fmt.Errorf("truncated at offset %d", r.off)
	}
	v := binary.BigEndian.Uint32(r.data[r.off:])
	r.off += 4
	return v, nil
}

func (r *reader) lengthPrefixed() ([]byte, error) {
	if r.off >= len(r.data) {
		return nil, fmt.Errorf("truncated at offset %d", r.off)
	}
	n := int(r.data[r.off])
	r.off++
	if r.off+n > len(r.data) {
		return nil, fmt.Errorf("length %d exceeds remaining %d bytes", n, len(r.data)-r.off)
	}
	v := r.data[r.off : r.off+n]
	r.off += n
	return v, nil
}
