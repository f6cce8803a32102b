package manager

import "fmt"

// Cache keys mirror the request fields in order, so equal requests share one
// entry and one in-flight call.

type appsKey struct {
	Provider        int
	FirmwareID      int
	DeviceVersionID int
}

func (k appsKey) CacheKey() string {
	return fmt.Sprintf("%d_%d_%d", k.Provider, k.FirmwareID, k.DeviceVersionID)
}

type firmwareKey struct {
	FirmwareID      int
	DeviceVersionID int
	Provider        int
}

func (k firmwareKey) CacheKey() string {
	return fmt.Sprintf("%d_%d_%d", k.FirmwareID, k.DeviceVersionID, k.Provider)
}

type versionKey struct {
	Version         string
	DeviceVersionID int
	Provider        int
}

func (k versionKey) CacheKey() string {
	return fmt.Sprintf("%s_%d_%d", k.Version, k.DeviceVersionID, k.Provider)
}

type idKey int

func (k idKey) CacheKey() string {
	return fmt.Sprintf("%d", int(k))
}

type deviceKey struct {
	TargetID uint32
	Provider int
}

func (k deviceKey) CacheKey() string {
	return fmt.Sprintf("%d_%d", k.TargetID, k.Provider)
}
