// Package manager is the client for the device manager backend: cached
// metadata lookups over REST and device operations relayed over websocket.
package manager

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jwoglom/hwmanager/pkg/cache"
	"github.com/jwoglom/hwmanager/pkg/config"
	"github.com/jwoglom/hwmanager/pkg/device"
	"github.com/jwoglom/hwmanager/pkg/events"

	log "github.com/sirupsen/logrus"
)

// ClientVersion is sent with every request as livecommonversion
const ClientVersion = "4.3.0"

// ErrLatestMcuInstalled means the backend has no further MCU version to install
var ErrLatestMcuInstalled = errors.New("there is no next mcu version to install")

// HTTPError is a non-2xx response from the metadata backend
type HTTPError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// Options configures a Client
type Options struct {
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	Sink       events.Sink
	CacheSize  int
	Version    string
}

// Client talks to the manager backend. Settings are read from env at call
// time so updates apply immediately.
type Client struct {
	env     *config.Env
	http    *http.Client
	dialer  *websocket.Dialer
	sink    events.Sink
	version string

	store          *cache.Store
	appsByDevice   *cache.Cache[appsKey, []ApplicationVersion]
	apps           *cache.Cache[cache.StringKey, []Application]
	mcus           *cache.Cache[cache.StringKey, []McuVersion]
	latestFirmware *cache.Cache[firmwareKey, *OsuFirmware]
	currentOsu     *cache.Cache[versionKey, OsuFirmware]
	current        *cache.Cache[versionKey, FinalFirmware]
	finalByID      *cache.Cache[idKey, FinalFirmware]
	deviceVersions *cache.Cache[deviceKey, DeviceVersion]
}

// NewClient creates a client reading its settings from env
func NewClient(env *config.Env, opts Options) *Client {
	store := cache.NewStore(opts.CacheSize)
	c := &Client{
		env:     env,
		http:    opts.HTTPClient,
		dialer:  opts.Dialer,
		sink:    opts.Sink,
		version: opts.Version,
		store:   store,

		appsByDevice:   cache.Attach[appsKey, []ApplicationVersion](store, "applicationsByDevice"),
		apps:           cache.Attach[cache.StringKey, []Application](store, "listApps"),
		mcus:           cache.Attach[cache.StringKey, []McuVersion](store, "getMcus"),
		latestFirmware: cache.Attach[firmwareKey, *OsuFirmware](store, "getLatestFirmware"),
		currentOsu:     cache.Attach[versionKey, OsuFirmware](store, "getCurrentOSU"),
		current:        cache.Attach[versionKey, FinalFirmware](store, "getCurrentFirmware"),
		finalByID:      cache.Attach[idKey, FinalFirmware](store, "getFinalFirmwareById"),
		deviceVersions: cache.Attach[deviceKey, DeviceVersion](store, "getDeviceVersion"),
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 30 * time.Second}
	}
	if c.sink == nil {
		c.sink = events.NoOp{}
	}
	if c.version == "" {
		c.version = ClientVersion
	}
	return c
}

// ProviderID returns the backend provider to use for a device
func (c *Client) ProviderID(info device.Info) int {
	return info.ProviderID(c.env.GetInt(config.ForceProvider))
}

// ApplicationsByDevice lists the application versions installable on a firmware
func (c *Client) ApplicationsByDevice(ctx context.Context, provider, firmwareID, deviceVersionID int) ([]ApplicationVersion, error) {
	key := appsKey{Provider: provider, FirmwareID: firmwareID, DeviceVersionID: deviceVersionID}
	return c.appsByDevice.GetOrLoad(ctx, key, func(ctx context.Context) ([]ApplicationVersion, error) {
		var resp appsResponse
		err := c.do(ctx, http.MethodPost, "/get_apps", map[string]interface{}{
			"provider":                          provider,
			"current_se_firmware_final_version": firmwareID,
			"device_version":                    deviceVersionID,
		}, &resp)
		return resp.ApplicationVersions, err
	})
}

// ListApps lists every application
func (c *Client) ListApps(ctx context.Context) ([]Application, error) {
	return c.apps.GetOrLoad(ctx, "", func(ctx context.Context) ([]Application, error) {
		var apps []Application
		err := c.do(ctx, http.MethodGet, "/applications", nil, &apps)
		return apps, err
	})
}

// ListCategories lists application categories. It is not cached.
func (c *Client) ListCategories(ctx context.Context) ([]Category, error) {
	var categories []Category
	err := c.do(ctx, http.MethodGet, "/categories", nil, &categories)
	return categories, err
}

// GetMcus lists every MCU version
func (c *Client) GetMcus(ctx context.Context) ([]McuVersion, error) {
	return c.mcus.GetOrLoad(ctx, "", func(ctx context.Context) ([]McuVersion, error) {
		var mcus []McuVersion
		err := c.do(ctx, http.MethodGet, "/mcu_versions", nil, &mcus)
		return mcus, err
	})
}

// GetLatestFirmware returns the OSU firmware to update to, or nil when the
// device is up to date
func (c *Client) GetLatestFirmware(ctx context.Context, firmwareID, deviceVersionID, provider int) (*OsuFirmware, error) {
	key := firmwareKey{FirmwareID: firmwareID, DeviceVersionID: deviceVersionID, Provider: provider}
	return c.latestFirmware.GetOrLoad(ctx, key, func(ctx context.Context) (*OsuFirmware, error) {
		var resp latestFirmwareResponse
		err := c.do(ctx, http.MethodPost, "/get_latest_firmware", map[string]interface{}{
			"current_se_firmware_final_version": firmwareID,
			"device_version":                    deviceVersionID,
			"provider":                          provider,
		}, &resp)
		if err != nil {
			return nil, err
		}
		if resp.Result == "null" {
			return nil, nil
		}
		return resp.Osu, nil
	})
}

// GetCurrentOSU returns the OSU firmware for a version
func (c *Client) GetCurrentOSU(ctx context.Context, version string, deviceVersionID, provider int) (OsuFirmware, error) {
	key := versionKey{Version: version, DeviceVersionID: deviceVersionID, Provider: provider}
	return c.currentOsu.GetOrLoad(ctx, key, func(ctx context.Context) (OsuFirmware, error) {
		var osu OsuFirmware
		err := c.do(ctx, http.MethodPost, "/get_osu_version", map[string]interface{}{
			"device_version": deviceVersionID,
			"version_name":   version + "-osu",
			"provider":       provider,
		}, &osu)
		return osu, err
	})
}

// GetNextBootloaderVersion returns the next MCU step for an MCU version id. It
// returns ErrLatestMcuInstalled when there is none. It is not cached.
func (c *Client) GetNextBootloaderVersion(ctx context.Context, mcuVersionID int) (McuVersion, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/mcu_versions/"+strconv.Itoa(mcuVersionID), nil, &raw); err != nil {
		return McuVersion{}, err
	}

	var s string
	if json.Unmarshal(raw, &s) == nil {
		// the backend answers "default" once the latest version is installed
		return McuVersion{}, ErrLatestMcuInstalled
	}
	var mcu McuVersion
	if err := json.Unmarshal(raw, &mcu); err != nil {
		return McuVersion{}, fmt.Errorf("decode mcu version: %w", err)
	}
	if mcu.Name == "" {
		return McuVersion{}, ErrLatestMcuInstalled
	}
	return mcu, nil
}

// GetCurrentFirmware returns the final firmware matching a full version name
func (c *Client) GetCurrentFirmware(ctx context.Context, fullVersion string, deviceVersionID, provider int) (FinalFirmware, error) {
	key := versionKey{Version: fullVersion, DeviceVersionID: deviceVersionID, Provider: provider}
	return c.current.GetOrLoad(ctx, key, func(ctx context.Context) (FinalFirmware, error) {
		var fw FinalFirmware
		err := c.do(ctx, http.MethodPost, "/get_firmware_version", map[string]interface{}{
			"device_version": deviceVersionID,
			"version_name":   fullVersion,
			"provider":       provider,
		}, &fw)
		return fw, err
	})
}

// GetFinalFirmwareByID returns a final firmware by id
func (c *Client) GetFinalFirmwareByID(ctx context.Context, id int) (FinalFirmware, error) {
	return c.finalByID.GetOrLoad(ctx, idKey(id), func(ctx context.Context) (FinalFirmware, error) {
		var fw FinalFirmware
		err := c.do(ctx, http.MethodGet, "/firmware_final_versions/"+strconv.Itoa(id), nil, &fw)
		return fw, err
	})
}

// GetDeviceVersion returns the hardware model for a target id
func (c *Client) GetDeviceVersion(ctx context.Context, targetID uint32, provider int) (DeviceVersion, error) {
	key := deviceKey{TargetID: targetID, Provider: provider}
	return c.deviceVersions.GetOrLoad(ctx, key, func(ctx context.Context) (DeviceVersion, error) {
		var dv DeviceVersion
		err := c.do(ctx, http.MethodPost, "/get_device_version", map[string]interface{}{
			"provider":  provider,
			"target_id": targetID,
		}, &dv)
		return dv, err
	})
}

// LatestFirmwareForDevice resolves the update plan for a device, or nil when it
// is up to date
func (c *Client) LatestFirmwareForDevice(ctx context.Context, info device.Info) (*UpdateContext, error) {
	provider := c.ProviderID(info)

	dv, err := c.GetDeviceVersion(ctx, info.TargetID, provider)
	if err != nil {
		return nil, fmt.Errorf("device version: %w", err)
	}
	current, err := c.GetCurrentFirmware(ctx, info.FullVersion, dv.ID, provider)
	if err != nil {
		return nil, fmt.Errorf("current firmware: %w", err)
	}
	osu, err := c.GetLatestFirmware(ctx, current.ID, dv.ID, provider)
	if err != nil {
		return nil, fmt.Errorf("latest firmware: %w", err)
	}
	if osu == nil {
		log.Debugf("Firmware %s is up to date", info.FullVersion)
		return nil, nil
	}

	final, err := c.GetFinalFirmwareByID(ctx, osu.NextFinalFirmwareID)
	if err != nil {
		return nil, fmt.Errorf("final firmware %d: %w", osu.NextFinalFirmwareID, err)
	}
	mcus, err := c.GetMcus(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcu versions: %w", err)
	}

	installed := make(map[int]bool)
	for _, m := range mcus {
		if m.Name == info.MCUVersion {
			installed[m.ID] = true
		}
	}
	shouldFlashMcu := true
	for _, id := range final.McuVersions {
		if installed[id] {
			shouldFlashMcu = false
			break
		}
	}

	return &UpdateContext{Osu: osu, Final: final, ShouldFlashMcu: shouldFlashMcu}, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	u := c.env.Get(config.ManagerAPIBase) + path + "?" + url.Values{"livecommonversion": {c.version}}.Encode()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s body: %w", path, err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	log.Debugf("%s %s -> %d (%s)", method, path, resp.StatusCode, time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &HTTPError{Method: method, Path: path, Status: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
