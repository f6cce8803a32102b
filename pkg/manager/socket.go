package manager

import (
	"context"
	"net/url"
	"strconv"

	"github.com/jwoglom/hwmanager/pkg/apdu"
	"github.com/jwoglom/hwmanager/pkg/config"
	"github.com/jwoglom/hwmanager/pkg/device"
	"github.com/jwoglom/hwmanager/pkg/relay"
)

// InstallParams are the query parameters of an install session
type InstallParams struct {
	TargetID    uint32
	Perso       string
	DeleteKey   string
	Firmware    string
	FirmwareKey string
	Hash        string
}

func (p InstallParams) values() url.Values {
	q := url.Values{}
	q.Set("targetId", strconv.FormatUint(uint64(p.TargetID), 10))
	set := func(k, v string) {
		if v != "" {
			q.Set(k, v)
		}
	}
	set("perso", p.Perso)
	set("deleteKey", p.DeleteKey)
	set("firmware", p.Firmware)
	set("firmwareKey", p.FirmwareKey)
	set("hash", p.Hash)
	return q
}

// Install opens an install session. Relay drops during bulk writes are
// tolerated and status words are remapped for errContext.
func (c *Client) Install(ctx context.Context, dev device.Device, errContext string, p InstallParams) *relay.Channel {
	return relay.Open(ctx, dev, c.socketURL("/install", p.values()), relay.Options{
		IgnoreErrorsDuringBulk: true,
		MapError:               remapper(errContext),
		Sink:                   c.sink,
		Dialer:                 c.dialer,
	})
}

// GenuineCheck runs the authenticity check and returns its result payload
func (c *Client) GenuineCheck(ctx context.Context, dev device.Device, targetID uint32, perso string) (string, error) {
	q := url.Values{}
	q.Set("targetId", strconv.FormatUint(uint64(targetID), 10))
	q.Set("perso", perso)

	ch := relay.Open(ctx, dev, c.socketURL("/genuine", q), relay.Options{
		Sink:   c.sink,
		Dialer: c.dialer,
	})
	return ch.Result()
}

// InstallMcu opens an MCU or bootloader flashing session
func (c *Client) InstallMcu(ctx context.Context, dev device.Device, errContext string, targetID uint32, version string) *relay.Channel {
	q := url.Values{}
	q.Set("targetId", strconv.FormatUint(uint64(targetID), 10))
	q.Set("version", version)

	return relay.Open(ctx, dev, c.socketURL("/mcu", q), relay.Options{
		IgnoreErrorsDuringBulk: true,
		MapError:               remapper(errContext),
		Sink:                   c.sink,
		Dialer:                 c.dialer,
	})
}

// InstallApp installs an application version
func (c *Client) InstallApp(ctx context.Context, dev device.Device, targetID uint32, app ApplicationVersion) *relay.Channel {
	return c.Install(ctx, dev, apdu.ContextInstallApp, InstallParams{
		TargetID:    targetID,
		Perso:       app.Perso,
		DeleteKey:   app.DeleteKey,
		Firmware:    app.Firmware,
		FirmwareKey: app.FirmwareKey,
		Hash:        app.Hash,
	})
}

// UninstallApp removes an application version by installing its delete image
func (c *Client) UninstallApp(ctx context.Context, dev device.Device, targetID uint32, app ApplicationVersion) *relay.Channel {
	return c.Install(ctx, dev, apdu.ContextUninstallApp, InstallParams{
		TargetID:    targetID,
		Perso:       app.Perso,
		DeleteKey:   app.DeleteKey,
		Firmware:    app.Delete,
		FirmwareKey: app.DeleteKey,
		Hash:        app.Hash,
	})
}

// InstallOsuFirmware installs the OSU image that prepares a firmware update
func (c *Client) InstallOsuFirmware(ctx context.Context, dev device.Device, targetID uint32, osu OsuFirmware) *relay.Channel {
	return c.Install(ctx, dev, apdu.ContextFirmware, InstallParams{
		TargetID:    targetID,
		Perso:       osu.Perso,
		Firmware:    osu.Firmware,
		FirmwareKey: osu.FirmwareKey,
		Hash:        osu.Hash,
	})
}

// InstallFinalFirmware installs a final firmware over an OSU image
func (c *Client) InstallFinalFirmware(ctx context.Context, dev device.Device, targetID uint32, fw FinalFirmware) *relay.Channel {
	return c.Install(ctx, dev, apdu.ContextFirmware, InstallParams{
		TargetID:    targetID,
		Perso:       fw.Perso,
		Firmware:    fw.Firmware,
		FirmwareKey: fw.FirmwareKey,
		Hash:        fw.Hash,
	})
}

func (c *Client) socketURL(path string, q url.Values) string {
	q.Set("livecommonversion", c.version)
	return c.env.Get(config.BaseSocketURL) + path + "?" + q.Encode()
}

func remapper(errContext string) func(error) error {
	return func(err error) error {
		return apdu.RemapError(err, errContext)
	}
}
