package cmd

import (
	"fmt"

	"github.com/jwoglom/hwmanager/pkg/device"
	"github.com/jwoglom/hwmanager/pkg/firmware"
	"github.com/jwoglom/hwmanager/pkg/manager"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var firmwareCmd = &cobra.Command{
	Use:   "firmware",
	Short: "Check for and install firmware updates",
}

var firmwareLatestCmd = &cobra.Command{
	Use:   "latest",
	Short: "Show the firmware update available for the device",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()

		return current.withDevice(ctx, func(h device.Handle, info device.Info) error {
			uc, err := current.client.LatestFirmwareForDevice(ctx, info)
			if err != nil {
				return err
			}
			if uc == nil {
				pterm.Success.Printfln("Firmware %s is up to date", info.FullVersion)
				return nil
			}
			printUpdate(info, uc)
			return nil
		})
	},
}

var firmwareUpdateCmd = &cobra.Command{
	Use:   "update",
	Short: "Update the device firmware",
	Long: `Installs the updater image, then flashes the MCU and the final firmware.
The device reboots several times; keep it connected until the update completes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()

		var (
			uc   *manager.UpdateContext
			info device.Info
		)
		err := current.withDevice(ctx, func(h device.Handle, i device.Info) error {
			var err error
			info = i
			uc, err = current.client.LatestFirmwareForDevice(ctx, info)
			return err
		})
		if err != nil {
			return err
		}
		if uc == nil {
			pterm.Success.Printfln("Firmware %s is up to date", info.FullVersion)
			return nil
		}
		printUpdate(info, uc)

		updater := firmware.New(current.opener, current.client, firmware.DefaultOptions())
		onProgress, stop := current.firmwareProgress()
		defer stop()

		if !info.IsOSU && !info.IsBootloader {
			if err := updater.Prepare(ctx, current.cfg.DeviceID, *uc, onProgress); err != nil {
				return fmt.Errorf("updater install failed: %w", err)
			}
		}
		if err := updater.Run(ctx, current.cfg.DeviceID, *uc, onProgress); err != nil {
			return fmt.Errorf("firmware update failed: %w", err)
		}

		stop()
		pterm.Success.Printfln("Firmware updated to %s", uc.Final.Name)
		return nil
	},
}

func printUpdate(info device.Info, uc *manager.UpdateContext) {
	pterm.Info.Printfln("Update available: %s -> %s", info.FullVersion, uc.Final.Name)
	if uc.ShouldFlashMcu {
		pterm.Info.Println("The MCU will be updated as well")
	}
}

func init() {
	firmwareCmd.AddCommand(firmwareLatestCmd)
	firmwareCmd.AddCommand(firmwareUpdateCmd)
	rootCmd.AddCommand(firmwareCmd)
}
