package cmd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jwoglom/hwmanager/pkg/device"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show device information",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()

		return current.withDevice(ctx, func(h device.Handle, info device.Info) error {
			mode := "dashboard"
			switch {
			case info.IsBootloader:
				mode = "bootloader"
			case info.IsOSU:
				mode = "updater"
			}

			return pterm.DefaultTable.WithHasHeader().WithData(pterm.TableData{
				{"Field", "Value"},
				{"Target ID", fmt.Sprintf("0x%08x", info.TargetID)},
				{"Firmware", info.FullVersion},
				{"SE version", info.SEVersion},
				{"MCU version", info.MCUVersion},
				{"Provider", providerLabel(info, current.client.ProviderID(info))},
				{"Mode", mode},
			}).Render()
		})
	},
}

var genuineCmd = &cobra.Command{
	Use:   "genuine",
	Short: "Check that the device is genuine",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()

		return current.withDevice(ctx, func(h device.Handle, info device.Info) error {
			return checkGenuine(ctx, h, info)
		})
	},
}

func checkGenuine(ctx context.Context, h device.Handle, info device.Info) error {
	provider := current.client.ProviderID(info)
	dv, err := current.client.GetDeviceVersion(ctx, info.TargetID, provider)
	if err != nil {
		return err
	}
	fw, err := current.client.GetCurrentFirmware(ctx, info.FullVersion, dv.ID, provider)
	if err != nil {
		return err
	}

	spinner, _ := pterm.DefaultSpinner.Start("Checking device authenticity")
	result, err := current.client.GenuineCheck(ctx, h, info.TargetID, fw.Perso)
	if err != nil {
		if spinner != nil {
			spinner.Fail(err.Error())
		}
		return err
	}

	if result != "0000" {
		if spinner != nil {
			spinner.Fail(fmt.Sprintf("Device is not genuine (%s)", result))
		}
		return fmt.Errorf("genuine check failed: %s", result)
	}
	if spinner != nil {
		spinner.Success("Device is genuine")
	}
	return nil
}

func providerLabel(info device.Info, id int) string {
	if info.ProviderName != "" {
		return fmt.Sprintf("%s (%d)", info.ProviderName, id)
	}
	return strconv.Itoa(id)
}

func init() {
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(genuineCmd)
}
