package cmd

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/jwoglom/hwmanager/pkg/device"
	"github.com/jwoglom/hwmanager/pkg/manager"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var appsCmd = &cobra.Command{
	Use:   "apps",
	Short: "List the apps available for the connected device",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()

		return current.withDevice(ctx, func(h device.Handle, info device.Info) error {
			apps, err := appsForDevice(ctx, info)
			if err != nil {
				return err
			}
			sort.Slice(apps, func(i, j int) bool { return apps[i].Name < apps[j].Name })

			data := pterm.TableData{{"Name", "Version", "ID"}}
			for _, a := range apps {
				data = append(data, []string{a.Name, a.Version, strconv.Itoa(a.ID)})
			}
			return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
		})
	},
}

var installCmd = &cobra.Command{
	Use:   "install <name>",
	Short: "Install an app on the device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAppOperation(args[0], func(ctx context.Context, h device.Handle, info device.Info, app manager.ApplicationVersion) (string, error) {
			return runChannel("Installing "+app.Name, current.client.InstallApp(ctx, h, info.TargetID, app))
		})
	},
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall <name>",
	Short: "Remove an app from the device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAppOperation(args[0], func(ctx context.Context, h device.Handle, info device.Info, app manager.ApplicationVersion) (string, error) {
			return runChannel("Uninstalling "+app.Name, current.client.UninstallApp(ctx, h, info.TargetID, app))
		})
	},
}

var categoriesCmd = &cobra.Command{
	Use:   "categories",
	Short: "List app categories",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()

		categories, err := current.client.ListCategories(ctx)
		if err != nil {
			return err
		}
		data := pterm.TableData{{"ID", "Name", "Apps"}}
		for _, c := range categories {
			data = append(data, []string{strconv.Itoa(c.ID), c.Name, strconv.Itoa(len(c.Applications))})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	},
}

var mcusCmd = &cobra.Command{
	Use:   "mcus",
	Short: "List MCU firmware versions",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()

		mcus, err := current.client.GetMcus(ctx)
		if err != nil {
			return err
		}
		data := pterm.TableData{{"ID", "Name", "From bootloader"}}
		for _, m := range mcus {
			data = append(data, []string{strconv.Itoa(m.ID), m.Name, m.FromBootloaderVersion})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	},
}

// appsForDevice resolves the app catalog for the device's current firmware
func appsForDevice(ctx context.Context, info device.Info) ([]manager.ApplicationVersion, error) {
	if info.IsBootloader || info.IsOSU {
		return nil, fmt.Errorf("device is not in dashboard mode")
	}

	provider := current.client.ProviderID(info)
	dv, err := current.client.GetDeviceVersion(ctx, info.TargetID, provider)
	if err != nil {
		return nil, fmt.Errorf("device version: %w", err)
	}
	fw, err := current.client.GetCurrentFirmware(ctx, info.FullVersion, dv.ID, provider)
	if err != nil {
		return nil, fmt.Errorf("current firmware: %w", err)
	}
	return current.client.ApplicationsByDevice(ctx, provider, fw.ID, dv.ID)
}

func findApp(apps []manager.ApplicationVersion, name string) (manager.ApplicationVersion, bool) {
	for _, a := range apps {
		if strings.EqualFold(a.Name, name) {
			return a, true
		}
	}
	return manager.ApplicationVersion{}, false
}

type appOperation func(ctx context.Context, h device.Handle, info device.Info, app manager.ApplicationVersion) (string, error)

func runAppOperation(name string, op appOperation) error {
	ctx, cancel := commandContext()
	defer cancel()

	return current.withDevice(ctx, func(h device.Handle, info device.Info) error {
		apps, err := appsForDevice(ctx, info)
		if err != nil {
			return err
		}
		app, ok := findApp(apps, name)
		if !ok {
			return fmt.Errorf("no app named %q for this device", name)
		}

		if _, err := op(ctx, h, info, app); err != nil {
			pterm.Error.Printfln("%s: %v", app.Name, err)
			return err
		}
		pterm.Success.Printfln("%s %s done", app.Name, app.Version)
		return nil
	})
}

func init() {
	rootCmd.AddCommand(appsCmd)
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(uninstallCmd)
	rootCmd.AddCommand(categoriesCmd)
	rootCmd.AddCommand(mcusCmd)
}
