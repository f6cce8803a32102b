package cmd

import (
	"fmt"
	"strings"

	"github.com/jwoglom/hwmanager/pkg/config"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var envCmd = &cobra.Command{
	Use:   "env [NAME=value...]",
	Short: "Show the effective settings",
	Long: `Shows the settings after the config file and flags are applied.
Arguments of the form NAME=value override a setting for this invocation, which
is useful to check a value before putting it in the config file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, arg := range args {
			name, value, ok := strings.Cut(arg, "=")
			if !ok {
				return fmt.Errorf("expected NAME=value, got %q", arg)
			}
			if err := current.env.Set(config.Name(name), value); err != nil {
				return err
			}
		}

		values := current.env.All()
		data := pterm.TableData{{"Name", "Value"}}
		for _, name := range config.Names() {
			data = append(data, []string{string(name), values[string(name)]})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	},
}

func init() {
	rootCmd.AddCommand(envCmd)
}
