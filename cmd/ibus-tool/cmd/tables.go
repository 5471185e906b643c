package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/kstaniek/go-ibus-server/internal/ibus"
	"github.com/kstaniek/go-ibus-server/internal/registry"
)

func init() {
	rootCmd.AddCommand(devicesCmd, commandsCmd, decodeCmd)
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List known device addresses",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		printEntries(cmd.OutOrStdout(), registry.Default().Devices(), nil)
	},
}

var commandsCmd = &cobra.Command{
	Use:   "commands",
	Short: "List known commands; * marks those with field codecs",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		reg := registry.Default()
		printEntries(cmd.OutOrStdout(), reg.Commands(), reg.HasCodec)
	},
}

var decodeCmd = &cobra.Command{
	Use:   "decode FRAME...",
	Short: "Decode one raw frame given as hex",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := parseHexBytes(args...)
		if err != nil {
			return err
		}
		m, err := ibus.Decode(raw)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), registry.Default().Describe(m))
		return nil
	},
}

func printEntries(w io.Writer, entries []registry.Entry, mark func(byte) bool) {
	for _, e := range entries {
		star := " "
		if mark != nil && mark(e.ID) {
			star = "*"
		}
		fmt.Fprintf(w, "%02X %s %s %s\n", e.ID, star, cmdColor(fmt.Sprintf("%-16s", e.Name)), e.Description)
	}
}
