package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kstaniek/go-ibus-server/internal/ibus"
	"github.com/kstaniek/go-ibus-server/internal/registry"
)

var (
	monitorSrc string
	monitorDst string
	monitorRaw bool
)

func init() {
	monitorCmd.Flags().StringVar(&monitorSrc, "src", "", "only show messages from this device")
	monitorCmd.Flags().StringVar(&monitorDst, "dst", "", "only show messages to this device")
	monitorCmd.Flags().BoolVarP(&monitorRaw, "raw", "r", false, "append raw frame bytes")
	rootCmd.AddCommand(monitorCmd)
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Print decoded bus traffic",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		reg := registry.Default()
		src, err := optionalDevice(reg, monitorSrc)
		if err != nil {
			return err
		}
		dst, err := optionalDevice(reg, monitorDst)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		b, err := openBus(ctx)
		if err != nil {
			return err
		}
		defer b.Close()

		out := cmd.OutOrStdout()
		lines := make(chan string, 256)
		unsub := b.Subscribe(func(m ibus.Message) {
			if !matchFilter(m, src, dst) {
				return
			}
			select {
			case lines <- formatMessage(reg, m, monitorRaw):
			default:
			}
		})
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return nil
			case l := <-lines:
				fmt.Fprintln(out, l)
			}
		}
	},
}

func optionalDevice(reg *registry.Registry, s string) (*byte, error) {
	if s == "" {
		return nil, nil
	}
	id, err := parseDevice(reg, s)
	if err != nil {
		return nil, err
	}
	return &id, nil
}
