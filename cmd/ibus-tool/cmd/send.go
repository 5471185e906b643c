package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kstaniek/go-ibus-server/internal/ibus"
	"github.com/kstaniek/go-ibus-server/internal/registry"
)

var dryRun bool

func init() {
	sendCmd.Flags().BoolVarP(&dryRun, "dry-run", "n", false, "print the frame instead of sending it")
	commandCmd.Flags().BoolVarP(&dryRun, "dry-run", "n", false, "print the frame instead of sending it")
	rootCmd.AddCommand(sendCmd, commandCmd)
}

var sendCmd = &cobra.Command{
	Use:     "send SRC DST [PAYLOAD...]",
	Short:   "Send a raw message",
	Example: "  ibus-tool send MFL RAD 3B 01\n  ibus-tool send 50 68 0x3B01",
	Args:    cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := buildRaw(registry.Default(), args)
		if err != nil {
			return err
		}
		return transmit(cmd, req)
	},
}

var commandCmd = &cobra.Command{
	Use:     "command SRC DST COMMAND [field=value...]",
	Short:   "Encode a known command and send it",
	Example: "  ibus-tool command IKE ANZV ANZVUpdate sub=1 hours=16 minutes=21\n  ibus-tool command GT GTF GTMonitorCtrl power=1 source=2",
	Args:    cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := buildCommand(registry.Default(), args)
		if err != nil {
			return err
		}
		return transmit(cmd, req)
	},
}

func transmit(cmd *cobra.Command, req ibus.OutboundRequest) error {
	frame, err := req.Encode()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if dryRun {
		fmt.Fprintf(out, "% X\n", frame)
		return nil
	}
	ctx := cmd.Context()
	b, err := openBus(ctx)
	if err != nil {
		return err
	}
	defer b.Close()
	if err := b.Send(req); err != nil {
		return err
	}
	if err := b.Flush(ctx); err != nil {
		return err
	}
	fmt.Fprintf(out, "sent % X\n", frame)
	return nil
}
