package cmd

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/tartarus-sandbox/styx/pkg/styx"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether egress leaves through the tunnel",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, func(ctx context.Context, gw styx.Gateway) (*styx.Report, error) {
			return gw.Status(ctx)
		})
	},
}
