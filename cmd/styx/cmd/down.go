package cmd

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/tartarus-sandbox/styx/pkg/styx"
)

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Tear the tunnel binding down",
	Long: `Remove the tunnel device, policy routing and NAT/forward rules. The container
network is removed only when no container is attached to it.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, func(ctx context.Context, gw styx.Gateway) (*styx.Report, error) {
			return gw.Down(ctx)
		})
	},
}
