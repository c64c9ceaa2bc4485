package cmd

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/tartarus-sandbox/styx/pkg/styx"
)

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Bring the tunnel binding up",
	Long: `Create the container network and tunnel device if needed, load the engine
configuration, install policy routing and the NAT/forward rules, then report
health. Steps already in place are skipped.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, func(ctx context.Context, gw styx.Gateway) (*styx.Report, error) {
			return gw.Up(ctx)
		})
	},
}
