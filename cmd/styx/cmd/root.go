package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/tartarus-sandbox/styx/pkg/config"
	"github.com/tartarus-sandbox/styx/pkg/domain"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "styx",
	Short: "Route a container network's egress through a tunnel device",
	Long: `styx binds one container network to a point-to-point tunnel device with policy
routing, so only that network's traffic leaves through the tunnel. "up" and "down"
are idempotent and safe to run from a timer; "status" reports whether egress is
actually observed through the tunnel.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config.BindEnv(viper.GetViper())

		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
			if err := viper.ReadInConfig(); err != nil {
				return fmt.Errorf("failed to read config file: %w", err)
			}
		}
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.EnableCaseInsensitive = true
	config.SetDefaults(viper.GetViper())

	f := rootCmd.PersistentFlags()
	f.StringVar(&cfgFile, "config", "", "Path to a styx configuration file")
	f.String("network-name", "wg0-net", "Container network bound to the tunnel")
	f.String("subnet", "10.20.0.0/16", "Subnet of the container network")
	f.String("device", "wg0-docker", "Tunnel device name")
	f.String("bridge", "", "Bridge device of the container network (default br-<network-name>)")
	f.String("config-path", "/etc/wireguard/wg0.conf", "Tunnel engine configuration file")
	f.Int("mtu", domain.MaxTunnelMTU, "MTU of the tunnel device and container network")
	f.Int("routing-table", 100, "Private routing table number (1-252)")
	f.Int("rule-priority", 10000, "Priority of the suppress rule; the table rule uses the next one")
	f.Duration("poll-interval", time.Second, "Delay between state verifications")
	f.Int("max-attempts", 30, "Verification attempts per step before giving up")
	f.String("lock-backend", "file", "Named lock backend (file or redis)")
	f.String("lock-dir", "/run/styx", "Directory holding file locks")
	f.Duration("lock-timeout", 5*time.Second, "How long to wait for another invocation to finish")
	f.String("redis-addr", "localhost:6379", "Redis address for the redis lock backend")
	f.String("probe-image", "curlimages/curl:latest", "Image used to observe egress from the network")
	f.String("echo-url", "https://ifconfig.me/ip", "Plain-text IP echo service")
	f.Duration("probe-timeout", 5*time.Second, "Timeout of each address lookup")
	f.String("docker-socket", "", "Docker socket path (default from DOCKER_HOST)")
	f.String("metrics-textfile", "", "Write Prometheus metrics to this textfile after each run")
	f.String("journal", "", "Append a hash-chained record of every up and down to this file")
	f.String("journal-key", "", "HMAC key for the journal chain")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.StringP("output", "o", "text", "Output format (text, json, yaml)")

	f.VisitAll(func(fl *pflag.Flag) {
		if fl.Name == "config" {
			return
		}
		if err := viper.BindPFlag(fl.Name, fl); err != nil {
			fmt.Fprintf(os.Stderr, "failed to bind %s flag: %v\n", fl.Name, err)
			os.Exit(1)
		}
	})

	rootCmd.AddCommand(upCmd)
	rootCmd.AddCommand(downCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(journalCmd)
}
