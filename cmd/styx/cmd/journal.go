package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tartarus-sandbox/styx/pkg/config"
	"github.com/tartarus-sandbox/styx/pkg/hermes/audit"
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Inspect the transition journal",
}

var journalVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check that no journal entry was altered or removed",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(viper.GetViper())
		if err != nil {
			return err
		}
		if cfg.Journal == "" {
			return errors.New("no journal configured (set --journal)")
		}
		events, err := audit.ReadFile(cfg.Journal)
		if err != nil {
			return err
		}
		if err := audit.NewChainManager([]byte(cfg.JournalKey)).VerifyChain(events); err != nil {
			return err
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "Journal OK: %d events\n", len(events))
		return err
	},
}

func init() {
	journalCmd.AddCommand(journalVerifyCmd)
}
