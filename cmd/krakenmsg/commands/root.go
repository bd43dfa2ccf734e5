package commands

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kraken-im/krakencore"
)

var (
	identity string
	dataDir  string
	relays   []string
	verbose  bool

	opts *krakencore.Options
)

func Execute() error {
	root := &cobra.Command{
		Use:   "krakenmsg",
		Short: "End-to-end encrypted P2P chat over a gossip overlay",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !verbose {
				logrus.SetLevel(logrus.WarnLevel)
			}

			var err error
			opts, err = krakencore.OptionsFromEnv()
			if err != nil {
				return fmt.Errorf("invalid environment configuration: %w", err)
			}
			if dataDir != "" {
				opts.DataDir = dataDir
			}
			if len(relays) > 0 {
				opts.RelayCandidates = relays
			}
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&identity, "identity", "i", "", "your identity handle (wallet address)")
	root.PersistentFlags().StringVar(&dataDir, "data-dir", "", "local state directory (default $KRAKEN_DATA_DIR or .)")
	root.PersistentFlags().StringSliceVar(&relays, "relay", nil, "relay endpoint override, repeatable")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable info-level logging")
	_ = root.MarkPersistentFlagRequired("identity")

	root.AddCommand(chatCmd(), sendCmd(), peersCmd())
	return root.Execute()
}
