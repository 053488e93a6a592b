package cmd

import (
	"github.com/spf13/cobra"

	"github.com/AvaProtocol/ap-relayer/node"
)

var (
	runRelayerCmd = &cobra.Command{
		Use:   "run",
		Short: "Run relayer node",
		Long: `Initialize and run the relayer node.

Use --config=path-to-your-config-file. default is=./config/relayer.yaml `,
		Run: func(cmd *cobra.Command, args []string) {
			node.RunWithConfig(config)
		},
	}
)

func init() {
	rootCmd.AddCommand(runRelayerCmd)
}
