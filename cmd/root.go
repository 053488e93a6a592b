package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var (
	config  = "./config/relayer.yaml"
	rootCmd = &cobra.Command{
		Use:   "ap-relayer",
		Short: "Ava Protocol transaction relayer CLI",
		Long: `CLI to run and interact with the Ava Protocol transaction relayer.
Each sub command can be use for a single service

Such as "ap-relayer run" or "ap-relayer backup" and so on
`,
	}
)

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&config, "config", "c", "config/relayer.yaml", "Path to config file")
}
