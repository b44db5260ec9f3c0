package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "agentvault",
	Short: "AgentVault: policy-bound smart accounts for AI agents",
	Long: "AgentVault registers operators for agent smart accounts, sends their instructions as " +
		"ERC-4337 user operations, records every outcome in a ledger and moves agent pool caps " +
		"from reputation feedback.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: built-in defaults plus AGENTVAULT_* env)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
