package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var (
	profileDir       string
	endpointOverride string
)

var rootCmd = &cobra.Command{
	Use:           "rpcc",
	Short:         "JSON-RPC client",
	Long:          "Send JSON-RPC calls, batches and subscriptions over HTTP, WebSocket or IPC",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print CLI version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "rpcc %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&profileDir, "profile", "./_dev_profile", "Profile directory")
	rootCmd.PersistentFlags().StringVar(&endpointOverride, "endpoint", "", "Override the profile endpoint")
	rootCmd.AddCommand(initCmd, callCmd, batchCmd, subscribeCmd, journalCmd, diagCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
