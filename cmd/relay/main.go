package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fentz26/relay/internal/controlplane"
)

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Relay - multi-agent workflow coordinator",
	Long: `Relay coordinates a pipeline of specialized agents (project manager, designer,
frontend, backend, tester) over a dependency graph of tasks. External agents
report results back through the API; Relay decides what runs next.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the Relay version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(controlplane.Version)
	},
}

var apiAddr string

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:7470", "API server address")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(workflowCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
