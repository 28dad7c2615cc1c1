// Command colony runs the autonomous development colony: a planner
// proposing tasks, workers executing them on feature branches, and a
// judge deciding whether each cycle earns the next one.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	flagConfig string
	flagAddr   string
)

func main() {
	root := &cobra.Command{
		Use:           "colony",
		Short:         "Autonomous multi-agent development orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "path to config file")
	root.PersistentFlags().StringVar(&flagAddr, "addr", "http://127.0.0.1:8080", "control server address for operator commands")

	root.AddCommand(newRunCmd(), newStatusCmd(), newPauseCmd(), newOpenCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "colony: %v\n", err)
		os.Exit(1)
	}
}
