package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:          "town",
		Short:        "Terminal client for the multi-agent town simulation",
		SilenceUsage: true,
	}
	opts.bind(root)
	root.AddCommand(monitorCmd(opts))
	root.AddCommand(healthCmd(opts))
	root.AddCommand(stateCmd(opts))
	root.AddCommand(sendCmd(opts))
	root.AddCommand(analyzeCmd(opts))
	root.AddCommand(runCmd(opts))
	root.AddCommand(publishCmd(opts))
	root.AddCommand(clearCmd(opts))
	root.AddCommand(layoutCmd())
	root.AddCommand(historyCmd(opts))
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
