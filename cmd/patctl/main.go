package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string
	root := &cobra.Command{
		Use:           "patctl",
		Short:         "Operate PAT patent files and chats from the command line",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file to load (default: ./.env when present)")

	root.AddCommand(
		newKeygenCmd(),
		newObscureCmd(&envFile, false),
		newObscureCmd(&envFile, true),
		newAskCmd(&envFile),
		newThreadsCmd(&envFile),
	)
	return root
}
