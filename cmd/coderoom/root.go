package main

import "github.com/spf13/cobra"

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	serve := newServeCmd()

	rootCmd := &cobra.Command{
		Use:          "coderoom",
		Short:        "Collaborative code editing rooms with sandboxed runs",
		Long:         "coderoom serves shared editing rooms over WebSocket and runs submitted programs through a job queue and a pool of sandboxed workers.",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE:         serve.RunE,
	}
	rootCmd.Flags().AddFlagSet(serve.Flags())

	rootCmd.AddCommand(
		serve,
		newVersionCmd(),
	)
	return rootCmd
}
