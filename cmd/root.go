// Package cmd is the vaultdrop command line.
package cmd

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/moyoez/vaultdrop/tool"
)

// NewRootCmd assembles the command tree.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "vaultdrop",
		Short: "Encrypted file storage and transfer engine",
		Long: `vaultdrop stores uploads encrypted at rest, hands out single-use
presigned paths for them and meters large downloads through an
admission queue.`,
		SilenceUsage: true,
		Version:      tool.Version,
	}
	flags := tool.BindFlags(rootCmd.PersistentFlags())
	rootCmd.PersistentPreRun = func(*cobra.Command, []string) {
		flags.Apply()
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newDecryptCmd(),
		newAdmissionCmd(),
		newConfigCmd(),
	)
	return rootCmd
}

// Execute runs the command line and exits non-zero on failure.
func Execute() {
	if err := NewRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
