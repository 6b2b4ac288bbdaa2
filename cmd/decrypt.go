package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/moyoez/vaultdrop/tool"
)

func newDecryptCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "decrypt <object-name>",
		Short: "Write the plaintext of a stored object",
		Long: `Decrypt an object from the uploads directory with the configured key.
Objects in the legacy format are recognised automatically.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := tool.LoadConfig(tool.ConfigPath)
			if err != nil {
				return err
			}
			fs, err := newFilesystem(cfg.Storage, nil)
			if err != nil {
				return err
			}
			src, err := fs.Open(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer src.Close()

			var dst io.Writer = cmd.OutOrStdout()
			if output != "" && output != "-" {
				f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
				if err != nil {
					return err
				}
				defer f.Close()
				dst = f
			}
			n, err := tool.CopyWithContext(cmd.Context(), dst, src)
			if err != nil {
				return fmt.Errorf("decrypt %s: %w", args[0], err)
			}
			if output != "" && output != "-" {
				fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d bytes to %s\n", n, output)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default stdout)")
	return cmd
}
