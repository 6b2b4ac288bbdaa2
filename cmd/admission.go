package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/moyoez/vaultdrop/admission"
	"github.com/moyoez/vaultdrop/tool"
)

func newAdmissionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "admission",
		Short: "Show the resolved download admission settings",
		Long: `Resolve the download admission settings the way serve would, from the
config file, the environment and this machine's memory, and print them
with any validation warnings.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := tool.LoadConfig(tool.ConfigPath)
			if err != nil {
				return err
			}
			resolved := admissionConfig(cfg.Download)
			out, err := yaml.Marshal(resolved)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprint(w, string(out))

			warnings, verr := admission.Validate(resolved)
			for _, warning := range warnings {
				fmt.Fprintf(w, "warning: %s\n", warning)
			}
			return verr
		},
	}
}
