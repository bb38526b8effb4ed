package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bitsurgeon/firmlens/internal/observability"
	"github.com/bitsurgeon/firmlens/internal/plugins"
	"github.com/bitsurgeon/firmlens/internal/registry"
)

// newPluginsCmd creates the `plugins` command, which lists the built-in
// plugin catalog with versions and dependencies.
func newPluginsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plugins",
		Short: "List the available analysis plugins",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := observability.GetLogger()

			reg := registry.New(logger)
			if err := plugins.RegisterBuiltins(reg, loadedConfig.Unpacker, logger); err != nil {
				return fmt.Errorf("building plugin registry: %w", err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tVERSION\tDEPENDS ON")
			for _, d := range reg.Descriptors() {
				deps := "-"
				if len(d.Dependencies) > 0 {
					deps = strings.Join(d.Dependencies, ", ")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", d.Name, d.Version, deps)
			}
			return w.Flush()
		},
	}
}
