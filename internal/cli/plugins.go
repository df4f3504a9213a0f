package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/harun/autotrack/pkg/autotrack"
)

var pluginsCmd = &cobra.Command{
	Use:   "plugins",
	Short: "List the bundled plugins",
	RunE:  runPlugins,
}

func init() {
	rootCmd.AddCommand(pluginsCmd)
}

func runPlugins(cmd *cobra.Command, args []string) error {
	reg := autotrack.DefaultRegistry()
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tVERSION")
	for _, name := range reg.Names() {
		r, _ := reg.Lookup(name)
		fmt.Fprintf(w, "%s\t%s\n", r.Name, r.Version)
	}
	return w.Flush()
}
