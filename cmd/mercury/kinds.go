package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/copyleftdev/mercury/internal/tasks"
	"github.com/spf13/cobra"
)

func newKindsCmd() *cobra.Command {
	var (
		prefix string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "kinds",
		Short: "List the task kinds chat users can run",
		RunE: func(cmd *cobra.Command, _ []string) error {
			kinds := tasks.DefaultRegistry().Kinds()
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(kinds)
			}

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			for _, k := range kinds {
				fmt.Fprintf(w, "%s\t%s\t(max %s)\n", k.Usage(prefix), k.Description, k.DefaultDeadline)
				for _, p := range k.Params {
					line := fmt.Sprintf("  %s\t%s", p.Name, p.Type)
					if p.Default != "" {
						line += fmt.Sprintf(" = %s", p.Default)
					}
					fmt.Fprintf(w, "%s\t%s\n", line, p.Description)
				}
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "/", "command prefix to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print kinds as JSON")
	return cmd
}
