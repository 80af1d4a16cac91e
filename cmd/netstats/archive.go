package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/splax/netusage/internal/archive"
)

func newArchiveCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Inspect pruned-sample archive segments",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "ls <dir>",
		Short: "List archive segments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			segments, err := archive.ListSegments(args[0])
			if err != nil {
				return err
			}
			if g.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), segments)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SEGMENT\tOLDEST END\tNEWEST END")
			for _, s := range segments {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", s.Path, formatMillis(s.MinEnd), formatMillis(s.MaxEnd))
			}
			return tw.Flush()
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "cat <segment>",
		Short: "Print the samples of a segment as JSON lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			enc := json.NewEncoder(cmd.OutOrStdout())
			return archive.ReadSegment(args[0], func(r archive.Record) error {
				return enc.Encode(r)
			})
		},
	})
	return cmd
}
