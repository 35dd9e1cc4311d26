package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/cloudquorum/cloudquorum/internal/backend"
	"github.com/cloudquorum/cloudquorum/internal/coordinator"
	"github.com/cloudquorum/cloudquorum/pkg/bytesize"
	"github.com/spf13/cobra"
)

func newLatencyCmd() *cobra.Command {
	var size string
	cmd := &cobra.Command{
		Use:   "latency",
		Short: "Probe every backend and show the resulting ranking",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := bytesize.Parse(size)
			if err != nil {
				return fmt.Errorf("invalid --size: %w", err)
			}
			return withCoordinator(coordOptions{}, func(ctx context.Context, c *coordinator.Coordinator) error {
				results := c.MeasureLatency(ctx, int(n))
				printLatency(cmd.OutOrStdout(), results)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&size, "size", "64KB", "probe object size")
	return cmd
}

func printLatency(w io.Writer, results []backend.LatencyResult) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "BACKEND\tWRITE\tREAD\tSTATUS")
	for _, r := range results {
		status := "ok"
		if r.Err != nil {
			status = r.Err.Error()
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Backend, r.Write, r.Read, status)
	}
	_ = tw.Flush()
}
