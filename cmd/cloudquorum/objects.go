package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/cloudquorum/cloudquorum/internal/coordinator"
	"github.com/cloudquorum/cloudquorum/internal/metadata"
	"github.com/cloudquorum/cloudquorum/pkg/bytesize"
	"github.com/spf13/cobra"
)

func newPutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put KEY [FILE]",
		Short: "Store a value (from FILE or stdin)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 2 {
				path = args[1]
			}
			value, err := readInput(path, cmd.InOrStdin())
			if err != nil {
				return err
			}
			return withCoordinator(coordOptions{}, func(ctx context.Context, c *coordinator.Coordinator) error {
				used, err := c.Put(ctx, args[0], value)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "stored %s (%s) on %s\n",
					args[0], bytesize.Format(int64(len(value))), strings.Join(used, ", "))
				return nil
			})
		},
	}
}

func newGetCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "get KEY",
		Short: "Fetch a value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCoordinator(coordOptions{}, func(ctx context.Context, c *coordinator.Coordinator) error {
				value, err := c.Get(ctx, args[0])
				if err != nil {
					return err
				}
				if output == "" || output == "-" {
					_, err = cmd.OutOrStdout().Write(value)
					return err
				}
				return os.WriteFile(output, value, 0600)
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the value to this file instead of stdout")
	return cmd
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete KEY",
		Short: "Delete a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCoordinator(coordOptions{}, func(ctx context.Context, c *coordinator.Coordinator) error {
				return c.Delete(ctx, args[0])
			})
		},
	}
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List live keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCoordinator(coordOptions{}, func(ctx context.Context, c *coordinator.Coordinator) error {
				keys, err := c.List(ctx)
				if err != nil {
					return err
				}
				for _, k := range keys {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), k)
				}
				return nil
			})
		},
	}
}

func newMetadataCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "metadata",
		Short: "Show every metadata record, tombstones included",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCoordinator(coordOptions{}, func(ctx context.Context, c *coordinator.Coordinator) error {
				all, err := c.GetAllMetadata(ctx)
				if err != nil {
					return err
				}
				names := make(map[uint16]string)
				for _, n := range c.Backends().Nodes() {
					names[n.Code()] = n.Name()
				}
				printMetadata(cmd.OutOrStdout(), all, names)
				return nil
			})
		},
	}
}

func newPurgeCmd() *cobra.Command {
	var backendName string
	cmd := &cobra.Command{
		Use:   "purge [KEY]",
		Short: "Remove a metadata record, or every object of one backend",
		Long: `With KEY, physically removes its metadata record, bypassing timestamp
ordering; run batch-gc afterwards to reclaim its chunks. With --backend,
deletes every object stored on that backend.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (len(args) == 1) == (backendName != "") {
				return fmt.Errorf("give either KEY or --backend")
			}
			return withCoordinator(coordOptions{}, func(ctx context.Context, c *coordinator.Coordinator) error {
				if backendName != "" {
					return c.PurgeBackend(ctx, backendName)
				}
				return c.Purge(ctx, args[0])
			})
		},
	}
	cmd.Flags().StringVar(&backendName, "backend", "", "backend to empty")
	return cmd
}

// readInput returns the contents of path, or of stdin when path is empty or "-".
func readInput(path string, stdin io.Reader) ([]byte, error) {
	if path == "" || path == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

func printMetadata(w io.Writer, all map[string]*metadata.Metadata, backends map[uint16]string) {
	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "KEY\tTIMESTAMP\tSIZE\tBACKENDS\tENCRYPTED")
	for _, k := range keys {
		md := all[k]
		if md.IsTombstone() {
			_, _ = fmt.Fprintf(tw, "%s\t%s\t-\t(deleted)\t-\n", k, md.Ts)
			continue
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\n",
			k, md.Ts, bytesize.Format(int64(md.Size)), chunkPlacement(md, backends), md.CryptoKey != nil)
	}
	_ = tw.Flush()
}

// chunkPlacement renders "index:backend" for every stored chunk.
func chunkPlacement(md *metadata.Metadata, backends map[uint16]string) string {
	parts := make([]string, 0, len(md.Backends))
	for _, i := range md.StoredChunks() {
		name, ok := backends[md.Backends[i]]
		if !ok {
			name = fmt.Sprintf("#%d", md.Backends[i])
		}
		parts = append(parts, fmt.Sprintf("%d:%s", i, name))
	}
	return strings.Join(parts, " ")
}
