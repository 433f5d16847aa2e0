package nlqctl

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/duckmesh/nlq/internal/retrieval/snapshot"
	"github.com/duckmesh/nlq/internal/storage"
)

func newSnapshotCommand(defaults Options, stdout io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Inspect or publish schema index snapshots",
	}
	cmd.AddCommand(newSnapshotInspectCommand(stdout), newSnapshotPushCommand(defaults, stdout))
	return cmd
}

func newSnapshotInspectCommand(stdout io.Writer) *cobra.Command {
	var full bool
	cmd := &cobra.Command{
		Use:   "inspect <file.parquet>",
		Short: "List the chunks a snapshot file holds",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			records, err := readSnapshot(args[0])
			if err != nil {
				return &exitError{code: 1, err: err}
			}
			return printSnapshot(stdout, records, full)
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "print chunk text")
	return cmd
}

func newSnapshotPushCommand(defaults Options, stdout io.Writer) *cobra.Command {
	var index string
	var skipLatest bool
	cmd := &cobra.Command{
		Use:   "push <file.parquet>",
		Short: "Validate a snapshot and upload it to object storage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if defaults.ObjectStore == nil {
				return &exitError{code: 1, err: fmt.Errorf("object storage is not configured")}
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return &exitError{code: 1, err: err}
			}
			records, err := snapshot.Decode(data)
			if err != nil {
				return &exitError{code: 1, err: fmt.Errorf("refusing to push invalid snapshot: %w", err)}
			}
			key, err := storage.BuildSnapshotKey(index, time.Now())
			if err != nil {
				return &exitError{code: 2, err: err}
			}
			keys := []string{key}
			if !skipLatest {
				latest, err := storage.LatestSnapshotKey(index)
				if err != nil {
					return &exitError{code: 2, err: err}
				}
				keys = append(keys, latest)
			}

			store, err := defaults.ObjectStore(cmd.Context())
			if err != nil {
				return &exitError{code: 1, err: fmt.Errorf("open object storage: %w", err)}
			}
			for _, key := range keys {
				info, err := store.Put(cmd.Context(), key, bytes.NewReader(data), int64(len(data)), storage.PutOptions{ContentType: storage.SnapshotContentType})
				if err != nil {
					return &exitError{code: 1, err: fmt.Errorf("upload %s: %w", key, err)}
				}
				_, _ = fmt.Fprintf(stdout, "uploaded %s (%d bytes, %d chunks)\n", info.Key, info.Size, len(records))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&index, "index", "schema_chunks", "index (collection) name")
	cmd.Flags().BoolVar(&skipLatest, "no-latest", false, "do not move the latest alias")
	return cmd
}

func readSnapshot(path string) ([]snapshot.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	records, err := snapshot.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return records, nil
}

func printSnapshot(w io.Writer, records []snapshot.Record, full bool) error {
	perTable := map[string]int{}
	dims := 0
	for _, record := range records {
		perTable[record.Chunk.QualifiedName()]++
		dims = len(record.Embedding)
	}
	tables := make([]string, 0, len(perTable))
	for table := range perTable {
		tables = append(tables, table)
	}
	sort.Strings(tables)

	_, _ = fmt.Fprintf(w, "chunks: %d  tables: %d  dimensions: %d\n\n", len(records), len(tables), dims)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tTABLE\tROWS\tCHARS")
	for _, record := range records {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%d\n", record.Chunk.ID, record.Chunk.QualifiedName(), record.Chunk.RowCountHint, len(record.Chunk.Text))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if full {
		for _, record := range records {
			_, _ = fmt.Fprintf(w, "\n-- %s\n%s\n", record.Chunk.ID, record.Chunk.Text)
		}
	}
	return nil
}
