package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/chunkpoint/pkg/chunkpoint"
	"github.com/randalmurphal/chunkpoint/pkg/chunkpoint/mirror"
	"github.com/randalmurphal/chunkpoint/pkg/chunkpoint/query"
	"github.com/randalmurphal/chunkpoint/pkg/chunkpoint/store"
)

func (a *app) newReportCmd() *cobra.Command {
	var (
		storePath string
		jobID     string
		queryName string
		limit     int
		asJSON    bool
	)

	cmd := &cobra.Command{
		Use:   "report [input]",
		Short: "Show the checkpoint state of an input",
		Long: `Report opens the checkpoint store of an input read-only and prints the job,
file and unfinished chunk states. For s3 inputs the mirrored snapshot is
downloaded first, so the report shows what a resuming actor would see.

Queries: report (default), unfinished_chunks, events.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, cleanup, err := a.openReportStore(ctx, storePath)
			if err != nil {
				return err
			}
			defer cleanup()

			registry := query.NewRegistry()
			if err := query.RegisterBuiltins(registry, st); err != nil {
				return err
			}
			value, err := query.NewExecutor(registry).Execute(ctx, jobID, queryName, limit)
			if err != nil {
				return err
			}
			return writeQuery(cmd.OutOrStdout(), value, asJSON)
		},
	}

	f := cmd.Flags()
	f.StringVar(&storePath, "store", "", "store file to open instead of deriving it from the input")
	f.StringVar(&jobID, "job", "", "only this job id")
	f.StringVarP(&queryName, "query", "q", query.QueryReport, "query to run")
	f.IntVar(&limit, "limit", query.DefaultEventLimit, "number of events for the events query")
	f.BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

// openReportStore opens the store read-only. The cleanup func closes it
// and removes a downloaded snapshot.
func (a *app) openReportStore(ctx context.Context, storePath string) (*store.Store, func(), error) {
	cleanup := func() {}

	if storePath == "" {
		if a.cfg.Input == "" {
			return nil, nil, errors.New("an input or --store is required")
		}
		src, objects, err := a.openSource(ctx, nil)
		if err != nil {
			return nil, nil, err
		}
		if objects == nil {
			storePath = chunkpoint.StorePath(a.cfg, src)
		} else {
			dir, err := os.MkdirTemp("", "chunkpoint-report-")
			if err != nil {
				return nil, nil, err
			}
			cleanup = func() { _ = os.RemoveAll(dir) }
			storePath = filepath.Join(dir, "state.sqlite")

			layout := mirror.NewLayout(src.Namespace(), a.cfg.ArtifactExt)
			found, err := mirror.NewSnapshots(objects, layout.Snapshot()).Download(ctx, storePath)
			if err != nil {
				cleanup()
				return nil, nil, err
			}
			if !found {
				cleanup()
				return nil, nil, fmt.Errorf("no checkpoint mirrored for %s", src.URI())
			}
		}
	}

	st, err := store.OpenReadOnly(ctx, storePath)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return st, func() {
		_ = st.Close()
		cleanup()
	}, nil
}

func writeQuery(w io.Writer, value any, asJSON bool) error {
	if report, ok := value.(query.Report); ok && !asJSON {
		return report.WriteText(w)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}
