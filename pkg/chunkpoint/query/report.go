package query

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/randalmurphal/chunkpoint/pkg/chunkpoint/plan"
	"github.com/randalmurphal/chunkpoint/pkg/chunkpoint/store"
)

// Built-in query names.
const (
	QueryReport           = "report"
	QueryUnfinishedChunks = "unfinished_chunks"
	QueryEvents           = "events"
)

// DefaultEventLimit is used by the events query when no limit is given.
const DefaultEventLimit = 50

// Report is the state of every job in a store.
type Report struct {
	Jobs []JobReport `json:"jobs"`
}

// JobReport summarizes one job.
type JobReport struct {
	ID             string       `json:"id"`
	SourceKind     string       `json:"source_kind"`
	Status         string       `json:"status"`
	Actor          string       `json:"actor,omitempty"`
	Draining       bool         `json:"draining"`
	ShutdownReason string       `json:"shutdown_reason,omitempty"`
	ShutdownAt     *time.Time   `json:"shutdown_at,omitempty"`
	Lease          *LeaseReport `json:"lease,omitempty"`
	Files          []FileReport `json:"files"`
}

// LeaseReport is the last job lease this store recorded.
type LeaseReport struct {
	Owner     string    `json:"owner"`
	Token     int64     `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// FileReport summarizes one file. Chunks lists only chunks that are not
// done, and only for files that are not done.
type FileReport struct {
	ID          int64          `json:"id"`
	SourceURI   string         `json:"source_uri"`
	Fingerprint string         `json:"fingerprint"`
	PlanHash    string         `json:"plan_hash"`
	Status      string         `json:"status"`
	TotalChunks int            `json:"total_chunks"`
	DoneChunks  int            `json:"done_chunks"`
	FinalURI    string         `json:"final_uri,omitempty"`
	LastError   string         `json:"last_error,omitempty"`
	Counts      map[string]int `json:"counts"`
	Chunks      []ChunkReport  `json:"chunks,omitempty"`
}

// ChunkReport describes a chunk that is not done.
type ChunkReport struct {
	FileID    int64   `json:"file_id"`
	Index     int     `json:"index"`
	Start     float64 `json:"start_seconds"`
	End       float64 `json:"end_seconds"`
	Status    string  `json:"status"`
	Attempts  int     `json:"attempts"`
	LastError string  `json:"last_error,omitempty"`
}

// BuildReport reads the report for jobID, or for every job when jobID is
// empty, in one read transaction.
func BuildReport(ctx context.Context, st *store.Store, jobID string) (Report, error) {
	var report Report
	err := st.View(ctx, func(tx *store.Tx) error {
		jobs, err := selectJobs(ctx, tx, jobID)
		if err != nil {
			return err
		}
		for _, j := range jobs {
			jr, err := jobReport(ctx, tx, j)
			if err != nil {
				return err
			}
			report.Jobs = append(report.Jobs, jr)
		}
		return nil
	})
	return report, err
}

func selectJobs(ctx context.Context, tx *store.Tx, jobID string) ([]store.Job, error) {
	if jobID == "" {
		return tx.Jobs(ctx)
	}
	j, err := tx.Job(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, err
	}
	return []store.Job{j}, nil
}

func jobReport(ctx context.Context, tx *store.Tx, j store.Job) (JobReport, error) {
	jr := JobReport{
		ID:             j.ID,
		SourceKind:     j.SourceKind,
		Status:         string(j.Status),
		Actor:          j.Actor,
		Draining:       j.Draining,
		ShutdownReason: j.ShutdownReason,
	}
	if !j.ShutdownAt.IsZero() {
		at := j.ShutdownAt
		jr.ShutdownAt = &at
	}

	l, err := tx.GetLease(ctx, store.ScopeJob, j.ID)
	switch {
	case err == nil:
		jr.Lease = &LeaseReport{Owner: l.Owner, Token: l.Token, ExpiresAt: l.ExpiresAt}
	case !errors.Is(err, store.ErrNotFound):
		return JobReport{}, err
	}

	files, err := tx.Files(ctx, j.ID)
	if err != nil {
		return JobReport{}, err
	}
	for _, f := range files {
		fr, err := fileReport(ctx, tx, f)
		if err != nil {
			return JobReport{}, err
		}
		jr.Files = append(jr.Files, fr)
	}
	return jr, nil
}

func fileReport(ctx context.Context, tx *store.Tx, f store.File) (FileReport, error) {
	fr := FileReport{
		ID:          f.ID,
		SourceURI:   f.SourceURI,
		Fingerprint: f.Fingerprint,
		PlanHash:    f.PlanHash,
		Status:      string(f.Status),
		TotalChunks: f.TotalChunks,
		DoneChunks:  f.DoneChunks,
		FinalURI:    f.FinalURI,
		LastError:   f.LastError,
		Counts:      map[string]int{},
	}
	if f.PlanHash == "" {
		return fr, nil
	}
	chunks, err := tx.Chunks(ctx, f.ID, f.PlanHash)
	if err != nil {
		return FileReport{}, err
	}
	for _, c := range chunks {
		fr.Counts[string(c.Status)]++
		if f.Status != store.FileDone && c.Status != plan.StatusDone {
			fr.Chunks = append(fr.Chunks, chunkReport(c))
		}
	}
	return fr, nil
}

func chunkReport(c store.Chunk) ChunkReport {
	return ChunkReport{
		FileID:    c.FileID,
		Index:     c.Index,
		Start:     c.Start,
		End:       c.End,
		Status:    string(c.Status),
		Attempts:  c.Attempts,
		LastError: c.LastError,
	}
}

// Unfinished returns every chunk of the report that is not done.
func (r Report) Unfinished() []ChunkReport {
	var out []ChunkReport
	for _, j := range r.Jobs {
		for _, f := range j.Files {
			out = append(out, f.Chunks...)
		}
	}
	return out
}

// WriteText renders the report as aligned columns.
func (r Report) WriteText(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, j := range r.Jobs {
		fmt.Fprintf(tw, "job %s\tstatus=%s\tactor=%s", j.ID, j.Status, j.Actor)
		if j.Lease != nil {
			fmt.Fprintf(tw, "\ttoken=%d", j.Lease.Token)
		}
		if j.ShutdownReason != "" {
			fmt.Fprintf(tw, "\tshutdown=%s", j.ShutdownReason)
		}
		fmt.Fprintln(tw)
		for _, f := range j.Files {
			fmt.Fprintf(tw, "  %s\t%s\t%d/%d done\t%s\n", f.SourceURI, f.Status, f.DoneChunks, f.TotalChunks, f.LastError)
			for _, c := range f.Chunks {
				fmt.Fprintf(tw, "    chunk %d\t%s\tattempts=%d\t%s\n", c.Index, c.Status, c.Attempts, c.LastError)
			}
		}
	}
	return tw.Flush()
}

// RegisterBuiltins registers the report, unfinished_chunks and events
// queries over st.
func RegisterBuiltins(registry *Registry, st *store.Store) error {
	builtins := map[string]Handler{
		QueryReport: func(ctx context.Context, jobID string, _ any) (any, error) {
			return BuildReport(ctx, st, jobID)
		},
		QueryUnfinishedChunks: func(ctx context.Context, jobID string, _ any) (any, error) {
			report, err := BuildReport(ctx, st, jobID)
			if err != nil {
				return nil, err
			}
			return report.Unfinished(), nil
		},
		QueryEvents: func(ctx context.Context, _ string, args any) (any, error) {
			limit := DefaultEventLimit
			if n, ok := args.(int); ok && n > 0 {
				limit = n
			}
			var events []store.Event
			err := st.View(ctx, func(tx *store.Tx) error {
				var err error
				events, err = tx.Events(ctx, limit)
				return err
			})
			return events, err
		},
	}

	for name, handler := range builtins {
		if err := registry.Register(name, handler); err != nil {
			return fmt.Errorf("failed to register builtin query %q: %w", name, err)
		}
	}
	return nil
}
