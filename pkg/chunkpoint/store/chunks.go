package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/chunkpoint/pkg/chunkpoint/plan"
)

const chunkColumns = `id, file_id, chunk_index, start_seconds, end_seconds, plan_hash, status,
	lease_owner, lease_expires_at, attempts, artifact_uri, artifact_sha256, last_error,
	started_at, completed_at, updated_at`

func scanChunk(row interface{ Scan(...any) error }) (Chunk, error) {
	var (
		c                                Chunk
		leaseExpires, started, completed sql.NullString
		updated                          string
	)
	if err := row.Scan(&c.ID, &c.FileID, &c.Index, &c.Start, &c.End, &c.PlanHash, &c.Status,
		&c.LeaseOwner, &leaseExpires, &c.Attempts, &c.ArtifactURI, &c.ArtifactSHA256, &c.LastError,
		&started, &completed, &updated); err != nil {
		return Chunk{}, err
	}
	c.LeaseExpiresAt = parseNullTime(leaseExpires)
	c.StartedAt = parseNullTime(started)
	c.CompletedAt = parseNullTime(completed)
	c.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return c, nil
}

// ChunkEntity is the entity id used for a chunk in events, attempts, and leases.
func ChunkEntity(id int64) string {
	return strconv.FormatInt(id, 10)
}

// EnsureChunks inserts a row for every spec that has none under its plan
// hash. Existing rows are left untouched, so calling it again with the
// same plan is a no-op. It returns the number of rows inserted.
func (t *Tx) EnsureChunks(ctx context.Context, fileID int64, specs []plan.Spec) (int, error) {
	now := formatTime(t.Now())
	inserted := 0
	for _, s := range specs {
		res, err := t.exec(ctx, `
			INSERT INTO chunks (file_id, chunk_index, start_seconds, end_seconds, plan_hash, status, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(file_id, chunk_index, plan_hash) DO NOTHING
		`, fileID, s.Index, s.Start, s.End, s.PlanHash, plan.StatusPending, now)
		if err != nil {
			return inserted, fmt.Errorf("ensure chunk %d: %w", s.Index, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	return inserted, nil
}

// Chunk returns a chunk by row ID.
func (t *Tx) Chunk(ctx context.Context, id int64) (Chunk, error) {
	c, err := scanChunk(t.tx.QueryRowContext(ctx, `SELECT `+chunkColumns+` FROM chunks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Chunk{}, fmt.Errorf("chunk %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Chunk{}, fmt.Errorf("get chunk: %w", classify(err))
	}
	return c, nil
}

// Chunks returns the chunks of a file under one plan hash in index order.
// An empty planHash returns chunks of every plan.
func (t *Tx) Chunks(ctx context.Context, fileID int64, planHash string) ([]Chunk, error) {
	query := `SELECT ` + chunkColumns + ` FROM chunks WHERE file_id = ?`
	args := []any{fileID}
	if planHash != "" {
		query += ` AND plan_hash = ?`
		args = append(args, planHash)
	}
	query += ` ORDER BY plan_hash, chunk_index`

	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", classify(err))
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// ChunkUpdate carries the optional column changes of a transition.
type ChunkUpdate struct {
	Reason string

	// Error is stored as last_error when non-empty.
	Error string

	// ArtifactURI and ArtifactSHA256 replace the recorded artifact when set.
	ArtifactURI    string
	ArtifactSHA256 string

	// ClearArtifact empties the artifact columns.
	ClearArtifact bool
}

// TransitionChunk moves a chunk to a new status after validating the
// transition and records an event in the same transaction.
func (t *Tx) TransitionChunk(ctx context.Context, id int64, to plan.Status, u ChunkUpdate) (Chunk, error) {
	c, err := t.Chunk(ctx, id)
	if err != nil {
		return Chunk{}, err
	}
	if err := plan.CheckTransition(c.Status, to); err != nil {
		return Chunk{}, fmt.Errorf("chunk %d: %w", id, err)
	}

	now := t.Now()
	from := c.Status
	c.Status = to
	c.UpdatedAt = now

	switch to {
	case plan.StatusLeased, plan.StatusRunning:
	default:
		c.LeaseOwner = ""
		c.LeaseExpiresAt = time.Time{}
	}
	switch to {
	case plan.StatusDone:
		c.CompletedAt = now
		c.LastError = ""
	case plan.StatusPending:
		c.CompletedAt = time.Time{}
	}
	if u.Error != "" {
		c.LastError = u.Error
	}
	if u.ClearArtifact {
		c.ArtifactURI = ""
		c.ArtifactSHA256 = ""
	}
	if u.ArtifactURI != "" {
		c.ArtifactURI = u.ArtifactURI
	}
	if u.ArtifactSHA256 != "" {
		c.ArtifactSHA256 = u.ArtifactSHA256
	}

	if _, err := t.exec(ctx, `
		UPDATE chunks SET status = ?, lease_owner = ?, lease_expires_at = ?, artifact_uri = ?,
			artifact_sha256 = ?, last_error = ?, completed_at = ?, updated_at = ?
		WHERE id = ?
	`, c.Status, c.LeaseOwner, nullTime(c.LeaseExpiresAt), c.ArtifactURI, c.ArtifactSHA256,
		c.LastError, nullTime(c.CompletedAt), formatTime(now), id); err != nil {
		return Chunk{}, fmt.Errorf("transition chunk %d: %w", id, err)
	}

	detail := map[string]any{"from": string(from), "to": string(to), "index": c.Index, "plan_hash": c.PlanHash}
	if u.Reason != "" {
		detail["reason"] = u.Reason
	}
	if u.Error != "" {
		detail["error"] = u.Error
	}
	if err := t.AppendEvent(ctx, "chunk", ChunkEntity(id), "chunk_"+string(to), detail); err != nil {
		return Chunk{}, err
	}

	if to == plan.StatusDone || from == plan.StatusDone {
		if err := t.RefreshFileProgress(ctx, c.FileID); err != nil {
			return Chunk{}, err
		}
	}
	return c, nil
}

// Claim is the result of ClaimChunk.
type Claim struct {
	Chunk     Chunk
	Lease     Lease
	AttemptID string
}

// ClaimChunk picks the lowest-index claimable chunk of a file under
// planHash, walks it to running, grants a chunk lease with the next
// fencing token, increments attempts, and opens an attempt row.
// It returns ErrNoEligibleChunk when nothing is claimable.
func (t *Tx) ClaimChunk(ctx context.Context, fileID int64, planHash, owner string, ttl time.Duration) (Claim, error) {
	var id int64
	err := t.tx.QueryRowContext(ctx, `
		SELECT id FROM chunks
		WHERE file_id = ? AND plan_hash = ? AND status IN (?, ?, ?)
		ORDER BY chunk_index
		LIMIT 1
	`, fileID, planHash, plan.StatusPending, plan.StatusRetryableFailed, plan.StatusAbandoned).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return Claim{}, ErrNoEligibleChunk
	}
	if err != nil {
		return Claim{}, fmt.Errorf("select claimable chunk: %w", classify(err))
	}
	return t.claim(ctx, id, owner, ttl)
}

// ClaimChunkByID claims a specific chunk.
func (t *Tx) ClaimChunkByID(ctx context.Context, id int64, owner string, ttl time.Duration) (Claim, error) {
	return t.claim(ctx, id, owner, ttl)
}

func (t *Tx) claim(ctx context.Context, id int64, owner string, ttl time.Duration) (Claim, error) {
	c, err := t.Chunk(ctx, id)
	if err != nil {
		return Claim{}, err
	}
	path, err := plan.Path(c.Status)
	if err != nil {
		return Claim{}, fmt.Errorf("claim chunk %d: %w", id, err)
	}
	for _, to := range path {
		if c, err = t.TransitionChunk(ctx, id, to, ChunkUpdate{Reason: "claim"}); err != nil {
			return Claim{}, err
		}
	}

	expires := t.Now().Add(ttl)
	lease, err := t.GrantLease(ctx, ScopeChunk, ChunkEntity(id), owner, expires)
	if err != nil {
		return Claim{}, err
	}

	now := t.Now()
	if _, err := t.exec(ctx, `
		UPDATE chunks SET lease_owner = ?, lease_expires_at = ?, attempts = attempts + 1,
			started_at = ?, artifact_uri = '', artifact_sha256 = '', updated_at = ?
		WHERE id = ?
	`, owner, formatTime(expires), formatTime(now), formatTime(now), id); err != nil {
		return Claim{}, fmt.Errorf("lease chunk %d: %w", id, err)
	}

	attemptID := uuid.NewString()
	if err := t.StartAttempt(ctx, Attempt{
		ID: attemptID, Scope: ScopeChunk, EntityID: ChunkEntity(id), Actor: owner, StartedAt: now,
	}); err != nil {
		return Claim{}, err
	}

	c.LeaseOwner = owner
	c.LeaseExpiresAt = expires
	c.Attempts++
	c.StartedAt = now
	c.ArtifactURI = ""
	c.ArtifactSHA256 = ""
	return Claim{Chunk: c, Lease: lease, AttemptID: attemptID}, nil
}

// RecordPendingArtifact stores the artifact location and hash on a
// running chunk before the artifact is published. Reconciliation uses
// the recorded hash to judge an artifact found without a done row.
func (t *Tx) RecordPendingArtifact(ctx context.Context, id int64, uri, sha string) error {
	res, err := t.exec(ctx, `
		UPDATE chunks SET artifact_uri = ?, artifact_sha256 = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, uri, sha, formatTime(t.Now()), id, plan.StatusRunning)
	if err != nil {
		return fmt.Errorf("record pending artifact: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("chunk %d: %w: not running", id, plan.ErrInvalidTransition)
	}
	return nil
}

// CompleteChunk commits a running chunk as done with its verified artifact.
func (t *Tx) CompleteChunk(ctx context.Context, id int64, uri, sha string) (Chunk, error) {
	c, err := t.TransitionChunk(ctx, id, plan.StatusDone, ChunkUpdate{
		Reason: "completed", ArtifactURI: uri, ArtifactSHA256: sha,
	})
	if err != nil {
		return Chunk{}, err
	}
	if err := t.EndOpenAttempts(ctx, ScopeChunk, ChunkEntity(id), OutcomeSucceeded, ""); err != nil {
		return Chunk{}, err
	}
	if err := t.ExpireLease(ctx, ScopeChunk, ChunkEntity(id)); err != nil {
		return Chunk{}, err
	}
	return c, nil
}

// FailChunk moves a running chunk to a failure status and closes its attempt.
func (t *Tx) FailChunk(ctx context.Context, id int64, to plan.Status, errMsg string) (Chunk, error) {
	outcome := OutcomeFailed
	if to == plan.StatusAbandoned {
		outcome = OutcomeAbandoned
	}
	c, err := t.TransitionChunk(ctx, id, to, ChunkUpdate{Reason: outcome, Error: errMsg})
	if err != nil {
		return Chunk{}, err
	}
	if err := t.EndOpenAttempts(ctx, ScopeChunk, ChunkEntity(id), outcome, errMsg); err != nil {
		return Chunk{}, err
	}
	if err := t.ExpireLease(ctx, ScopeChunk, ChunkEntity(id)); err != nil {
		return Chunk{}, err
	}
	return c, nil
}

// RecoverInterrupted moves every leased or running chunk of a file to
// abandoned. It runs at startup, before any new claim, because rows in
// those states belong to an actor that is gone.
func (t *Tx) RecoverInterrupted(ctx context.Context, fileID int64, reason string) ([]Chunk, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id FROM chunks WHERE file_id = ? AND status IN (?, ?) ORDER BY chunk_index
	`, fileID, plan.StatusLeased, plan.StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("find interrupted chunks: %w", classify(err))
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan chunk id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	recovered := make([]Chunk, 0, len(ids))
	for _, id := range ids {
		c, err := t.TransitionChunk(ctx, id, plan.StatusAbandoned, ChunkUpdate{Reason: reason})
		if err != nil {
			return nil, err
		}
		if err := t.EndOpenAttempts(ctx, ScopeChunk, ChunkEntity(id), OutcomeAbandoned, reason); err != nil {
			return nil, err
		}
		if err := t.ExpireLease(ctx, ScopeChunk, ChunkEntity(id)); err != nil {
			return nil, err
		}
		recovered = append(recovered, c)
	}
	return recovered, nil
}

// AdoptChunk marks a non-done chunk done because a verified artifact was
// found for it.
func (t *Tx) AdoptChunk(ctx context.Context, id int64, uri, sha string) (Chunk, error) {
	c, err := t.TransitionChunk(ctx, id, plan.StatusDone, ChunkUpdate{
		Reason: "adopted", ArtifactURI: uri, ArtifactSHA256: sha,
	})
	if err != nil {
		return Chunk{}, err
	}
	if err := t.EndOpenAttempts(ctx, ScopeChunk, ChunkEntity(id), OutcomeSucceeded, "adopted"); err != nil {
		return Chunk{}, err
	}
	return c, nil
}

// ResetChunk returns a chunk to pending with its artifact cleared. A done
// chunk passes through corrupt first so the history shows why.
func (t *Tx) ResetChunk(ctx context.Context, id int64, reason string) (Chunk, error) {
	c, err := t.Chunk(ctx, id)
	if err != nil {
		return Chunk{}, err
	}
	switch c.Status {
	case plan.StatusPending:
		if err := t.ClearPendingArtifact(ctx, id); err != nil {
			return Chunk{}, err
		}
		return t.Chunk(ctx, id)
	case plan.StatusDone:
		if _, err := t.TransitionChunk(ctx, id, plan.StatusCorrupt, ChunkUpdate{Reason: reason, Error: reason}); err != nil {
			return Chunk{}, err
		}
	}
	return t.TransitionChunk(ctx, id, plan.StatusPending, ChunkUpdate{Reason: reason, ClearArtifact: true})
}

// ClearPendingArtifact empties the recorded artifact of a non-done chunk.
func (t *Tx) ClearPendingArtifact(ctx context.Context, id int64) error {
	if _, err := t.exec(ctx, `
		UPDATE chunks SET artifact_uri = '', artifact_sha256 = '', updated_at = ?
		WHERE id = ? AND status != ?
	`, formatTime(t.Now()), id, plan.StatusDone); err != nil {
		return fmt.Errorf("clear pending artifact: %w", err)
	}
	return nil
}
