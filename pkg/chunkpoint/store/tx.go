package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Tx is a store transaction. Write transactions hold the database lock
// from Begin until Commit or Rollback, so callers must not perform
// network calls while a Tx is open.
type Tx struct {
	tx    *sql.Tx
	now   func() time.Time
	fence FenceFunc
	done  bool
}

// Commit checks the fence and commits. A failed fence rolls back.
func (t *Tx) Commit() error {
	if t.done {
		return sql.ErrTxDone
	}
	t.done = true

	if t.fence != nil {
		if err := t.fence(); err != nil {
			_ = t.tx.Rollback()
			return fmt.Errorf("commit fenced: %w", err)
		}
	}
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", classify(err))
	}
	return nil
}

// Rollback aborts the transaction. It is safe to call after Commit.
func (t *Tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	return t.tx.Rollback()
}

// Now returns the store clock reading used for timestamps.
func (t *Tx) Now() time.Time {
	return t.now().UTC()
}

func (t *Tx) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	return res, nil
}

// AppendEvent records an audit event.
func (t *Tx) AppendEvent(ctx context.Context, entityKind, entityID, kind string, detail map[string]any) error {
	if detail == nil {
		detail = map[string]any{}
	}
	payload, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("encode event detail: %w", err)
	}
	if _, err := t.exec(ctx, `
		INSERT INTO events (ts, entity_kind, entity_id, kind, detail)
		VALUES (?, ?, ?, ?, ?)
	`, formatTime(t.Now()), entityKind, entityID, kind, string(payload)); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// Events returns the most recent events, oldest first. A limit of zero returns all events.
func (t *Tx) Events(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, ts, entity_kind, entity_id, kind, detail FROM (
			SELECT * FROM events ORDER BY id DESC LIMIT ?
		) ORDER BY id
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", classify(err))
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e      Event
			ts     string
			detail string
		)
		if err := rows.Scan(&e.ID, &ts, &e.EntityKind, &e.EntityID, &e.Kind, &detail); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		if err := json.Unmarshal([]byte(detail), &e.Detail); err != nil {
			return nil, fmt.Errorf("decode event detail: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// StartAttempt inserts an open attempt row.
func (t *Tx) StartAttempt(ctx context.Context, a Attempt) error {
	if a.StartedAt.IsZero() {
		a.StartedAt = t.Now()
	}
	if _, err := t.exec(ctx, `
		INSERT INTO attempts (id, scope, entity_id, actor, started_at)
		VALUES (?, ?, ?, ?, ?)
	`, a.ID, a.Scope, a.EntityID, a.Actor, formatTime(a.StartedAt)); err != nil {
		return fmt.Errorf("start attempt: %w", err)
	}
	return nil
}

// EndOpenAttempts closes every open attempt for an entity.
func (t *Tx) EndOpenAttempts(ctx context.Context, scope, entityID, outcome, errMsg string) error {
	if _, err := t.exec(ctx, `
		UPDATE attempts SET ended_at = ?, outcome = ?, error = ?
		WHERE scope = ? AND entity_id = ? AND ended_at IS NULL
	`, formatTime(t.Now()), outcome, errMsg, scope, entityID); err != nil {
		return fmt.Errorf("end attempts: %w", err)
	}
	return nil
}

// Attempts returns all attempts for an entity, oldest first.
func (t *Tx) Attempts(ctx context.Context, scope, entityID string) ([]Attempt, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, scope, entity_id, actor, started_at, ended_at, outcome, error
		FROM attempts WHERE scope = ? AND entity_id = ?
		ORDER BY started_at, rowid
	`, scope, entityID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", classify(err))
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var (
			a       Attempt
			started string
			ended   sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.Scope, &a.EntityID, &a.Actor, &started, &ended, &a.Outcome, &a.Error); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		a.EndedAt = parseNullTime(ended)
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetLease returns the lease row for a scope entity.
func (t *Tx) GetLease(ctx context.Context, scope, entityID string) (Lease, error) {
	var (
		l       Lease
		expires string
	)
	err := t.tx.QueryRowContext(ctx, `
		SELECT scope, entity_id, owner, token, expires_at FROM leases
		WHERE scope = ? AND entity_id = ?
	`, scope, entityID).Scan(&l.Scope, &l.EntityID, &l.Owner, &l.Token, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return Lease{}, ErrNotFound
	}
	if err != nil {
		return Lease{}, fmt.Errorf("get lease: %w", classify(err))
	}
	l.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expires)
	return l, nil
}

// RecordLease stores a lease granted elsewhere (the remote job lease).
// Re-recording the current token extends the expiry. A token lower than
// the recorded one returns ErrStaleToken.
func (t *Tx) RecordLease(ctx context.Context, l Lease) error {
	existing, err := t.GetLease(ctx, l.Scope, l.EntityID)
	switch {
	case errors.Is(err, ErrNotFound):
		_, err = t.exec(ctx, `
			INSERT INTO leases (scope, entity_id, owner, token, expires_at)
			VALUES (?, ?, ?, ?, ?)
		`, l.Scope, l.EntityID, l.Owner, l.Token, formatTime(l.ExpiresAt))
	case err != nil:
		return err
	case l.Token < existing.Token:
		return fmt.Errorf("%w: %d < %d", ErrStaleToken, l.Token, existing.Token)
	case l.Token == existing.Token:
		_, err = t.exec(ctx, `
			UPDATE leases SET owner = ?, expires_at = ?
			WHERE scope = ? AND entity_id = ?
		`, l.Owner, formatTime(l.ExpiresAt), l.Scope, l.EntityID)
	default:
		_, err = t.exec(ctx, `
			UPDATE leases SET owner = ?, token = ?, expires_at = ?
			WHERE scope = ? AND entity_id = ?
		`, l.Owner, l.Token, formatTime(l.ExpiresAt), l.Scope, l.EntityID)
	}
	if err != nil {
		return fmt.Errorf("record lease: %w", err)
	}
	return nil
}

// GrantLease issues a new local lease for a scope entity with the next
// fencing token.
func (t *Tx) GrantLease(ctx context.Context, scope, entityID, owner string, expires time.Time) (Lease, error) {
	next := Lease{Scope: scope, EntityID: entityID, Owner: owner, Token: 1, ExpiresAt: expires}
	existing, err := t.GetLease(ctx, scope, entityID)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return Lease{}, err
	default:
		next.Token = existing.Token + 1
	}
	if err := t.RecordLease(ctx, next); err != nil {
		return Lease{}, err
	}
	return next, nil
}

// ExpireLease marks a lease expired without resetting its token.
func (t *Tx) ExpireLease(ctx context.Context, scope, entityID string) error {
	if _, err := t.exec(ctx, `
		UPDATE leases SET expires_at = ? WHERE scope = ? AND entity_id = ?
	`, formatTime(t.Now()), scope, entityID); err != nil {
		return fmt.Errorf("expire lease: %w", err)
	}
	return nil
}

func formatTime(ts time.Time) string {
	return ts.UTC().Format(time.RFC3339Nano)
}

func nullTime(ts time.Time) any {
	if ts.IsZero() {
		return nil
	}
	return formatTime(ts)
}

func parseNullTime(ns sql.NullString) time.Time {
	if !ns.Valid {
		return time.Time{}
	}
	ts, _ := time.Parse(time.RFC3339Nano, ns.String)
	return ts
}
