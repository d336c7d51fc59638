// Package lease grants exclusive ownership of a job to one actor.
//
// Two kinds exist. A local lease is an exclusive flock on a file next to
// the store. A remote lease is a small JSON record in the object store,
// created with a conditional create and overwritten only through a copy
// gated on the version the holder last read.
//
// Every grant carries a fencing token. Tokens for a scope only grow, so an
// actor that resumes after being presumed dead finds a newer token in the
// record and fails with ErrLeaseLost instead of writing.
package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	ckerrors "github.com/randalmurphal/chunkpoint/pkg/chunkpoint/errors"
)

// Sentinel errors.
var (
	// ErrLeaseHeld indicates another actor holds an unexpired lease.
	ErrLeaseHeld = errors.New("lease held by another actor")

	// ErrLeaseLost indicates this actor no longer owns the lease.
	ErrLeaseLost = errors.New("lease lost")
)

// DefaultTTL is the remote lease expiry when none is configured.
const DefaultTTL = 60 * time.Second

// Lease is a held grant.
type Lease interface {
	// Owner returns the holder's actor id.
	Owner() string

	// Token returns the fencing token of this grant.
	Token() int64

	// TTL returns the expiry window. Zero means the lease never expires
	// while the process lives.
	TTL() time.Duration

	// ExpiresAt returns the current expiry, zero when TTL is zero.
	ExpiresAt() time.Time

	// Stolen reports whether acquisition took over an expired grant
	// that its holder never released.
	Stolen() bool

	// Previous returns the record replaced at acquisition, if any.
	Previous() *Record

	// Check is a local test: it fails once the lease is known lost,
	// released, or past its expiry. It makes no network calls.
	Check() error

	// Verify re-reads the grant and fails with ErrLeaseLost if the
	// stored token no longer matches.
	Verify(ctx context.Context) error

	// Renew extends the expiry.
	Renew(ctx context.Context) error

	// Release gives up the lease, keeping the token for future grants.
	Release(ctx context.Context) error

	// Lost is closed when the lease is found to be lost.
	Lost() <-chan struct{}
}

// Manager acquires leases on one scope.
type Manager interface {
	Acquire(ctx context.Context, owner string) (Lease, error)
}

// Record is the persisted form of a grant.
type Record struct {
	Scope      string    `json:"scope"`
	Owner      string    `json:"owner"`
	Token      int64     `json:"token"`
	ExpiresAt  time.Time `json:"expires_at"`
	AcquiredAt time.Time `json:"acquired_at"`
	RenewedAt  time.Time `json:"renewed_at"`
	Released   bool      `json:"released,omitempty"`
}

// Expired reports whether the record no longer grants ownership at now.
func (r Record) Expired(now time.Time) bool {
	if r.Released {
		return true
	}
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// NewOwner returns a unique actor id of the form host-uuid.
func NewOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "actor"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString())
}

// lostError wraps ErrLeaseLost so callers can match the sentinel or the
// lease_lost category.
func lostError(format string, args ...any) error {
	return ckerrors.LeaseLost(fmt.Errorf("%w: "+format, append([]any{ErrLeaseLost}, args...)...), "lease")
}

// KeepAlive renews l every interval until ctx is done or the lease is
// lost. An interval of zero renews at a third of the TTL. Renewal errors
// other than loss are logged and retried on the next tick; once the lease
// is past its expiry, KeepAlive gives up and returns the Check error.
func KeepAlive(ctx context.Context, l Lease, interval time.Duration, logger *slog.Logger) error {
	if interval <= 0 {
		interval = l.TTL() / 3
	}
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-l.Lost():
			return l.Check()
		case <-ticker.C:
		}

		err := l.Renew(ctx)
		switch {
		case err == nil:
			logger.Debug("lease renewed",
				slog.String("owner", l.Owner()),
				slog.Int64("token", l.Token()),
				slog.Time("expires_at", l.ExpiresAt()),
			)
		case errors.Is(err, ErrLeaseLost):
			logger.Error("lease lost", slog.String("owner", l.Owner()), slog.String("error", err.Error()))
			return err
		case ctx.Err() != nil:
			return nil
		default:
			logger.Warn("lease renewal failed", slog.String("error", err.Error()))
			if cerr := l.Check(); cerr != nil {
				return cerr
			}
		}
	}
}
