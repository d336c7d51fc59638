package store

import (
	"time"

	"github.com/randalmurphal/chunkpoint/pkg/chunkpoint/plan"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

// Job statuses.
const (
	JobPending  JobStatus = "pending"
	JobRunning  JobStatus = "running"
	JobDraining JobStatus = "draining"
	JobDone     JobStatus = "done"
	JobFailed   JobStatus = "failed"
)

// FileStatus is the lifecycle state of a file.
type FileStatus string

// File statuses.
const (
	FilePending FileStatus = "pending"
	FileRunning FileStatus = "running"
	FileDone    FileStatus = "done"
	FileFailed  FileStatus = "failed"
)

// Lease scopes.
const (
	ScopeJob   = "job"
	ScopeChunk = "chunk"
)

// Attempt outcomes.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeAbandoned = "abandoned"
)

// Job is one run over one source namespace.
type Job struct {
	ID             string
	SourceKind     string
	Status         JobStatus
	ConfigHash     string
	ConfigJSON     string
	Actor          string
	Draining       bool
	ShutdownReason string
	ShutdownAt     time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// File is one input within a job, identified by URI and fingerprint.
type File struct {
	ID          int64
	JobID       string
	SourceURI   string
	Fingerprint string
	PlanHash    string
	TotalChunks int
	DoneChunks  int
	Status      FileStatus
	FinalURI    string
	FinalSHA256 string
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Chunk is one unit of work under a specific plan hash.
type Chunk struct {
	ID             int64
	FileID         int64
	Index          int
	Start          float64
	End            float64
	PlanHash       string
	Status         plan.Status
	LeaseOwner     string
	LeaseExpiresAt time.Time
	Attempts       int
	ArtifactURI    string
	ArtifactSHA256 string
	LastError      string
	StartedAt      time.Time
	CompletedAt    time.Time
	UpdatedAt      time.Time
}

// Spec returns the plan spec for the chunk.
func (c Chunk) Spec() plan.Spec {
	return plan.Spec{Index: c.Index, Start: c.Start, End: c.End, PlanHash: c.PlanHash}
}

// Attempt records one try at a job or chunk.
type Attempt struct {
	ID        string
	Scope     string
	EntityID  string
	Actor     string
	StartedAt time.Time
	EndedAt   time.Time
	Outcome   string
	Error     string
}

// Lease is a local lease row.
type Lease struct {
	Scope     string
	EntityID  string
	Owner     string
	Token     int64
	ExpiresAt time.Time
}

// Event is an append-only audit record.
type Event struct {
	ID         int64
	Timestamp  time.Time
	EntityKind string
	EntityID   string
	Kind       string
	Detail     map[string]any
}
