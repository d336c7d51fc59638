package mirror

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/chunkpoint/pkg/chunkpoint/plan"
)

// Layout derives object keys from a source namespace. Every actor
// computes the same keys for the same namespace.
type Layout struct {
	// Namespace is the key prefix owned by one source.
	Namespace string

	// Ext is appended to artifact keys, including the leading dot.
	Ext string
}

// NewLayout returns the layout for namespace.
func NewLayout(namespace, ext string) Layout {
	return Layout{Namespace: strings.Trim(namespace, "/"), Ext: ext}
}

func (l Layout) join(elem ...string) string {
	if l.Namespace == "" {
		return path.Join(elem...)
	}
	return path.Join(append([]string{l.Namespace}, elem...)...)
}

// Lease is the key of the job lease record.
func (l Layout) Lease() string {
	return l.join(".lease", "job.json")
}

// Snapshot is the key of the mirrored store file.
func (l Layout) Snapshot() string {
	return l.join(".checkpoint", "state.sqlite")
}

// Chunk is the artifact key of one chunk under one plan.
func (l Layout) Chunk(planHash string, index int) string {
	return l.join("chunks", plan.ShortHash(planHash), fmt.Sprintf("chunk_%05d%s", index, l.Ext))
}

// Final is the key of the assembled artifact.
func (l Layout) Final() string {
	return l.join("final" + l.Ext)
}

// Quarantine is where key is moved when its content can't be trusted.
func (l Layout) Quarantine(key string, at time.Time) string {
	return l.join("quarantine", at.UTC().Format("20060102T150405.000000000Z")+"_"+path.Base(key))
}

// TempKey returns a unique staging key next to key.
func TempKey(key string) string {
	return path.Join(path.Dir(key), ".tmp", uuid.NewString()+"_"+path.Base(key))
}
