// Package plan derives deterministic chunk plans and defines the chunk
// state machine.
//
// A plan is a pure function of the chunking parameters and the source
// duration. Re-planning the same input with the same parameters yields
// identical chunk specs and the same plan hash, so a resumed job can
// reuse every row the previous actor committed.
package plan

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
)

// Params are the settings that affect chunk boundaries or chunk output.
// Changing any of them produces a new plan hash.
type Params struct {
	// ChunkSeconds is the chunk length. Zero processes the source in a single chunk.
	ChunkSeconds float64 `json:"chunk_seconds"`

	// WorkVersion identifies the work function's behavior.
	WorkVersion string `json:"work_version"`

	// Extra carries additional output-affecting settings.
	Extra map[string]string `json:"extra,omitempty"`
}

// Spec describes one chunk of a plan.
type Spec struct {
	Index    int     `json:"index"`
	Start    float64 `json:"start_seconds"`
	End      float64 `json:"end_seconds"`
	PlanHash string  `json:"plan_hash"`
}

// Length returns the chunk duration in seconds.
func (s Spec) Length() float64 {
	return s.End - s.Start
}

// Plan is the full chunk layout for one source.
type Plan struct {
	Hash     string
	Duration float64
	Params   Params
	Chunks   []Spec
}

// hashInput is the canonical document hashed into a plan hash.
type hashInput struct {
	Params
	DurationMillis int64 `json:"duration_ms"`
}

// Hash returns the plan hash for params over a source of the given duration.
func Hash(params Params, duration float64) string {
	// encoding/json sorts map keys, which makes the document canonical.
	doc, err := json.Marshal(hashInput{
		Params:         params,
		DurationMillis: int64(math.Round(duration * 1000)),
	})
	if err != nil {
		// Params holds only strings and numbers.
		panic(fmt.Sprintf("plan: marshal hash input: %v", err))
	}
	sum := sha256.Sum256(doc)
	return hex.EncodeToString(sum[:])
}

// New builds the plan for a source of the given duration in seconds.
func New(params Params, duration float64) (Plan, error) {
	if params.ChunkSeconds < 0 || math.IsNaN(params.ChunkSeconds) || math.IsInf(params.ChunkSeconds, 0) {
		return Plan{}, fmt.Errorf("invalid chunk length %v", params.ChunkSeconds)
	}
	if duration < 0 || math.IsNaN(duration) || math.IsInf(duration, 0) {
		return Plan{}, fmt.Errorf("invalid source duration %v", duration)
	}

	hash := Hash(params, duration)
	p := Plan{Hash: hash, Duration: duration, Params: params}

	if params.ChunkSeconds == 0 || duration <= params.ChunkSeconds {
		p.Chunks = []Spec{{Index: 0, Start: 0, End: duration, PlanHash: hash}}
		return p, nil
	}

	n := int(math.Ceil(duration/params.ChunkSeconds - 1e-9))
	if n < 1 {
		n = 1
	}
	p.Chunks = make([]Spec, 0, n)
	for i := 0; i < n; i++ {
		start := float64(i) * params.ChunkSeconds
		end := math.Min(float64(i+1)*params.ChunkSeconds, duration)
		if i == n-1 {
			end = duration
		}
		p.Chunks = append(p.Chunks, Spec{Index: i, Start: start, End: end, PlanHash: hash})
	}
	return p, nil
}

// ShortHash returns the prefix of a plan hash used in artifact keys.
func ShortHash(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
