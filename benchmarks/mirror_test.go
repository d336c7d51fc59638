package benchmarks

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/randalmurphal/chunkpoint/pkg/chunkpoint"
	"github.com/randalmurphal/chunkpoint/pkg/chunkpoint/config"
	"github.com/randalmurphal/chunkpoint/pkg/chunkpoint/mirror"
	"github.com/randalmurphal/chunkpoint/pkg/chunkpoint/plan"
	"github.com/randalmurphal/chunkpoint/pkg/chunkpoint/reconcile"
	"github.com/randalmurphal/chunkpoint/pkg/chunkpoint/store"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// BenchmarkPublish_Memory measures the stage, gated copy and cleanup of
// a 64 KiB artifact.
func BenchmarkPublish_Memory(b *testing.B) {
	ctx := context.Background()
	objects := mirror.NewMemoryStore()
	data := bytes.Repeat([]byte("x"), 64<<10)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := mirror.Publish(ctx, objects, "ns/chunks/abc/chunk_00000.txt", data); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkPublish_Dir measures the same against the local directory store.
func BenchmarkPublish_Dir(b *testing.B) {
	ctx := context.Background()
	objects, err := mirror.NewDirStore(b.TempDir())
	if err != nil {
		b.Fatal(err)
	}
	data := bytes.Repeat([]byte("x"), 64<<10)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := mirror.Publish(ctx, objects, "ns/chunks/abc/chunk_00000.txt", data); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkReconcile_Clean measures a startup reconciliation of 100 done
// chunks whose artifacts are all intact.
func BenchmarkReconcile_Clean(b *testing.B) {
	ctx := context.Background()
	st, file, p := seedStore(b, 100)
	objects := mirror.NewMemoryStore()
	layout := mirror.NewLayout("ns", ".txt")

	for range p.Chunks {
		err := st.Update(ctx, func(tx *store.Tx) error {
			claim, err := tx.ClaimChunk(ctx, file.ID, p.Hash, "bench", time.Minute)
			if err != nil {
				return err
			}
			key := layout.Chunk(p.Hash, claim.Chunk.Index)
			pub, err := mirror.Publish(ctx, objects, key, []byte("artifact"))
			if err != nil {
				return err
			}
			_, err = tx.CompleteChunk(ctx, claim.Chunk.ID, key, pub.SHA256)
			return err
		})
		if err != nil {
			b.Fatal(err)
		}
	}
	r := reconcile.New(st, objects, layout, reconcile.Options{Logger: quietLogger()})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := r.Run(ctx, file.ID, p.Hash); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkRun_Local measures a complete 20-chunk local job, from a fresh
// checkpoint, with an instant work function.
func BenchmarkRun_Local(b *testing.B) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.ChunkSeconds = 1
	work := func(_ context.Context, chunk plan.Spec, _ chunkpoint.Source) ([]byte, error) {
		return []byte("text"), nil
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		b.StopTimer()
		input := filepath.Join(b.TempDir(), "talk.wav")
		if err := os.WriteFile(input, []byte("audio"), 0o644); err != nil {
			b.Fatal(err)
		}
		src, err := chunkpoint.NewFileSource(input, func(context.Context, string) (float64, error) { return 20, nil })
		if err != nil {
			b.Fatal(err)
		}
		runner, err := chunkpoint.NewRunner(cfg, work, chunkpoint.WithLogger(quietLogger()))
		if err != nil {
			b.Fatal(err)
		}
		b.StartTimer()

		if _, err := runner.Run(ctx, src); err != nil {
			b.Fatal(err)
		}
	}
}
