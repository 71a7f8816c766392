package transparency

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/gaasio/transparegate/internal/store"
)

func newTestLog(t *testing.T, batchSize int) (*Log, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(ms, batchSize, nil, logger), ms
}

func TestCommit_DoesNotCloseBatchBelowThreshold(t *testing.T) {
	l, ms := newTestLog(t, 10)
	ctx := context.Background()

	for i := 0; i < 9; i++ {
		l.Commit(ctx, 1, 1, "/proxy/1/widgets", 200)
	}

	if _, err := ms.LatestMerkleRoot(ctx); err == nil {
		t.Fatal("expected no merkle root to exist with fewer than batchSize commits")
	}
}

func TestCommit_ClosesBatchAtThreshold(t *testing.T) {
	l, ms := newTestLog(t, 10)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		l.Commit(ctx, 1, 1, "/proxy/1/widgets", 200)
	}

	root, err := ms.LatestMerkleRoot(ctx)
	if err != nil {
		t.Fatalf("LatestMerkleRoot: %v", err)
	}
	if root.RequestCount != 10 {
		t.Fatalf("RequestCount = %d, want 10", root.RequestCount)
	}
	if root.Root == ([32]byte{}) {
		t.Fatal("closed batch must have a non-zero root")
	}
}

func TestCommit_SecondBatchAfterTwentyCommits(t *testing.T) {
	l, ms := newTestLog(t, 10)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		l.Commit(ctx, 1, 1, "/proxy/1/widgets", 200)
	}

	roots, err := ms.ListMerkleRoots(ctx, 0, 10)
	if err != nil {
		t.Fatalf("ListMerkleRoots: %v", err)
	}
	if len(roots) != 2 {
		t.Fatalf("expected 2 closed batches, got %d", len(roots))
	}
}

func TestVerifyBatch_MatchesStoredRoot(t *testing.T) {
	l, _ := newTestLog(t, 4)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return base }
	for i := 0; i < 4; i++ {
		l.now = func(i int) func() time.Time {
			return func() time.Time { return base.Add(time.Duration(i) * time.Second) }
		}(i)
		l.Commit(ctx, 1, 1, "/proxy/1/widgets", 200)
	}

	batch, hashes, valid, err := l.VerifyBatch(ctx, 1)
	if err != nil {
		t.Fatalf("VerifyBatch: %v", err)
	}
	if !valid {
		t.Fatal("VerifyBatch reported the stored root does not match the recomputed one")
	}
	if len(hashes) != batch.RequestCount {
		t.Fatalf("len(hashes) = %d, want %d", len(hashes), batch.RequestCount)
	}
}
