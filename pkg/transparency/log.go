package transparency

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gaasio/transparegate/internal/store"
	"github.com/gaasio/transparegate/internal/telemetry"
	"github.com/gaasio/transparegate/pkg/anchor"
)

// Log commits per-request hashes, opportunistically closes fixed-size
// Merkle batches, and hands closed batches to the anchoring worker. Every
// method here is best-effort with respect to the caller: a failure is
// logged and counted in telemetry, never surfaced as a request error.
type Log struct {
	store     store.Store
	batchSize int
	anchor    *anchor.Worker
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a Log with the given Merkle batch size. anchorWorker may be
// nil, which disables anchoring entirely — see anchor.NewWorker.
func New(s store.Store, batchSize int, anchorWorker *anchor.Worker, logger *slog.Logger) *Log {
	return &Log{
		store:     s,
		batchSize: batchSize,
		anchor:    anchorWorker,
		logger:    logger,
		now:       time.Now,
	}
}

// WithAnchorWorker installs the anchoring worker after construction,
// breaking the Log/Worker construction cycle: the worker's OnAnchored
// callback is a bound method on this Log, so the Log must exist first.
func (l *Log) WithAnchorWorker(w *anchor.Worker) *Log {
	l.anchor = w
	return l
}

// Commit writes the per-request commitment for a proxied response, then
// opportunistically tries to close a batch. Both steps are best-effort: a
// failure here never changes the caller's response.
func (l *Log) Commit(ctx context.Context, serviceID, apiKeyID int64, requestPath string, responseStatus int) {
	ts := l.now().UTC()
	tsISO := ts.Format(time.RFC3339Nano)
	hash := CommitmentHash(serviceID, apiKeyID, tsISO, requestPath, responseStatus)

	_, err := l.store.InsertRequestHash(ctx, store.RequestHash{
		ServiceID:      serviceID,
		ApiKeyID:       apiKeyID,
		Timestamp:      ts,
		RequestPath:    requestPath,
		ResponseStatus: responseStatus,
		Hash:           hash,
	})
	if err != nil {
		telemetry.CommitmentWriteFailuresTotal.Inc()
		l.logger.Error("committing request hash failed, data loss accepted", "error", err,
			"service_id", serviceID, "api_key_id", apiKeyID, "path", requestPath)
		return
	}

	l.tryCloseBatch(ctx)
}

// tryCloseBatch claims the oldest pending rows and closes a batch if at
// least batchSize are available. It is called after every successful
// commit, per spec.md §4.5.
func (l *Log) tryCloseBatch(ctx context.Context) {
	claimed, batchID, err := l.store.ClaimBatch(ctx, l.batchSize)
	if err != nil {
		l.logger.Error("claiming merkle batch failed", "error", err)
		return
	}
	if len(claimed) == 0 {
		return
	}

	hashes := make([][32]byte, len(claimed))
	for i, rh := range claimed {
		hashes[i] = rh.Hash
	}
	root := BuildMerkleTree(hashes)

	batch, err := l.store.FinalizeBatch(ctx, batchID, root, claimed[0].Timestamp, claimed[len(claimed)-1].Timestamp, len(claimed))
	if err != nil {
		l.logger.Error("finalizing merkle batch failed", "error", err, "batch_id", batchID)
		return
	}

	telemetry.MerkleBatchesClosedTotal.Inc()
	l.logger.Info("closed merkle batch", "batch_id", batch.ID, "request_count", batch.RequestCount)

	if l.anchor != nil && l.anchor.Enabled() {
		l.anchor.Enqueue(anchor.Job{BatchID: batch.ID, Root: batch.Root, RequestCount: batch.RequestCount})
	}
}

// OnAnchored persists a successful anchoring result. Pass this as the
// anchor.Worker's OnAnchored callback.
func (l *Log) OnAnchored(ctx context.Context, batchID int64, receipt anchor.Receipt) {
	err := l.store.MarkBatchAnchored(ctx, batchID, receipt.TxHash, receipt.BlockNumber, l.now().UTC())
	if err != nil {
		telemetry.AnchorsSubmittedTotal.WithLabelValues("record_failed").Inc()
		l.logger.Error("recording anchor result failed", "error", err, "batch_id", batchID)
		return
	}
	telemetry.AnchorsSubmittedTotal.WithLabelValues("success").Inc()
}

// VerifyBatch recomputes the Merkle root for a closed batch's stored hashes
// (in stored order) and reports whether it matches the stored root.
func (l *Log) VerifyBatch(ctx context.Context, batchID int64) (store.MerkleRoot, [][32]byte, bool, error) {
	batch, err := l.store.GetMerkleRoot(ctx, batchID)
	if err != nil {
		return store.MerkleRoot{}, nil, false, err
	}

	rows, err := l.store.ListRequestHashesForBatch(ctx, batchID)
	if err != nil {
		return store.MerkleRoot{}, nil, false, err
	}
	if len(rows) != batch.RequestCount {
		return batch, nil, false, errors.New("transparency: stored row count does not match batch.request_count")
	}

	hashes := make([][32]byte, len(rows))
	for i, rh := range rows {
		hashes[i] = rh.Hash
	}

	computed := BuildMerkleTree(hashes)
	return batch, hashes, computed == batch.Root, nil
}
