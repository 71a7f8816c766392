package anchor

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Job is one batch awaiting anchoring.
type Job struct {
	BatchID      int64
	Root         [32]byte
	RequestCount int
}

// OnAnchored is invoked once this worker's own submission of a job is mined
// successfully, so the caller can persist the tx hash and block number. A
// job whose batch was already anchored by a prior attempt is logged and
// skipped without invoking it.
type OnAnchored func(ctx context.Context, batchID int64, receipt Receipt)

// Worker is the bounded mailbox spec.md §9 describes: submissions serialize
// through the signer one at a time, and a full mailbox drops (log-and-skip)
// rather than blocking the request path that fed it.
type Worker struct {
	client   *Client
	jobs     chan Job
	onDone   OnAnchored
	logger   *slog.Logger
	stopping chan struct{}
}

const mailboxSize = 64

// NewWorker creates an anchoring worker. client may be nil, in which case
// Enqueue silently drops every job — the disabled-anchoring mode spec.md
// §4.5 requires.
func NewWorker(client *Client, logger *slog.Logger, onDone OnAnchored) *Worker {
	return &Worker{
		client:   client,
		jobs:     make(chan Job, mailboxSize),
		onDone:   onDone,
		logger:   logger,
		stopping: make(chan struct{}),
	}
}

// Enabled reports whether a live blockchain client backs this worker.
func (w *Worker) Enabled() bool {
	return w.client != nil
}

// Enqueue submits a job for anchoring without blocking. If the mailbox is
// full, the job is dropped and logged — anchoring is best-effort, never a
// backpressure source for the request path.
func (w *Worker) Enqueue(job Job) {
	if w.client == nil {
		return
	}
	select {
	case w.jobs <- job:
	default:
		w.logger.Warn("anchor worker mailbox full, dropping batch", "batch_id", job.BatchID)
	}
}

// Run drains the mailbox until ctx is cancelled. Exactly one submission is
// ever outstanding, since jobs are processed sequentially from a single
// goroutine — this is what keeps the signer's nonce serialized.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-w.jobs:
			w.process(ctx, job)
		}
	}
}

func (w *Worker) process(ctx context.Context, job Job) {
	receipt, err := w.client.Submit(ctx, job.BatchID, job.Root, job.RequestCount)
	switch {
	case err == nil:
		w.logger.Info("anchored merkle batch", "batch_id", job.BatchID, "tx_hash", receipt.TxHash, "block_number", receipt.BlockNumber)
	case errors.Is(err, ErrAlreadyAnchored):
		w.logger.Info("batch already anchored, skipping", "batch_id", job.BatchID)
		return
	default:
		w.logger.Error("anchoring batch failed, leaving unanchored", "batch_id", job.BatchID, "error", err)
		return
	}

	if w.onDone != nil {
		doneCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		w.onDone(doneCtx, job.BatchID, receipt)
	}
}
