package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup by id/secret finds no matching row.
var ErrNotFound = errors.New("store: not found")

// Store is the transactional persistence boundary for every durable entity
// the gateway depends on. Implementations must honor the invariants
// described on the types in this package — in particular that a
// RequestHash's merkle_batch_id transitions null -> non-null exactly once,
// and that two concurrent batch-closures never claim overlapping rows.
type Store interface {
	// Services

	CreateService(ctx context.Context, s Service) (Service, error)
	GetService(ctx context.Context, id int64) (Service, error)
	SetWatermarkingEnabled(ctx context.Context, serviceID int64, enabled bool) error
	SetBotBlockingEnabled(ctx context.Context, serviceID int64, enabled bool) error

	// API keys

	CreateApiKey(ctx context.Context, k ApiKey) (ApiKey, error)
	GetApiKeyBySecret(ctx context.Context, secret string) (ApiKey, error)
	GetApiKey(ctx context.Context, id int64) (ApiKey, error)
	RevokeApiKey(ctx context.Context, serviceID, keyID int64) error
	SetRateLimit(ctx context.Context, keyID int64, requests, windowSeconds int) error

	// Usage / billing

	// RecordSuccessAndBill appends a UsageLog row and adds pricePerRequest to
	// the key's total_cost in one transaction.
	RecordSuccessAndBill(ctx context.Context, serviceID, apiKeyID int64, apiKeySecret string, pricePerRequest float64) error

	// CountUsageSince returns the number of UsageLog rows for the given key
	// with timestamp >= since. Used by BotClassifier's rate sub-score.
	CountUsageSince(ctx context.Context, apiKeySecret string, since time.Time) (int, error)

	// Request hashes / Merkle batching

	InsertRequestHash(ctx context.Context, rh RequestHash) (RequestHash, error)

	// ClaimBatch atomically claims the oldest batchSize unbatched
	// RequestHash rows (ordered by timestamp, then id), inserts a MerkleRoot
	// row holding a zero root, points the claimed rows at it, and returns the
	// rows with the new batch id — the caller computes the root and calls
	// FinalizeBatch. Returns (nil, 0, nil) if fewer than batchSize rows are
	// pending.
	ClaimBatch(ctx context.Context, batchSize int) (claimed []RequestHash, batchID int64, err error)

	// FinalizeBatch writes the computed root, time range and request_count
	// onto the MerkleRoot row of a batch claimed by ClaimBatch. It does not
	// touch the RequestHash rows; ClaimBatch already pointed them at the batch.
	FinalizeBatch(ctx context.Context, batchID int64, root [32]byte, startTime, endTime time.Time, requestCount int) (MerkleRoot, error)

	GetMerkleRoot(ctx context.Context, id int64) (MerkleRoot, error)
	LatestMerkleRoot(ctx context.Context) (MerkleRoot, error)
	ListMerkleRoots(ctx context.Context, beforeID int64, limit int) ([]MerkleRoot, error)
	ListRequestHashesForBatch(ctx context.Context, batchID int64) ([]RequestHash, error)
	MarkBatchAnchored(ctx context.Context, batchID int64, txHash string, blockNumber uint64, anchoredAt time.Time) error

	// Bot detection

	WriteBotDetectionLog(ctx context.Context, l BotDetectionLog) error
}
