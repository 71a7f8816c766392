package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the pgx-backed Store implementation.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a Store backed by the given connection pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const serviceColumns = `id, name, target_url, owner_id, watermarking_enabled, bot_blocking_enabled, bot_threshold, created_at`

func scanService(row pgx.Row) (Service, error) {
	var s Service
	err := row.Scan(&s.ID, &s.Name, &s.TargetURL, &s.OwnerID, &s.WatermarkingEnabled, &s.BotBlockingEnabled, &s.BotThreshold, &s.CreatedAt)
	return s, err
}

func (p *PostgresStore) CreateService(ctx context.Context, s Service) (Service, error) {
	query := `INSERT INTO services (name, target_url, owner_id, watermarking_enabled, bot_blocking_enabled, bot_threshold)
	VALUES ($1, $2, $3, $4, $5, $6)
	RETURNING ` + serviceColumns

	row := p.pool.QueryRow(ctx, query, s.Name, s.TargetURL, s.OwnerID, s.WatermarkingEnabled, s.BotBlockingEnabled, s.BotThreshold)
	out, err := scanService(row)
	if err != nil {
		return Service{}, fmt.Errorf("creating service: %w", err)
	}
	return out, nil
}

func (p *PostgresStore) GetService(ctx context.Context, id int64) (Service, error) {
	query := `SELECT ` + serviceColumns + ` FROM services WHERE id = $1`
	row := p.pool.QueryRow(ctx, query, id)
	out, err := scanService(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Service{}, ErrNotFound
	}
	if err != nil {
		return Service{}, fmt.Errorf("getting service: %w", err)
	}
	return out, nil
}

func (p *PostgresStore) SetWatermarkingEnabled(ctx context.Context, serviceID int64, enabled bool) error {
	tag, err := p.pool.Exec(ctx, `UPDATE services SET watermarking_enabled = $1 WHERE id = $2`, enabled, serviceID)
	if err != nil {
		return fmt.Errorf("setting watermarking_enabled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) SetBotBlockingEnabled(ctx context.Context, serviceID int64, enabled bool) error {
	tag, err := p.pool.Exec(ctx, `UPDATE services SET bot_blocking_enabled = $1 WHERE id = $2`, enabled, serviceID)
	if err != nil {
		return fmt.Errorf("setting bot_blocking_enabled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const apiKeyColumns = `id, secret, service_id, is_active, created_at, rate_limit_requests, rate_limit_window_seconds, price_per_request, total_cost`

func scanApiKey(row pgx.Row) (ApiKey, error) {
	var k ApiKey
	err := row.Scan(&k.ID, &k.Secret, &k.ServiceID, &k.IsActive, &k.CreatedAt, &k.RateLimitRequests, &k.RateLimitWindowSeconds, &k.PricePerRequest, &k.TotalCost)
	return k, err
}

func (p *PostgresStore) CreateApiKey(ctx context.Context, k ApiKey) (ApiKey, error) {
	query := `INSERT INTO api_keys (secret, service_id, is_active, rate_limit_requests, rate_limit_window_seconds, price_per_request, total_cost)
	VALUES ($1, $2, $3, $4, $5, $6, 0)
	RETURNING ` + apiKeyColumns

	row := p.pool.QueryRow(ctx, query, k.Secret, k.ServiceID, k.IsActive, k.RateLimitRequests, k.RateLimitWindowSeconds, k.PricePerRequest)
	out, err := scanApiKey(row)
	if err != nil {
		return ApiKey{}, fmt.Errorf("creating api key: %w", err)
	}
	return out, nil
}

func (p *PostgresStore) GetApiKeyBySecret(ctx context.Context, secret string) (ApiKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys WHERE secret = $1`
	row := p.pool.QueryRow(ctx, query, secret)
	out, err := scanApiKey(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ApiKey{}, ErrNotFound
	}
	if err != nil {
		return ApiKey{}, fmt.Errorf("getting api key by secret: %w", err)
	}
	return out, nil
}

func (p *PostgresStore) GetApiKey(ctx context.Context, id int64) (ApiKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys WHERE id = $1`
	row := p.pool.QueryRow(ctx, query, id)
	out, err := scanApiKey(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ApiKey{}, ErrNotFound
	}
	if err != nil {
		return ApiKey{}, fmt.Errorf("getting api key: %w", err)
	}
	return out, nil
}

func (p *PostgresStore) RevokeApiKey(ctx context.Context, serviceID, keyID int64) error {
	tag, err := p.pool.Exec(ctx, `UPDATE api_keys SET is_active = false WHERE id = $1 AND service_id = $2`, keyID, serviceID)
	if err != nil {
		return fmt.Errorf("revoking api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) SetRateLimit(ctx context.Context, keyID int64, requests, windowSeconds int) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE api_keys SET rate_limit_requests = $1, rate_limit_window_seconds = $2 WHERE id = $3`,
		requests, windowSeconds, keyID)
	if err != nil {
		return fmt.Errorf("setting rate limit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) RecordSuccessAndBill(ctx context.Context, serviceID, apiKeyID int64, apiKeySecret string, pricePerRequest float64) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning usage/billing tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `INSERT INTO usage_log (service_id, api_key_secret, timestamp) VALUES ($1, $2, now())`,
		serviceID, apiKeySecret); err != nil {
		return fmt.Errorf("inserting usage log: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE api_keys SET total_cost = total_cost + $1 WHERE id = $2`, pricePerRequest, apiKeyID); err != nil {
		return fmt.Errorf("billing api key: %w", err)
	}

	return tx.Commit(ctx)
}

func (p *PostgresStore) CountUsageSince(ctx context.Context, apiKeySecret string, since time.Time) (int, error) {
	var n int
	err := p.pool.QueryRow(ctx, `SELECT count(*) FROM usage_log WHERE api_key_secret = $1 AND timestamp >= $2`, apiKeySecret, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting usage: %w", err)
	}
	return n, nil
}

func (p *PostgresStore) InsertRequestHash(ctx context.Context, rh RequestHash) (RequestHash, error) {
	query := `INSERT INTO request_hashes (service_id, api_key_id, timestamp, request_path, response_status, hash)
	VALUES ($1, $2, $3, $4, $5, $6)
	RETURNING id, service_id, api_key_id, timestamp, request_path, response_status, hash, merkle_batch_id`

	row := p.pool.QueryRow(ctx, query, rh.ServiceID, rh.ApiKeyID, rh.Timestamp, rh.RequestPath, rh.ResponseStatus, rh.Hash[:])
	out, err := scanRequestHash(row)
	if err != nil {
		return RequestHash{}, fmt.Errorf("inserting request hash: %w", err)
	}
	return out, nil
}

func scanRequestHash(row pgx.Row) (RequestHash, error) {
	var rh RequestHash
	var hash []byte
	var batchID *int64
	err := row.Scan(&rh.ID, &rh.ServiceID, &rh.ApiKeyID, &rh.Timestamp, &rh.RequestPath, &rh.ResponseStatus, &hash, &batchID)
	if err != nil {
		return RequestHash{}, err
	}
	copy(rh.Hash[:], hash)
	rh.MerkleBatchID = batchID
	return rh, nil
}

// ClaimBatch selects the oldest batchSize unbatched rows under
// FOR UPDATE SKIP LOCKED, inserts a placeholder MerkleRoot, and points the
// claimed rows at it — all in one transaction, so two concurrent callers
// never claim overlapping rows.
func (p *PostgresStore) ClaimBatch(ctx context.Context, batchSize int) ([]RequestHash, int64, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("beginning batch claim tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, service_id, api_key_id, timestamp, request_path, response_status, hash, merkle_batch_id
		FROM request_hashes
		WHERE merkle_batch_id IS NULL
		ORDER BY timestamp ASC, id ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, batchSize)
	if err != nil {
		return nil, 0, fmt.Errorf("selecting batch candidates: %w", err)
	}

	var claimed []RequestHash
	for rows.Next() {
		rh, err := scanRequestHash(rows)
		if err != nil {
			rows.Close()
			return nil, 0, fmt.Errorf("scanning batch candidate: %w", err)
		}
		claimed = append(claimed, rh)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating batch candidates: %w", err)
	}

	if len(claimed) < batchSize {
		return nil, 0, nil
	}

	var batchID int64
	if err := tx.QueryRow(ctx, `
		INSERT INTO merkle_roots (root, start_time, end_time, request_count, is_anchored)
		VALUES ('\x0000000000000000000000000000000000000000000000000000000000000000', $1, $2, $3, false)
		RETURNING id`,
		claimed[0].Timestamp, claimed[len(claimed)-1].Timestamp, len(claimed)).Scan(&batchID); err != nil {
		return nil, 0, fmt.Errorf("inserting batch placeholder: %w", err)
	}

	ids := make([]int64, len(claimed))
	for i, rh := range claimed {
		ids[i] = rh.ID
	}
	if _, err := tx.Exec(ctx, `UPDATE request_hashes SET merkle_batch_id = $1 WHERE id = ANY($2)`, batchID, ids); err != nil {
		return nil, 0, fmt.Errorf("assigning batch id: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, 0, fmt.Errorf("committing batch claim: %w", err)
	}

	for i := range claimed {
		claimed[i].MerkleBatchID = &batchID
	}
	return claimed, batchID, nil
}

func (p *PostgresStore) FinalizeBatch(ctx context.Context, batchID int64, root [32]byte, startTime, endTime time.Time, requestCount int) (MerkleRoot, error) {
	query := `UPDATE merkle_roots SET root = $1, start_time = $2, end_time = $3, request_count = $4
	WHERE id = $5
	RETURNING id, root, start_time, end_time, request_count, created_at, is_anchored, tx_hash, block_number, anchored_at`

	row := p.pool.QueryRow(ctx, query, root[:], startTime, endTime, requestCount, batchID)
	out, err := scanMerkleRoot(row)
	if err != nil {
		return MerkleRoot{}, fmt.Errorf("finalizing batch: %w", err)
	}
	return out, nil
}

func scanMerkleRoot(row pgx.Row) (MerkleRoot, error) {
	var m MerkleRoot
	var root []byte
	err := row.Scan(&m.ID, &root, &m.StartTime, &m.EndTime, &m.RequestCount, &m.CreatedAt, &m.IsAnchored, &m.TxHash, &m.BlockNumber, &m.AnchoredAt)
	if err != nil {
		return MerkleRoot{}, err
	}
	copy(m.Root[:], root)
	return m, nil
}

func (p *PostgresStore) GetMerkleRoot(ctx context.Context, id int64) (MerkleRoot, error) {
	query := `SELECT id, root, start_time, end_time, request_count, created_at, is_anchored, tx_hash, block_number, anchored_at
	FROM merkle_roots WHERE id = $1`
	row := p.pool.QueryRow(ctx, query, id)
	out, err := scanMerkleRoot(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return MerkleRoot{}, ErrNotFound
	}
	if err != nil {
		return MerkleRoot{}, fmt.Errorf("getting merkle root: %w", err)
	}
	return out, nil
}

func (p *PostgresStore) LatestMerkleRoot(ctx context.Context) (MerkleRoot, error) {
	query := `SELECT id, root, start_time, end_time, request_count, created_at, is_anchored, tx_hash, block_number, anchored_at
	FROM merkle_roots ORDER BY id DESC LIMIT 1`
	row := p.pool.QueryRow(ctx, query)
	out, err := scanMerkleRoot(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return MerkleRoot{}, ErrNotFound
	}
	if err != nil {
		return MerkleRoot{}, fmt.Errorf("getting latest merkle root: %w", err)
	}
	return out, nil
}

func (p *PostgresStore) ListMerkleRoots(ctx context.Context, beforeID int64, limit int) ([]MerkleRoot, error) {
	query := `SELECT id, root, start_time, end_time, request_count, created_at, is_anchored, tx_hash, block_number, anchored_at
	FROM merkle_roots WHERE ($1 = 0 OR id < $1) ORDER BY id DESC LIMIT $2`
	rows, err := p.pool.Query(ctx, query, beforeID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing merkle roots: %w", err)
	}
	defer rows.Close()

	var out []MerkleRoot
	for rows.Next() {
		m, err := scanMerkleRoot(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning merkle root: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListRequestHashesForBatch(ctx context.Context, batchID int64) ([]RequestHash, error) {
	query := `SELECT id, service_id, api_key_id, timestamp, request_path, response_status, hash, merkle_batch_id
	FROM request_hashes WHERE merkle_batch_id = $1 ORDER BY id ASC`
	rows, err := p.pool.Query(ctx, query, batchID)
	if err != nil {
		return nil, fmt.Errorf("listing batch request hashes: %w", err)
	}
	defer rows.Close()

	var out []RequestHash
	for rows.Next() {
		rh, err := scanRequestHash(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning request hash: %w", err)
		}
		out = append(out, rh)
	}
	return out, rows.Err()
}

func (p *PostgresStore) MarkBatchAnchored(ctx context.Context, batchID int64, txHash string, blockNumber uint64, anchoredAt time.Time) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE merkle_roots SET is_anchored = true, tx_hash = $1, block_number = $2, anchored_at = $3 WHERE id = $4`,
		txHash, blockNumber, anchoredAt, batchID)
	if err != nil {
		return fmt.Errorf("marking batch anchored: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) WriteBotDetectionLog(ctx context.Context, l BotDetectionLog) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO bot_detection_log (service_id, api_key_secret, bot_score, classification, user_agent, action, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		l.ServiceID, l.ApiKeySecret, l.BotScore, l.Classification, l.UserAgent, l.Action, l.Timestamp)
	if err != nil {
		return fmt.Errorf("writing bot detection log: %w", err)
	}
	return nil
}
