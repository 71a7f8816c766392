package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used by tests. It serializes every
// operation behind a single mutex; that is fine for test scale and keeps the
// invariants (no overlapping batch claims, monotonic ids) trivially true.
type MemoryStore struct {
	mu sync.Mutex

	nextServiceID int64
	nextKeyID     int64
	nextUsageID   int64
	nextHashID    int64
	nextBatchID   int64

	services map[int64]Service
	keys     map[int64]ApiKey
	usage    []UsageLog
	hashes   map[int64]RequestHash
	batches  map[int64]MerkleRoot
	botLogs  []BotDetectionLog
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		services: make(map[int64]Service),
		keys:     make(map[int64]ApiKey),
		hashes:   make(map[int64]RequestHash),
		batches:  make(map[int64]MerkleRoot),
	}
}

func (m *MemoryStore) CreateService(_ context.Context, s Service) (Service, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextServiceID++
	s.ID = m.nextServiceID
	s.CreatedAt = time.Now().UTC()
	m.services[s.ID] = s
	return s, nil
}

func (m *MemoryStore) GetService(_ context.Context, id int64) (Service, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.services[id]
	if !ok {
		return Service{}, ErrNotFound
	}
	return s, nil
}

func (m *MemoryStore) SetWatermarkingEnabled(_ context.Context, serviceID int64, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.services[serviceID]
	if !ok {
		return ErrNotFound
	}
	s.WatermarkingEnabled = enabled
	m.services[serviceID] = s
	return nil
}

func (m *MemoryStore) SetBotBlockingEnabled(_ context.Context, serviceID int64, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.services[serviceID]
	if !ok {
		return ErrNotFound
	}
	s.BotBlockingEnabled = enabled
	m.services[serviceID] = s
	return nil
}

func (m *MemoryStore) CreateApiKey(_ context.Context, k ApiKey) (ApiKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextKeyID++
	k.ID = m.nextKeyID
	k.CreatedAt = time.Now().UTC()
	if !k.IsActive {
		k.IsActive = true
	}
	m.keys[k.ID] = k
	return k, nil
}

func (m *MemoryStore) GetApiKeyBySecret(_ context.Context, secret string) (ApiKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range m.keys {
		if k.Secret == secret {
			return k, nil
		}
	}
	return ApiKey{}, ErrNotFound
}

func (m *MemoryStore) GetApiKey(_ context.Context, id int64) (ApiKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[id]
	if !ok {
		return ApiKey{}, ErrNotFound
	}
	return k, nil
}

func (m *MemoryStore) RevokeApiKey(_ context.Context, serviceID, keyID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[keyID]
	if !ok || k.ServiceID != serviceID {
		return ErrNotFound
	}
	k.IsActive = false
	m.keys[keyID] = k
	return nil
}

func (m *MemoryStore) SetRateLimit(_ context.Context, keyID int64, requests, windowSeconds int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[keyID]
	if !ok {
		return ErrNotFound
	}
	k.RateLimitRequests = &requests
	k.RateLimitWindowSeconds = &windowSeconds
	m.keys[keyID] = k
	return nil
}

func (m *MemoryStore) RecordSuccessAndBill(_ context.Context, serviceID, apiKeyID int64, apiKeySecret string, pricePerRequest float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[apiKeyID]
	if !ok {
		return ErrNotFound
	}
	k.TotalCost += pricePerRequest
	m.keys[apiKeyID] = k

	m.nextUsageID++
	m.usage = append(m.usage, UsageLog{
		ID:           m.nextUsageID,
		ServiceID:    serviceID,
		ApiKeySecret: apiKeySecret,
		Timestamp:    time.Now().UTC(),
	})
	return nil
}

func (m *MemoryStore) CountUsageSince(_ context.Context, apiKeySecret string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, u := range m.usage {
		if u.ApiKeySecret == apiKeySecret && !u.Timestamp.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) InsertRequestHash(_ context.Context, rh RequestHash) (RequestHash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextHashID++
	rh.ID = m.nextHashID
	rh.MerkleBatchID = nil
	m.hashes[rh.ID] = rh
	return rh, nil
}

func (m *MemoryStore) ClaimBatch(_ context.Context, batchSize int) ([]RequestHash, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var pending []RequestHash
	for _, rh := range m.hashes {
		if rh.MerkleBatchID == nil {
			pending = append(pending, rh)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].Timestamp.Equal(pending[j].Timestamp) {
			return pending[i].ID < pending[j].ID
		}
		return pending[i].Timestamp.Before(pending[j].Timestamp)
	})

	if len(pending) < batchSize {
		return nil, 0, nil
	}
	claimed := pending[:batchSize]

	m.nextBatchID++
	batchID := m.nextBatchID
	m.batches[batchID] = MerkleRoot{
		ID:           batchID,
		StartTime:    claimed[0].Timestamp,
		EndTime:      claimed[len(claimed)-1].Timestamp,
		RequestCount: len(claimed),
		CreatedAt:    time.Now().UTC(),
	}

	for i, rh := range claimed {
		rh.MerkleBatchID = &batchID
		m.hashes[rh.ID] = rh
		claimed[i] = rh
	}

	out := make([]RequestHash, len(claimed))
	copy(out, claimed)
	return out, batchID, nil
}

func (m *MemoryStore) FinalizeBatch(_ context.Context, batchID int64, root [32]byte, startTime, endTime time.Time, requestCount int) (MerkleRoot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[batchID]
	if !ok {
		return MerkleRoot{}, ErrNotFound
	}
	b.Root = root
	b.StartTime = startTime
	b.EndTime = endTime
	b.RequestCount = requestCount
	m.batches[batchID] = b
	return b, nil
}

func (m *MemoryStore) GetMerkleRoot(_ context.Context, id int64) (MerkleRoot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return MerkleRoot{}, ErrNotFound
	}
	return b, nil
}

func (m *MemoryStore) LatestMerkleRoot(_ context.Context) (MerkleRoot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest MerkleRoot
	found := false
	for _, b := range m.batches {
		if !found || b.ID > latest.ID {
			latest = b
			found = true
		}
	}
	if !found {
		return MerkleRoot{}, ErrNotFound
	}
	return latest, nil
}

func (m *MemoryStore) ListMerkleRoots(_ context.Context, beforeID int64, limit int) ([]MerkleRoot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []MerkleRoot
	for _, b := range m.batches {
		if beforeID == 0 || b.ID < beforeID {
			all = append(all, b)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (m *MemoryStore) ListRequestHashesForBatch(_ context.Context, batchID int64) ([]RequestHash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []RequestHash
	for _, rh := range m.hashes {
		if rh.MerkleBatchID != nil && *rh.MerkleBatchID == batchID {
			out = append(out, rh)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) MarkBatchAnchored(_ context.Context, batchID int64, txHash string, blockNumber uint64, anchoredAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[batchID]
	if !ok {
		return ErrNotFound
	}
	b.IsAnchored = true
	b.TxHash = &txHash
	b.BlockNumber = &blockNumber
	b.AnchoredAt = &anchoredAt
	m.batches[batchID] = b
	return nil
}

func (m *MemoryStore) WriteBotDetectionLog(_ context.Context, l BotDetectionLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.botLogs = append(m.botLogs, l)
	return nil
}
