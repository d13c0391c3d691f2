package caps

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const defaultShards = 64

type memCounter struct {
	count    int64
	expireAt time.Time
}

type memMarker struct {
	result   Result
	expireAt time.Time
}

type memShard struct {
	mu       sync.Mutex
	counters map[string]*memCounter
	markers  map[string]memMarker
}

// MemoryStore is an in-process Store sharded by offer id.
// All counters of one offer live in one shard, so one lock covers an admission.
type MemoryStore struct {
	shards []*memShard
	now    func() time.Time
}

// NewMemoryStore creates a MemoryStore with the given shard count (0 for default).
func NewMemoryStore(shards int) *MemoryStore {
	if shards <= 0 {
		shards = defaultShards
	}
	s := &MemoryStore{shards: make([]*memShard, shards), now: time.Now}
	for i := range s.shards {
		s.shards[i] = &memShard{
			counters: make(map[string]*memCounter),
			markers:  make(map[string]memMarker),
		}
	}
	return s
}

func (s *MemoryStore) shard(offerID string) *memShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(offerID))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

// Admit implements Store.
func (s *MemoryStore) Admit(ctx context.Context, req AdmitRequest) (Result, error) {
	if err := req.Validate(); err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	now := s.now()
	sh := s.shard(req.OfferID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	mk := markerKey(req.OfferID, req.ClickID)
	if m, ok := sh.markers[mk]; ok && !expired(m.expireAt, now) {
		res := m.result
		res.Replayed = true
		return res, nil
	}

	for _, c := range req.Counters {
		if cur := sh.counters[c.Key]; cur != nil && !expired(cur.expireAt, now) && cur.count >= c.Limit {
			res := Result{Blocking: c.Key}
			sh.markers[mk] = memMarker{result: res, expireAt: req.markerExpiry(now)}
			return res, nil
		}
	}

	for _, c := range req.Counters {
		cur := sh.counters[c.Key]
		if cur == nil || expired(cur.expireAt, now) {
			cur = &memCounter{}
			sh.counters[c.Key] = cur
		}
		cur.count++
		cur.expireAt = c.ExpireAt
	}
	res := Result{Admitted: true}
	sh.markers[mk] = memMarker{result: res, expireAt: req.markerExpiry(now)}
	return res, nil
}

// Check implements Store.
func (s *MemoryStore) Check(ctx context.Context, req AdmitRequest) (Result, bool, error) {
	sh := s.shard(req.OfferID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	m, ok := sh.markers[markerKey(req.OfferID, req.ClickID)]
	if !ok || expired(m.expireAt, s.now()) {
		return Result{}, false, nil
	}
	res := m.result
	res.Replayed = true
	return res, true, nil
}

// Counts implements Store.
func (s *MemoryStore) Counts(ctx context.Context, keys []string) ([]int64, error) {
	now := s.now()
	counts := make([]int64, len(keys))
	for i, k := range keys {
		offerID, ok := offerFromKey(k)
		if !ok {
			continue
		}
		sh := s.shard(offerID)
		sh.mu.Lock()
		if c := sh.counters[k]; c != nil && !expired(c.expireAt, now) {
			counts[i] = c.count
		}
		sh.mu.Unlock()
	}
	return counts, nil
}

// Sweep drops expired counters and markers and returns how many were removed.
func (s *MemoryStore) Sweep(now time.Time) int {
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, c := range sh.counters {
			if expired(c.expireAt, now) {
				delete(sh.counters, k)
				removed++
			}
		}
		for k, m := range sh.markers {
			if expired(m.expireAt, now) {
				delete(sh.markers, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

func expired(at, now time.Time) bool {
	return !at.IsZero() && !now.Before(at)
}

// offerFromKey extracts the hash-tagged offer id from a counter key.
func offerFromKey(key string) (string, bool) {
	const open = "cap:{"
	if len(key) <= len(open) || key[:len(open)] != open {
		return "", false
	}
	for i := len(open); i < len(key); i++ {
		if key[i] == '}' {
			return key[len(open):i], true
		}
	}
	return "", false
}
