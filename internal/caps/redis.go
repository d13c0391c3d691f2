package caps

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// admitScript checks every counter against its limit, then increments all of
// them and records the click marker in the same atomic step. The marker holds
// "1" for an admitted click or "0:<blocking key>" for a rejected one.
//
// KEYS[1] is the click marker, KEYS[2..n+1] the counters.
// ARGV[1] is the marker expiry (unix ms, 0 = none), then limit and expiry per counter.
var admitScript = redis.NewScript(`
	local prev = redis.call('GET', KEYS[1])
	if prev then
		return {prev, 1}
	end

	local function expire(key, at)
		at = tonumber(at)
		if at > 0 then
			redis.call('PEXPIREAT', key, at)
		end
	end

	local n = #KEYS - 1
	for i = 1, n do
		local current = tonumber(redis.call('GET', KEYS[i + 1]) or '0')
		if current >= tonumber(ARGV[2 * i]) then
			local marker = '0:' .. KEYS[i + 1]
			redis.call('SET', KEYS[1], marker)
			expire(KEYS[1], ARGV[1])
			return {marker, 0}
		end
	end

	for i = 1, n do
		redis.call('INCR', KEYS[i + 1])
		expire(KEYS[i + 1], ARGV[2 * i + 1])
	end
	redis.call('SET', KEYS[1], '1')
	expire(KEYS[1], ARGV[1])
	return {'1', 0}
`)

// RedisStore keeps counters in Redis and admits through a Lua script.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a RedisStore.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Admit implements Store.
func (s *RedisStore) Admit(ctx context.Context, req AdmitRequest) (Result, error) {
	if err := req.Validate(); err != nil {
		return Result{}, err
	}

	keys := make([]string, 0, len(req.Counters)+1)
	args := make([]any, 0, 2*len(req.Counters)+1)
	keys = append(keys, markerKey(req.OfferID, req.ClickID))
	args = append(args, unixMillis(req.markerExpiry(time.Now())))
	for _, c := range req.Counters {
		keys = append(keys, c.Key)
		args = append(args, c.Limit, unixMillis(c.ExpireAt))
	}

	raw, err := admitScript.Run(ctx, s.client, keys, args...).Slice()
	if err != nil {
		return Result{}, fmt.Errorf("cap admit script: %w", err)
	}
	return parseScriptResult(raw)
}

// Check implements Store.
func (s *RedisStore) Check(ctx context.Context, req AdmitRequest) (Result, bool, error) {
	val, err := s.client.Get(ctx, markerKey(req.OfferID, req.ClickID)).Result()
	if errors.Is(err, redis.Nil) {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, fmt.Errorf("cap check: %w", err)
	}
	res := parseMarker(val)
	res.Replayed = true
	return res, true, nil
}

// Counts implements Store.
func (s *RedisStore) Counts(ctx context.Context, keys []string) ([]int64, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("cap counts: %w", err)
	}

	counts := make([]int64, len(keys))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(str, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse counter %s: %w", keys[i], err)
		}
		counts[i] = n
	}
	return counts, nil
}

func parseScriptResult(raw []any) (Result, error) {
	if len(raw) != 2 {
		return Result{}, fmt.Errorf("unexpected admit script reply: %v", raw)
	}
	marker, ok1 := raw[0].(string)
	replayed, ok2 := raw[1].(int64)
	if !ok1 || !ok2 {
		return Result{}, fmt.Errorf("unexpected admit script reply types: %v", raw)
	}
	res := parseMarker(marker)
	res.Replayed = replayed == 1
	return res, nil
}

func parseMarker(v string) Result {
	if v == "1" {
		return Result{Admitted: true}
	}
	return Result{Blocking: strings.TrimPrefix(v, "0:")}
}

func unixMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
