package fraud

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const browserUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 Chrome/126.0 Safari/537.36"

var t0 = time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRedisClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func signal(i int) *Signal {
	return &Signal{
		ClickID:        fmt.Sprintf("click-%03d", i),
		ClientIP:       "198.51.100.20",
		UserAgent:      browserUA,
		AcceptLanguage: "en-US",
		VisitorID:      "v-1",
		OfferID:        "O1",
		PublisherID:    "P1",
		Geo:            "US",
		At:             t0,
	}
}

type stubHeuristic struct {
	name      string
	triggered bool
	err       error
	delay     time.Duration
	calls     int
}

func (h *stubHeuristic) Name() string { return h.name }

func (h *stubHeuristic) Triggered(ctx context.Context, _ *Signal) (bool, error) {
	h.calls++
	if h.delay > 0 {
		select {
		case <-time.After(h.delay):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	return h.triggered, h.err
}

func TestScreener_ShortCircuits(t *testing.T) {
	t.Parallel()

	first := &stubHeuristic{name: "a"}
	second := &stubHeuristic{name: "b", triggered: true}
	third := &stubHeuristic{name: "c", triggered: true}
	s := NewScreener(time.Second, discardLogger(), first, second, third)

	v, err := s.Screen(context.Background(), signal(0))
	require.NoError(t, err)
	assert.True(t, v.Blocked)
	assert.Equal(t, "b", v.Heuristic)
	assert.Equal(t, 0, third.calls)
}

func TestScreener_CleanClickPasses(t *testing.T) {
	t.Parallel()

	s := NewScreener(time.Second, discardLogger(), &stubHeuristic{name: "a"}, BotUserAgent{})
	v, err := s.Screen(context.Background(), signal(0))
	require.NoError(t, err)
	assert.False(t, v.Blocked)
	assert.Empty(t, v.Heuristic)
}

func TestScreener_ErrorsAndTimeouts(t *testing.T) {
	t.Parallel()

	s := NewScreener(time.Second, discardLogger(), &stubHeuristic{name: "a", err: errors.New("redis down")})
	_, err := s.Screen(context.Background(), signal(0))
	assert.ErrorContains(t, err, "heuristic a")

	slow := NewScreener(10*time.Millisecond, discardLogger(), &stubHeuristic{name: "slow", delay: time.Second})
	start := time.Now()
	_, err = slow.Screen(context.Background(), signal(0))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestIPReputation(t *testing.T) {
	t.Parallel()

	client, _ := newRedisClient(t)
	flags := NewRedisIPFlags(client)
	require.NoError(t, flags.Flag(context.Background(), "192.0.2.77"))

	h, err := NewIPReputation([]string{"10.0.0.0/8", " 203.0.113.9 ", ""}, flags)
	require.NoError(t, err)

	tests := map[string]bool{
		"10.20.30.40":     true,
		"::ffff:10.1.1.1": true,
		"203.0.113.9":     true,
		"203.0.113.10":    false,
		"192.0.2.77":      true,
		"198.51.100.20":   false,
		"not-an-address":  false,
	}
	for ip, want := range tests {
		sig := signal(0)
		sig.ClientIP = ip
		got, err := h.Triggered(context.Background(), sig)
		require.NoError(t, err)
		assert.Equal(t, want, got, ip)
	}

	_, err = NewIPReputation([]string{"10.0.0.0/33"}, nil)
	assert.Error(t, err)
}

func TestBotUserAgent(t *testing.T) {
	t.Parallel()

	tests := map[string]bool{
		"":                               true,
		"   ":                            true,
		"curl/8.4.0":                     true,
		"Googlebot/2.1 (+http://x)":      true,
		"Mozilla/5.0 HeadlessChrome/120": true,
		"python-requests/2.31":           true,
		browserUA:                        false,
	}
	for ua, want := range tests {
		sig := signal(0)
		sig.UserAgent = ua
		got, err := BotUserAgent{}.Triggered(context.Background(), sig)
		require.NoError(t, err)
		assert.Equal(t, want, got, "ua %q", ua)
	}
}

func velocityStores(t *testing.T) map[string]VelocityStore {
	client, _ := newRedisClient(t)
	return map[string]VelocityStore{
		"memory": NewMemoryVelocityStore(),
		"redis":  NewRedisVelocityStore(client),
	}
}

func TestVelocity_FiftyClicksInTenSecondsBlocked(t *testing.T) {
	for name, store := range velocityStores(t) {
		t.Run(name, func(t *testing.T) {
			s := NewScreener(time.Second, discardLogger(), NewVelocity(store, 10*time.Second, 30))

			var firstBlocked = -1
			var last Verdict
			for i := 0; i < 50; i++ {
				sig := signal(i)
				sig.At = t0.Add(time.Duration(i) * 200 * time.Millisecond)
				v, err := s.Screen(context.Background(), sig)
				require.NoError(t, err)
				if v.Blocked && firstBlocked < 0 {
					firstBlocked = i
				}
				last = v
			}

			assert.Equal(t, 30, firstBlocked, "the 31st click in the window is the first blocked")
			assert.True(t, last.Blocked)
			assert.Equal(t, HeuristicVelocity, last.Heuristic)
		})
	}
}

func TestVelocity_WindowSlides(t *testing.T) {
	for name, store := range velocityStores(t) {
		t.Run(name, func(t *testing.T) {
			v := NewVelocity(store, 10*time.Second, 2)
			ctx := context.Background()

			at := []time.Duration{0, time.Second, 2 * time.Second, 15 * time.Second}
			want := []bool{false, false, true, false}
			for i, d := range at {
				sig := signal(i)
				sig.At = t0.Add(d)
				got, err := v.Triggered(ctx, sig)
				require.NoError(t, err)
				assert.Equal(t, want[i], got, "click %d", i)
			}
		})
	}
}

func TestVelocity_AnonymousVisitorsKeyedByAddress(t *testing.T) {
	t.Parallel()

	a := signal(0)
	a.VisitorID = ""
	b := signal(1)
	b.VisitorID = ""
	c := signal(2)
	c.VisitorID = ""
	c.ClientIP = "198.51.100.21"

	assert.Equal(t, a.VisitorKey(), b.VisitorKey())
	assert.NotEqual(t, a.VisitorKey(), c.VisitorKey())
	assert.Equal(t, "vid:v-1", signal(0).VisitorKey())
}

func fingerprintStores(t *testing.T) map[string]FingerprintStore {
	client, _ := newRedisClient(t)
	return map[string]FingerprintStore{
		"memory": NewMemoryFingerprintStore(),
		"redis":  NewRedisFingerprintStore(client),
	}
}

func TestFingerprintMismatch(t *testing.T) {
	for name, store := range fingerprintStores(t) {
		t.Run(name, func(t *testing.T) {
			h := NewFingerprintMismatch(store, time.Hour)
			ctx := context.Background()

			got, err := h.Triggered(ctx, signal(0))
			require.NoError(t, err)
			assert.False(t, got, "first sighting seeds the fingerprint")

			got, err = h.Triggered(ctx, signal(1))
			require.NoError(t, err)
			assert.False(t, got, "same device")

			other := signal(2)
			other.UserAgent = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X)"
			got, err = h.Triggered(ctx, other)
			require.NoError(t, err)
			assert.True(t, got, "same visitor id, different device")

			anon := signal(3)
			anon.VisitorID = ""
			anon.UserAgent = "anything"
			got, err = h.Triggered(ctx, anon)
			require.NoError(t, err)
			assert.False(t, got)
		})
	}
}

func TestMemoryFingerprintStore_Expires(t *testing.T) {
	t.Parallel()

	now := t0
	s := NewMemoryFingerprintStore()
	s.now = func() time.Time { return now }

	got, _ := s.Remember(context.Background(), "v", "a", time.Minute)
	assert.Equal(t, "a", got)
	got, _ = s.Remember(context.Background(), "v", "b", time.Minute)
	assert.Equal(t, "a", got)

	now = now.Add(2 * time.Minute)
	got, _ = s.Remember(context.Background(), "v", "b", time.Minute)
	assert.Equal(t, "b", got)
}

func TestRules(t *testing.T) {
	t.Parallel()

	rules, err := CompileRules([]Rule{
		{Name: "no-empty-sub", Expr: `"sub1" in params && params["sub1"] == ""`},
		{Name: "night-shift", Expr: `publisher_id == "P9" && hour < 6`},
		{Name: "referrer-farm", Expr: `referrer.contains("clickfarm.example")`},
	})
	require.NoError(t, err)
	s := NewScreener(time.Second, discardLogger(), rules.Heuristics()...)
	ctx := context.Background()

	v, err := s.Screen(ctx, signal(0))
	require.NoError(t, err)
	assert.False(t, v.Blocked)

	sig := signal(1)
	sig.Params = map[string]string{"sub1": ""}
	v, err = s.Screen(ctx, sig)
	require.NoError(t, err)
	assert.Equal(t, "rule:no-empty-sub", v.Heuristic)

	sig = signal(2)
	sig.PublisherID = "P9"
	sig.At = time.Date(2026, 5, 1, 3, 0, 0, 0, time.UTC)
	v, err = s.Screen(ctx, sig)
	require.NoError(t, err)
	assert.Equal(t, "rule:night-shift", v.Heuristic)

	sig = signal(3)
	sig.Referrer = "https://www.clickfarm.example/x"
	v, err = s.Screen(ctx, sig)
	require.NoError(t, err)
	assert.Equal(t, "rule:referrer-farm", v.Heuristic)
}

func TestCompileRules_Rejects(t *testing.T) {
	t.Parallel()

	tests := map[string][]Rule{
		"syntax error":   {{Name: "bad", Expr: `ip ==`}},
		"unknown var":    {{Name: "bad", Expr: `country == "US"`}},
		"non bool":       {{Name: "bad", Expr: `ip`}},
		"missing name":   {{Expr: `true`}},
		"duplicate name": {{Name: "x", Expr: `true`}, {Name: "x", Expr: `false`}},
	}
	for name, rules := range tests {
		_, err := CompileRules(rules)
		assert.Error(t, err, name)
	}
}

func TestLoadRulesFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rules:
  - name: blocked-geo-pub
    expr: geo == "XX" && publisher_id == "P1"
`), 0o600))

	rules, err := LoadRulesFile(path)
	require.NoError(t, err)
	hs := rules.Heuristics()
	require.Len(t, hs, 1)
	assert.Equal(t, "rule:blocked-geo-pub", hs[0].Name())
}
