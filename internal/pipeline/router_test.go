package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clickroute/clickroute/internal/metrics"
	"github.com/clickroute/clickroute/internal/model"
)

func routedClick() *model.ClickRecord {
	rec := model.NewClickRecord("01J0CLICK", time.Now(), model.ClickSource{
		RawOfferRef:    "O1",
		PublisherID:    "pub 7",
		TrackingParams: map[string]string{"sub1": "a&b=c", "sub3": "x"},
	})
	rec.ResolvedOfferID = "O1"
	rec.Geo = "US"
	return rec
}

func TestRouter_Destination(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		tpl  string
		want string
	}{
		{
			name: "plain",
			tpl:  "https://lp.example.com/",
			want: "https://lp.example.com/?click_id=01J0CLICK",
		},
		{
			name: "placeholders are escaped",
			tpl:  "https://lp.example.com/{offer_id}/{landing_id}?s1={sub1}&pub={publisher_id}&g={geo}",
			want: "https://lp.example.com/O1/L1?click_id=01J0CLICK&g=US&pub=pub+7&s1=a%26b%3Dc",
		},
		{
			name: "missing tracking params expand empty",
			tpl:  "https://lp.example.com/?s2={sub2}&s3={sub3}&x={unknown}",
			want: "https://lp.example.com/?click_id=01J0CLICK&s2=&s3=x&x=",
		},
		{
			name: "existing click id is replaced",
			tpl:  "http://lp.example.com/?click_id={click_id}",
			want: "http://lp.example.com/?click_id=01J0CLICK",
		},
	}

	r := NewRouter("")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := r.Destination(routedClick(), &model.LandingConfig{ID: "L1", URLTemplate: tt.tpl})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRouter_CustomParam(t *testing.T) {
	t.Parallel()

	got, err := NewRouter("cid").Destination(routedClick(), &model.LandingConfig{ID: "L1", URLTemplate: "https://lp.example.com/#top"})
	require.NoError(t, err)
	assert.Equal(t, "https://lp.example.com/?cid=01J0CLICK#top", got)
}

func TestRouter_RejectsBadDestinations(t *testing.T) {
	t.Parallel()

	r := NewRouter("")
	for _, tpl := range []string{
		"{sub1}",
		"javascript:alert(1)",
		"ftp://files.example.com/",
		"https:///nohost",
		"https://lp.example.com/{sub1",
	} {
		_, err := r.Destination(routedClick(), &model.LandingConfig{ID: "L1", URLTemplate: tpl})
		assert.ErrorIs(t, err, ErrBadDestination, tpl)
	}
}

func TestIDGenerator_Monotonic(t *testing.T) {
	t.Parallel()

	g := NewIDGenerator()
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	prev := ""
	for i := 0; i < 100; i++ {
		id, err := g.New(at)
		require.NoError(t, err)
		parsed, err := ulid.ParseStrict(id)
		require.NoError(t, err)
		assert.Equal(t, ulid.Timestamp(at), parsed.Time())
		assert.Greater(t, id, prev)
		prev = id
	}
}

// ============================================================================
// Reaper
// ============================================================================

func TestReaper_FinalizesStalePending(t *testing.T) {
	store := NewMemoryClickStore()
	ctx := context.Background()
	now := time.Now()

	stale := model.NewClickRecord("01STALE", now.Add(-10*time.Minute), model.ClickSource{RawOfferRef: "O1"})
	fresh := model.NewClickRecord("01FRESH", now.Add(-time.Minute), model.ClickSource{RawOfferRef: "O1"})
	decided := model.NewClickRecord("01DONE", now.Add(-time.Hour), model.ClickSource{RawOfferRef: "O1"})
	require.NoError(t, decided.Fail(model.StageOffer, model.ReasonOfferInactive, "", now))
	for _, c := range []*model.ClickRecord{stale, fresh, decided} {
		require.NoError(t, store.CreateClick(ctx, c))
	}

	rec := metrics.NewInMemory()
	r := NewReaper(store, ReaperConfig{StaleAge: 5 * time.Minute}, discardLogger(), rec)
	r.now = func() time.Time { return now }

	n, err := r.ReapOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := store.GetClick(ctx, "01STALE")
	require.NoError(t, err)
	require.NoError(t, got.Validate())
	assert.Equal(t, model.ReasonInternalError, got.RejectReason)
	assert.Equal(t, "abandoned", got.StageOutcomes[model.StageOffer].Detail)

	got, err = store.GetClick(ctx, "01FRESH")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)

	got, err = store.GetClick(ctx, "01DONE")
	require.NoError(t, err)
	assert.Equal(t, model.ReasonOfferInactive, got.RejectReason, "decided clicks are untouched")

	assert.Equal(t, uint64(1), rec.Snapshot().ClicksReaped)

	n, err = r.ReapOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReaper_RunAndShutdown(t *testing.T) {
	store := NewMemoryClickStore()
	ctx := context.Background()
	require.NoError(t, store.CreateClick(ctx, model.NewClickRecord("01OLD", time.Now().Add(-time.Hour), model.ClickSource{})))

	r := NewReaper(store, ReaperConfig{Interval: 5 * time.Millisecond, StaleAge: time.Minute}, discardLogger(), nil)
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		c, err := store.GetClick(ctx, "01OLD")
		return err == nil && c.IsTerminal()
	}, time.Second, 5*time.Millisecond)

	shutdownCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, r.Shutdown(shutdownCtx))
	assert.NoError(t, <-errCh)
	assert.Error(t, r.Run(ctx), "a reaper runs once")
}

func TestReaper_ShutdownBeforeRun(t *testing.T) {
	t.Parallel()
	r := NewReaper(NewMemoryClickStore(), ReaperConfig{}, discardLogger(), nil)
	assert.NoError(t, r.Shutdown(context.Background()))
}
