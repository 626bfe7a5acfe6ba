package travel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"fieldops/internal/model"
)

var (
	downtown = model.GeoPoint{Lat: 39.7392, Lng: -104.9903}
	suburb   = model.GeoPoint{Lat: 39.6133, Lng: -105.0166}
)

func testProvider(url string) *Provider {
	return &Provider{
		URL:         url,
		HTTP:        &http.Client{Timeout: time.Second},
		Limiter:     rate.NewLimiter(rate.Inf, 1),
		Fallback:    &Haversine{SpeedKph: 35, Approximate: true},
		maxAttempts: 2,
		backoff:     time.Millisecond,
	}
}

func TestHaversineSymmetric(t *testing.T) {
	d1 := HaversineMeters(downtown, suburb)
	d2 := HaversineMeters(suburb, downtown)
	if d1 != d2 {
		t.Fatalf("distance not symmetric: %v vs %v", d1, d2)
	}
	if d1 < 10000 || d1 > 20000 {
		t.Fatalf("unexpected distance %v m", d1)
	}
}

func TestHaversineRejectsInvalidPoints(t *testing.T) {
	h := NewHaversine(35)
	if _, err := h.Estimate(context.Background(), model.GeoPoint{}, suburb, time.Now()); err == nil {
		t.Fatal("zero origin must be rejected")
	}
	if _, err := h.Estimate(context.Background(), downtown, model.GeoPoint{Lat: 91}, time.Now()); err == nil {
		t.Fatal("out-of-range latitude must be rejected")
	}
}

func TestProviderSuccess(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"durationSec":900,"distM":12000,"status":"ok"}`))
	}))
	defer ts.Close()
	est, err := testProvider(ts.URL).Estimate(context.Background(), downtown, suburb, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if est.Duration != 15*time.Minute || est.Approximate {
		t.Fatalf("unexpected estimate %+v", est)
	}
}

func TestProviderOutageFallsBackApproximate(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()
	est, err := testProvider(ts.URL).Estimate(context.Background(), downtown, suburb, time.Now())
	if err != nil {
		t.Fatalf("outage must degrade, not fail: %v", err)
	}
	if !est.Approximate {
		t.Fatal("fallback estimate must be flagged approximate")
	}
	if est.Duration <= 0 {
		t.Fatal("fallback must produce a positive duration")
	}
}

func TestProviderNoRouteIsTerminal(t *testing.T) {
	calls := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer ts.Close()
	_, err := testProvider(ts.URL).Estimate(context.Background(), downtown, suburb, time.Now())
	if err != ErrRouteUnavailable {
		t.Fatalf("want ErrRouteUnavailable, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("no_route must not be retried, got %d calls", calls)
	}
}

func TestCachedHitSkipsInner(t *testing.T) {
	calls := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_, _ = w.Write([]byte(`{"durationSec":600,"distM":8000,"status":"ok"}`))
	}))
	defer ts.Close()
	c := NewCached(testProvider(ts.URL), NewMemoryCache(), 10*time.Minute)
	at := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := c.Estimate(context.Background(), downtown, suburb, at); err != nil {
			t.Fatal(err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected single provider call, got %d", calls)
	}
}

func TestCacheKeyQuantization(t *testing.T) {
	at := time.Now()
	near := model.GeoPoint{Lat: downtown.Lat + 0.0005, Lng: downtown.Lng}
	if cacheKey(downtown, suburb, at) != cacheKey(near, suburb, at) {
		t.Fatal("points in the same cell should share a key")
	}
	far := model.GeoPoint{Lat: downtown.Lat + 1, Lng: downtown.Lng}
	if cacheKey(downtown, suburb, at) == cacheKey(far, suburb, at) {
		t.Fatal("distant points must not share a key")
	}
}

func TestCacheKeyDistinctAcrossZeroLines(t *testing.T) {
	at := time.Now()
	north := model.GeoPoint{Lat: 0.004, Lng: 10}
	south := model.GeoPoint{Lat: -0.004, Lng: 10}
	if cacheKey(north, suburb, at) == cacheKey(south, suburb, at) {
		t.Fatal("cells either side of the equator must not share a key")
	}
	east := model.GeoPoint{Lat: 10, Lng: 0.004}
	west := model.GeoPoint{Lat: 10, Lng: -0.004}
	if cacheKey(east, suburb, at) == cacheKey(west, suburb, at) {
		t.Fatal("cells either side of the prime meridian must not share a key")
	}
}

func TestEstimateFreshBypassesCache(t *testing.T) {
	calls := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_, _ = w.Write([]byte(`{"durationSec":600,"distM":8000,"status":"ok"}`))
	}))
	defer ts.Close()
	c := NewCached(testProvider(ts.URL), NewMemoryCache(), 10*time.Minute)
	at := time.Now()

	for i := 0; i < 2; i++ {
		if _, err := c.Estimate(context.Background(), downtown, suburb, at); err != nil {
			t.Fatal(err)
		}
	}
	if calls != 1 {
		t.Fatalf("warmup should hit the provider once, got %d", calls)
	}
	if _, err := c.EstimateFresh(context.Background(), downtown, suburb, at); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Fatalf("fresh estimate must reach the provider, got %d calls", calls)
	}
	// The fresh result refreshed the entry, so cached reads keep working.
	if _, err := c.Estimate(context.Background(), downtown, suburb, at); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Fatalf("refreshed entry should serve cached reads, got %d calls", calls)
	}
}

func TestMemoryCacheTTL(t *testing.T) {
	mc := NewMemoryCache()
	mc.Set(context.Background(), "k", Estimate{Duration: time.Minute}, -time.Second)
	if _, ok := mc.Get(context.Background(), "k"); ok {
		t.Fatal("expired entry must miss")
	}
}
