// Package travel estimates point-to-point travel durations, wrapping an
// external routing provider with caching and a haversine fallback.
package travel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"fieldops/internal/config"
	"fieldops/internal/model"
)

// ErrRouteUnavailable means no route exists between the points (bad or
// unroutable coordinates). Provider outages do NOT return this; they
// degrade to an approximate estimate instead.
var ErrRouteUnavailable = errors.New("route unavailable")

// Estimate is a travel prediction. Approximate marks results produced by
// the straight-line fallback so scoring can discount confidence.
type Estimate struct {
	Duration    time.Duration `json:"duration"`
	DistanceM   int           `json:"distM"`
	Approximate bool          `json:"approximate,omitempty"`
}

// Estimator computes travel time between two points for a departure time.
type Estimator interface {
	Estimate(ctx context.Context, origin, dest model.GeoPoint, departAt time.Time) (Estimate, error)
}

// FreshEstimator is implemented by estimators that can bypass a cache
// layer. Emergency dispatch uses it: a cached value is never the
// source of truth for a safety-critical ETA.
type FreshEstimator interface {
	EstimateFresh(ctx context.Context, origin, dest model.GeoPoint, departAt time.Time) (Estimate, error)
}

func validPoint(p model.GeoPoint) bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180 && !(p.Lat == 0 && p.Lng == 0)
}

// HaversineMeters returns the great-circle distance in meters.
func HaversineMeters(a, b model.GeoPoint) float64 {
	const R = 6371000.0
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lng - a.Lng) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return R * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// Haversine is the deterministic straight-line estimator used as the
// provider fallback and as the test stub.
type Haversine struct {
	SpeedKph    float64
	Approximate bool
}

func NewHaversine(speedKph float64) *Haversine {
	if speedKph <= 0 {
		speedKph = 35
	}
	return &Haversine{SpeedKph: speedKph}
}

func (h *Haversine) Estimate(_ context.Context, origin, dest model.GeoPoint, _ time.Time) (Estimate, error) {
	if !validPoint(origin) || !validPoint(dest) {
		return Estimate{}, ErrRouteUnavailable
	}
	dist := HaversineMeters(origin, dest)
	sec := dist / (h.SpeedKph / 3.6)
	return Estimate{
		Duration:    time.Duration(sec) * time.Second,
		DistanceM:   int(dist),
		Approximate: h.Approximate,
	}, nil
}

// Provider calls an external HTTP routing service with bounded retries
// and a client-side rate limit, degrading to the haversine fallback when
// the provider is unreachable.
type Provider struct {
	URL      string
	HTTP     *http.Client
	Limiter  *rate.Limiter
	Fallback *Haversine

	maxAttempts int
	backoff     time.Duration
}

func NewProvider(cfg config.TravelConfig) *Provider {
	fb := NewHaversine(cfg.FallbackKph)
	fb.Approximate = true
	return &Provider{
		URL:         cfg.ProviderURL,
		HTTP:        &http.Client{Timeout: time.Duration(cfg.TimeoutSec) * time.Second},
		Limiter:     rate.NewLimiter(rate.Limit(cfg.RatePerSec), int(cfg.RatePerSec)),
		Fallback:    fb,
		maxAttempts: cfg.MaxAttempts,
		backoff:     cfg.BackoffInitial,
	}
}

type providerRequest struct {
	Origin   model.GeoPoint `json:"origin"`
	Dest     model.GeoPoint `json:"destination"`
	DepartAt string         `json:"departAt"`
}

type providerResponse struct {
	DurationSec int    `json:"durationSec"`
	DistanceM   int    `json:"distM"`
	Status      string `json:"status"` // ok | no_route
}

func (p *Provider) Estimate(ctx context.Context, origin, dest model.GeoPoint, departAt time.Time) (Estimate, error) {
	if !validPoint(origin) || !validPoint(dest) {
		return Estimate{}, ErrRouteUnavailable
	}
	delay := p.backoff
	for attempt := 0; attempt < p.maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Estimate{}, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		if err := p.Limiter.Wait(ctx); err != nil {
			return Estimate{}, err
		}
		est, err := p.callOnce(ctx, origin, dest, departAt)
		if err == nil {
			return est, nil
		}
		if errors.Is(err, ErrRouteUnavailable) || errors.Is(err, context.Canceled) {
			return Estimate{}, err
		}
	}
	// Provider unreachable: conservative straight-line estimate.
	return p.Fallback.Estimate(ctx, origin, dest, departAt)
}

func (p *Provider) callOnce(ctx context.Context, origin, dest model.GeoPoint, departAt time.Time) (Estimate, error) {
	body, _ := json.Marshal(providerRequest{Origin: origin, Dest: dest, DepartAt: departAt.UTC().Format(time.RFC3339)})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(body))
	if err != nil {
		return Estimate{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.HTTP.Do(req)
	if err != nil {
		return Estimate{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusUnprocessableEntity {
		return Estimate{}, ErrRouteUnavailable
	}
	if resp.StatusCode != http.StatusOK {
		return Estimate{}, fmt.Errorf("routing provider status %d", resp.StatusCode)
	}
	var pr providerResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return Estimate{}, err
	}
	if pr.Status == "no_route" {
		return Estimate{}, ErrRouteUnavailable
	}
	return Estimate{Duration: time.Duration(pr.DurationSec) * time.Second, DistanceM: pr.DistanceM}, nil
}
