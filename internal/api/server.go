// Package api implements the HTTP surface of the dispatch service.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"fieldops/internal/auth"
	"fieldops/internal/availability"
	"fieldops/internal/config"
	"fieldops/internal/dispatch"
	"fieldops/internal/logging"
	"fieldops/internal/maintenance"
	"fieldops/internal/notify"
	"fieldops/internal/routeopt"
	"fieldops/internal/store"
	"fieldops/internal/syncq"
	"fieldops/internal/travel"
	"fieldops/internal/webhooks"
)

type Server struct {
	Cfg    *config.Config
	Store  store.Store
	Index  *availability.Set
	Sched  *dispatch.Scheduler
	Sync   *syncq.Coordinator
	Opt    *routeopt.Optimizer
	Maint  *maintenance.Generator
	Pub    *webhooks.Publisher
	Notify *notify.Publisher // nil when MQTT is not configured
	Auth   *auth.Verifier
	Broker EventBroker
	Log    zerolog.Logger
}

// DefaultTenant is the tenant assumed for background workers and dev
// requests without auth headers.
const DefaultTenant = "t_demo"

// NewServer wires the full dependency graph from config. An empty
// store DSN selects the in-memory store; empty Redis and MQTT sections
// disable their integrations.
func NewServer(cfg *config.Config) (*Server, error) {
	log := logging.New("api")

	var st store.Store
	if cfg.Store.DSN == "" {
		st = store.NewMemory()
	} else {
		sp, err := store.NewPostgres(cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		st = sp
	}

	var broker EventBroker
	if cfg.Redis.URL != "" {
		if rb, err := NewRedisBroker(cfg.Redis.URL); err == nil {
			broker = rb
		} else {
			log.Warn().Err(err).Msg("redis broker unavailable, using in-memory")
			broker = NewBroker()
		}
	} else {
		broker = NewBroker()
	}

	var inner travel.Estimator
	if cfg.Travel.ProviderURL != "" {
		inner = travel.NewProvider(cfg.Travel)
	} else {
		h := travel.NewHaversine(cfg.Travel.FallbackKph)
		h.Approximate = true
		inner = h
	}
	var cache travel.Cache
	if cfg.Redis.URL != "" {
		if rc, err := travel.NewRedisCache(cfg.Redis.URL); err == nil {
			cache = rc
		}
	}
	if cache == nil {
		cache = travel.NewMemoryCache()
	}
	est := travel.NewCached(inner, cache, time.Duration(cfg.Travel.CacheTTLMin)*time.Minute)

	idx := availability.NewSet(st, logging.New("availability"))

	s := &Server{
		Cfg:    cfg,
		Store:  st,
		Index:  idx,
		Opt:    routeopt.New(est),
		Maint:  maintenance.NewGenerator(st, logging.New("maintenance")),
		Pub:    webhooks.NewPublisher(st),
		Auth:   auth.NewVerifierFromEnv(),
		Broker: broker,
		Log:    log,
	}
	if cfg.MQTT.Broker != "" {
		np, err := notify.NewPublisher(cfg.MQTT, logging.New("notify"))
		if err != nil {
			log.Warn().Err(err).Msg("mqtt unavailable, assignment push disabled")
		} else {
			s.Notify = np
		}
	}
	s.Sched = dispatch.NewScheduler(cfg.Dispatch, st, idx, est, s.eventFan(), logging.New("dispatch"))
	s.Sync = syncq.NewCoordinator(cfg.Sync, st, s.Sched, s.eventFan(), logging.New("syncq"))
	return s, nil
}

// eventFan routes scheduler events to SSE, webhooks, and MQTT.
func (s *Server) eventFan() dispatch.Events {
	return eventFan{s: s}
}

type eventFan struct{ s *Server }

func (f eventFan) Publish(ctx context.Context, tenantID, eventType string, payload map[string]any) {
	f.s.Broker.Publish(tenantID, SSEEvent{Type: eventType, Data: payload})
	f.s.Pub.Emit(ctx, tenantID, eventType, payload)
	if f.s.Notify != nil {
		if tech, ok := payload["technicianId"].(string); ok && tech != "" {
			f.s.Notify.Notify(tenantID, tech, eventType, payload)
		}
	}
}

// NewWebhookWorker creates the background delivery worker.
func (s *Server) NewWebhookWorker() *webhooks.Worker {
	return webhooks.NewWorker(s.Store, s.Cfg.Webhook.MaxAttempts)
}

func (s *Server) withTenant(r *http.Request) (context.Context, string) {
	p := s.getPrincipal(r)
	return r.Context(), p.Tenant
}
