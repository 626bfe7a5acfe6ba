package main

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fieldops/internal/api"
	"fieldops/internal/buildinfo"
	"fieldops/internal/config"
	"fieldops/internal/logging"
	"fieldops/internal/metrics"
)

func main() {
	log := logging.New("main")

	cfg, err := config.Load(os.Getenv("FIELDOPS_CONFIG"))
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}

	srv, err := api.NewServer(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("server init failed")
	}

	metrics.RegisterDefault()

	mux := http.NewServeMux()

	// Work orders
	mux.HandleFunc("/v1/work-orders", srv.WorkOrdersHandler)
	mux.HandleFunc("/v1/work-orders/", srv.WorkOrderByIDHandler) // includes /assign, /status, /cancel

	// Offline sync
	mux.HandleFunc("/v1/sync/queue", srv.SyncQueueHandler)
	mux.HandleFunc("/v1/sync/conflicts", srv.SyncConflictsHandler)

	// Technicians
	mux.HandleFunc("/v1/technicians", srv.TechniciansHandler)
	mux.HandleFunc("/v1/technicians/", srv.TechnicianByIDHandler) // includes /location, /route, /assignments

	// CRM
	mux.HandleFunc("/v1/customers", srv.CustomersHandler)
	mux.HandleFunc("/v1/customers/", srv.CustomerByIDHandler)
	mux.HandleFunc("/v1/properties", srv.PropertiesHandler)
	mux.HandleFunc("/v1/equipment", srv.EquipmentHandler)

	// Events
	mux.HandleFunc("/v1/events/stream", srv.EventStreamHandler)
	mux.HandleFunc("/v1/dashboard/ws", srv.DashboardWSHandler)

	// Webhooks
	mux.HandleFunc("/v1/subscriptions", srv.SubscriptionsHandler)
	mux.HandleFunc("/v1/subscriptions/", srv.SubscriptionByIDHandler)
	mux.HandleFunc("/v1/admin/webhook-deliveries", srv.WebhookDeliveriesHandler)
	mux.HandleFunc("/v1/admin/webhook-deliveries/", srv.WebhookDeliveryRetryHandler)
	mux.HandleFunc("/v1/admin/dispatch/run", srv.DispatchBatchHandler)
	mux.HandleFunc("/v1/admin/route-stats", srv.RouteStatsHandler)

	// Ops
	mux.HandleFunc("/healthz", srv.HealthHandler)
	mux.HandleFunc("/readyz", srv.ReadyHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/openapi.yaml", srv.OpenAPIHandler)
	mux.HandleFunc("/openapi.json", srv.OpenAPIHandler)
	mux.HandleFunc("/docs", srv.DocsHandler)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Background workers.
	srv.NewWebhookWorker().Start()
	if _, err := srv.Index.For(ctx, api.DefaultTenant); err != nil {
		log.Warn().Err(err).Msg("initial availability rebuild failed")
	}
	go srv.Index.Run(ctx, time.Duration(cfg.Dispatch.IndexRebuildMin)*time.Minute)
	go runBatchLoop(ctx, srv)
	go runRouteRefresh(ctx, srv, time.Duration(cfg.Dispatch.RouteRefreshMin)*time.Minute)
	go runMaintenance(ctx, srv, time.Hour)
	go runSyncRetry(ctx, srv)

	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           metricsMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shctx)
	}()

	log.Info().Str("addr", cfg.HTTP.Addr).Str("version", buildinfo.Version).Msg("api listening")
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("server error")
	}
}

// runBatchLoop assigns qualified work every minute for every tenant
// with live traffic. Emergencies never wait for it: they are assigned
// synchronously at creation.
func runBatchLoop(ctx context.Context, srv *api.Server) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, tenant := range srv.Index.Tenants() {
				srv.Sched.RunBatch(ctx, tenant)
			}
		}
	}
}

// runRouteRefresh recomputes day plans for technicians with active
// assignments so drift from new work shows up on devices.
func runRouteRefresh(ctx context.Context, srv *api.Server, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			date := now.UTC().Format("2006-01-02")
			for _, tenant := range srv.Index.Tenants() {
				techs, err := srv.Store.ListTechnicians(ctx, tenant)
				if err != nil {
					continue
				}
				for _, tech := range techs {
					if !tech.Active {
						continue
					}
					_, _ = srv.ComputeRoute(ctx, tenant, tech.ID, date)
				}
			}
		}
	}
}

func runMaintenance(ctx context.Context, srv *api.Server, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, tenant := range srv.Index.Tenants() {
				if _, err := srv.Maint.RunOnce(ctx, tenant); err != nil {
					srv.Log.Error().Err(err).Str("tenant", tenant).Msg("maintenance generation failed")
				}
			}
		}
	}
}

func runSyncRetry(ctx context.Context, srv *api.Server) {
	t := time.NewTicker(30 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, tenant := range srv.Index.Tenants() {
				_ = srv.Sync.RetryFailed(ctx, tenant)
			}
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack keeps WebSocket upgrades working through the middleware.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return h.Hijack()
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		status := strconv.Itoa(rec.status)
		metrics.HTTPRequests.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		metrics.HTTPDuration.WithLabelValues(r.Method, r.URL.Path, status).Observe(time.Since(start).Seconds())
	})
}
