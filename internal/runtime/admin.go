package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/rfbridge/internal/runtime/activity"
	"github.com/drblury/rfbridge/internal/runtime/diameter"
	"github.com/drblury/rfbridge/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/rfbridge/internal/runtime/logging"
	metricspkg "github.com/drblury/rfbridge/internal/runtime/metrics"
)

const adminShutdownTimeout = 5 * time.Second

// PeersResponse is the body of GET /api/peers.
type PeersResponse struct {
	Count int                 `json:"count"`
	Peers []diameter.Identity `json:"peers"`
}

// StatsResponse is the body of GET /api/stats.
type StatsResponse struct {
	State          string              `json:"state"`
	Activities     int                 `json:"activities"`
	Applications   []string            `json:"applications"`
	ActiveServices []string            `json:"active_services"`
	SinkSystem     string              `json:"sink_system"`
	Metrics        metricspkg.Snapshot `json:"metrics"`
}

// AdminHandler returns the admin API router.
func (a *Adaptor) AdminHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(a.cors)

	r.Get("/api/activities", a.handleGetActivities)
	r.Get("/api/activities/{handle}", a.handleGetActivity)
	r.Get("/api/peers", a.handleGetPeers)
	r.Get("/api/stats", a.handleGetStats)
	r.Get("/api/transports", a.handleGetTransports)
	if a.metrics != nil {
		var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
		if a.prometheus != nil {
			gatherer = a.prometheus
		}
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// AdminAddr returns the address the admin server listens on, nil when it is
// not running.
func (a *Adaptor) AdminAddr() net.Addr {
	a.adminMu.Lock()
	defer a.adminMu.Unlock()
	return a.adminAddr
}

func (a *Adaptor) startAdminServer() error {
	a.adminMu.Lock()
	defer a.adminMu.Unlock()
	if a.adminServer != nil {
		return nil
	}

	port := a.Conf.AdminPort
	if port == 0 {
		port = 8081
	}
	addr := fmt.Sprintf(":%d", port)
	ln, err := adminListen(addr)
	if err != nil {
		return fmt.Errorf("admin: listen %s: %w", addr, err)
	}

	srv := &http.Server{Handler: a.AdminHandler(), ReadHeaderTimeout: 5 * time.Second}
	a.adminServer = srv
	a.adminAddr = ln.Addr()
	a.Logger.Info("Starting admin server", loggingpkg.LogFields{"address": ln.Addr().String()})
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error("Admin server stopped", err, loggingpkg.LogFields{"address": addr})
		}
	}()
	return nil
}

func (a *Adaptor) stopAdminServer(ctx context.Context) {
	a.adminMu.Lock()
	srv := a.adminServer
	a.adminServer = nil
	a.adminAddr = nil
	a.adminMu.Unlock()
	if srv == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, adminShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		a.Logger.Error("Failed to shut down admin server", err, nil)
	}
}

func (a *Adaptor) handleGetActivities(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, a.Activities())
}

func (a *Adaptor) handleGetActivity(w http.ResponseWriter, r *http.Request) {
	act, ok := a.Activity(activity.NewHandle(chi.URLParam(r, "handle")))
	if !ok {
		http.Error(w, "activity not found", http.StatusNotFound)
		return
	}
	a.writeJSON(w, http.StatusOK, act.Info())
}

func (a *Adaptor) handleGetPeers(w http.ResponseWriter, _ *http.Request) {
	peers := a.provider.ConnectedPeers()
	a.writeJSON(w, http.StatusOK, PeersResponse{Count: len(peers), Peers: peers})
}

func (a *Adaptor) handleGetStats(w http.ResponseWriter, _ *http.Request) {
	apps := make([]string, 0, len(a.apps))
	for _, app := range a.apps {
		apps = append(apps, app.String())
	}
	stats := StatsResponse{
		State:          a.State().String(),
		Applications:   apps,
		ActiveServices: a.ActiveServices(),
		SinkSystem:     a.Conf.SinkSystem,
		Metrics:        a.metrics.GetSnapshot(),
	}
	if registry := a.currentRegistry(); registry != nil {
		stats.Activities = registry.Len()
	}
	a.writeJSON(w, http.StatusOK, stats)
}

func (a *Adaptor) handleGetTransports(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, a.transports.Describe())
}

func (a *Adaptor) writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := jsoncodec.Marshal(v)
	if err != nil {
		a.Logger.Error("Failed to encode admin response", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// cors sets the CORS headers for allowed origins and answers preflight
// requests.
func (a *Adaptor) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(a.Conf.AdminCORSAllowedOrigins) > 0 {
			if allowed := a.allowedCORSOrigin(r.Header.Get("Origin")); allowed != "" {
				w.Header().Set("Access-Control-Allow-Origin", allowed)
				w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			}
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// allowedCORSOrigin checks if the request origin is allowed and returns the
// Access-Control-Allow-Origin value.
func (a *Adaptor) allowedCORSOrigin(requestOrigin string) string {
	for _, allowed := range a.Conf.AdminCORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
