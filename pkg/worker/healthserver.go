package worker

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/moonmindlabs/worker/pkg/metrics"
)

// HealthServer exposes /healthz, /readyz, and /metrics on a single ambient
// HTTP server. None of these participate in a job's terminal transition;
// they exist purely for operators and orchestrators (systemd, Kubernetes)
// probing process liveness.
//
// Readiness is backed by pkg/metrics's component registry: a background
// probe loop keeps the "queue" and "lease" components current, and
// metrics.ReadyHandler reports not-ready the moment either one is.
type HealthServer struct {
	worker *Worker
	mux    *http.ServeMux
}

// NewHealthServer builds a HealthServer for w.
func NewHealthServer(w *Worker) *HealthServer {
	hs := &HealthServer{worker: w, mux: http.NewServeMux()}
	hs.mux.HandleFunc("/healthz", metrics.LivenessHandler())
	hs.mux.HandleFunc("/readyz", metrics.ReadyHandler())
	hs.mux.Handle("/metrics", metrics.Handler())
	return hs
}

// Start runs the health/metrics HTTP server until it errors.
func (hs *HealthServer) Start(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      hs.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return server.ListenAndServe()
}

// Handler returns the mux for embedding in another server or for tests.
func (hs *HealthServer) Handler() http.Handler {
	return hs.mux
}

// RunProbe periodically refreshes the "queue" and "lease" components that
// back the /readyz endpoint: queue reachability via Client.Ping, and
// whether the currently claimed job (if any) has run past twice its
// lease. Runs until ctx is cancelled.
func (hs *HealthServer) RunProbe(ctx context.Context, interval time.Duration) {
	hs.probeOnce(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hs.probeOnce(ctx)
		}
	}
}

func (hs *HealthServer) probeOnce(ctx context.Context) {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := hs.worker.Client().Ping(pingCtx); err != nil {
		metrics.UpdateComponent("queue", false, err.Error())
	} else {
		metrics.UpdateComponent("queue", true, "")
	}

	if jobID, since, ok := hs.worker.ActiveJob(); ok {
		maxAge := time.Duration(hs.worker.LeaseSeconds()) * 2 * time.Second
		age := time.Since(since)
		if age > maxAge {
			metrics.UpdateComponent("lease", false, fmt.Sprintf("%s running %s (limit %s)", jobID, age, maxAge))
		} else {
			metrics.UpdateComponent("lease", true, "")
		}
	} else {
		metrics.UpdateComponent("lease", true, "")
	}
}
