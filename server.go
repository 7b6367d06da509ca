package fxmonitor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// heartbeatTimeout is how long the child may stay silent before /healthz fails.
const heartbeatTimeout = 2 * time.Minute

func (m *Monitor) metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		st := m.router.Status()
		if st.LastHeartbeat.IsZero() || time.Since(st.LastHeartbeat) > heartbeatTimeout {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(st)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/child/restart", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		m.trigger.TriggerRestart("manual restart", "The server is being restarted by an administrator.")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("Child restart initiated"))
	})
	mux.Handle("/events", m.broadcaster)
	return mux
}

// serveMetrics runs the metrics/health/events server until ctx is done.
func (m *Monitor) serveMetrics(ctx context.Context) error {
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				uptimeGauge.Set(time.Since(m.startTime).Seconds())
			case <-ctx.Done():
				return
			}
		}
	}()
	server := &http.Server{
		Addr:              m.cfg.HTTP.MetricsAddr,
		Handler:           m.metricsMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		m.log.Info("Metrics/health and events endpoints listening", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err := <-errCh:
		if err != nil {
			m.log.Error("Metrics server ListenAndServe error", slog.String("err", err.Error()))
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		m.log.Warn("Metrics server shutdown error", slog.String("err", err.Error()))
	} else {
		m.log.Info("Metrics server shut down cleanly")
	}
	return nil
}

// serveAPI runs the operator API until ctx is done.
func (m *Monitor) serveAPI(ctx context.Context) error {
	app := newAPI(m.history, m.scheduler, m.router)
	errCh := make(chan error, 1)
	go func() {
		m.log.Info("Operator API listening", slog.String("addr", m.cfg.HTTP.APIAddr))
		errCh <- app.Listen(m.cfg.HTTP.APIAddr)
	}()
	select {
	case err := <-errCh:
		if err != nil {
			m.log.Error("Operator API stopped", slog.String("err", err.Error()))
		}
		return err
	case <-ctx.Done():
	}
	if err := app.ShutdownWithTimeout(5 * time.Second); err != nil {
		m.log.Warn("Operator API shutdown error", slog.String("err", err.Error()))
	}
	return nil
}
