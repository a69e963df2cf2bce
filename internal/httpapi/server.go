// Package httpapi exposes the device monitor and the restore orchestrator
// over JSON HTTP routes, with a websocket stream of the operation log.
package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/breeze-rmm/devrestore/internal/device"
	"github.com/breeze-rmm/devrestore/internal/executor"
	"github.com/breeze-rmm/devrestore/internal/health"
	"github.com/breeze-rmm/devrestore/internal/logging"
	"github.com/breeze-rmm/devrestore/internal/oplog"
	"github.com/breeze-rmm/devrestore/internal/restore"
)

var log = logging.L("httpapi")

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	maxBodyBytes      = 64 * 1024
)

// DeviceService is the part of device.Monitor the API uses.
type DeviceService interface {
	Detect(ctx context.Context) device.State
	ExitRecovery(ctx context.Context) (device.State, error)
}

// RestoreService is the part of restore.Orchestrator the API uses.
type RestoreService interface {
	Start(ctx context.Context, opts restore.Options) (restore.Handle, error)
	Current() restore.Snapshot
	Cancel(h restore.Handle) error
	Acknowledge(h restore.Handle) error
	ProcessStats(h restore.Handle) (*executor.ProcessStats, error)
}

// LogSource is the operation log as seen by the API.
type LogSource interface {
	Since(seq uint64) []oplog.Entry
	Subscribe(buffer int) (<-chan oplog.Entry, func())
	Catchup(last uint64, e oplog.Entry) []oplog.Entry
	Clear()
}

// Defaults fill restore options a start request leaves out.
type Defaults struct {
	EraseData       bool
	ExcludeBaseband bool
	DebugMode       bool
}

// Server wires the HTTP routes to the core services.
type Server struct {
	devices     DeviceService
	restores    RestoreService
	logs        LogSource
	health      *health.Monitor
	firmwareDir string
	defaults    Defaults
	mux         *http.ServeMux
}

// New builds the server and registers its routes.
func New(devices DeviceService, restores RestoreService, logs LogSource, h *health.Monitor, firmwareDir string, defaults Defaults) *Server {
	s := &Server{
		devices:     devices,
		restores:    restores,
		logs:        logs,
		health:      h,
		firmwareDir: firmwareDir,
		defaults:    defaults,
		mux:         http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/device/status", s.handleDeviceStatus)
	s.mux.HandleFunc("POST /api/device/exit-recovery", s.handleExitRecovery)
	s.mux.HandleFunc("GET /api/files/ipsw", s.handleListFirmware)
	s.mux.HandleFunc("POST /api/restore/start", s.handleRestoreStart)
	s.mux.HandleFunc("GET /api/restore/progress", s.handleRestoreProgress)
	s.mux.HandleFunc("POST /api/restore/cancel", s.handleRestoreCancel)
	s.mux.HandleFunc("POST /api/restore/ack", s.handleRestoreAck)
	s.mux.HandleFunc("GET /api/restore/log/stream", s.handleLogStream)
	s.mux.HandleFunc("GET /api/log", s.handleLog)
	s.mux.HandleFunc("DELETE /api/log", s.handleLogClear)
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
}

// Handler returns the root handler with request logging applied.
func (s *Server) Handler() http.Handler {
	return logRequests(s.mux)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown incomplete", logging.KeyError, err)
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	log.Info("http server stopped")
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack hands the connection to the websocket upgrader.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			logging.KeyDurationMs, time.Since(start).Milliseconds(),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("failed to encode response", logging.KeyError, err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
