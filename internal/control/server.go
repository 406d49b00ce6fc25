// Package control implements the Assist daemon's Control Plane
// (spec.md §4.5): a loopback-only HTTP API presenting the daemon's state
// to local clients and receiving management commands. All writes go
// through Store transactions; there are no in-memory caches that could
// diverge from the Store.
package control

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	applog "putplace.dev/internal/log"

	"putplace.dev/internal/activity"
	"putplace.dev/internal/scanner"
	"putplace.dev/internal/store"
	"putplace.dev/internal/upload"
)

var logger = applog.Component("control")

// Server wraps http.Server the way pk's webserver.Server wraps it: a thin
// ServeMux holder with request logging, sized down to what a loopback
// control plane needs (no TLS, no HTTP/2, no fd inheritance — see
// DESIGN.md for why those were dropped).
type Server struct {
	store   *store.Store
	sc      *scanner.Scanner
	watches *scanner.WatchSet
	up      *upload.Uploader
	broker  *activity.Broker
	version string
	started time.Time

	mux *http.ServeMux
	srv *http.Server

	mu sync.Mutex
	n  int64
}

// New builds a Server. startedAt records the daemon's uptime origin for
// /status.
func New(s *store.Store, sc *scanner.Scanner, watches *scanner.WatchSet, up *upload.Uploader, broker *activity.Broker, version string, startedAt time.Time) *Server {
	cs := &Server{
		store:   s,
		sc:      sc,
		watches: watches,
		up:      up,
		broker:  broker,
		version: version,
		started: startedAt,
		mux:     http.NewServeMux(),
	}
	cs.routes()
	return cs
}

func (cs *Server) routes() {
	cs.mux.HandleFunc("GET /health", cs.handleHealth)
	cs.mux.HandleFunc("GET /status", cs.handleStatus)

	cs.mux.HandleFunc("GET /roots", cs.handleListRoots)
	cs.mux.HandleFunc("POST /roots", cs.handleCreateRoot)
	cs.mux.HandleFunc("DELETE /roots/{id}", cs.handleDeleteRoot)
	cs.mux.HandleFunc("POST /roots/{id}/scan", cs.handleScanRoot)

	cs.mux.HandleFunc("GET /excludes", cs.handleListExcludes)
	cs.mux.HandleFunc("POST /excludes", cs.handleCreateExclude)
	cs.mux.HandleFunc("DELETE /excludes/{id}", cs.handleDeleteExclude)

	cs.mux.HandleFunc("GET /servers", cs.handleListServers)
	cs.mux.HandleFunc("POST /servers", cs.handleCreateServer)
	cs.mux.HandleFunc("DELETE /servers/{id}", cs.handleDeleteServer)
	cs.mux.HandleFunc("POST /servers/{id}/default", cs.handleSetDefaultServer)

	cs.mux.HandleFunc("GET /files", cs.handleListFiles)
	cs.mux.HandleFunc("GET /files/{id}", cs.handleGetFile)

	cs.mux.HandleFunc("POST /uploads", cs.handleTriggerUploads)

	cs.mux.HandleFunc("GET /activity", cs.handleListActivity)
	cs.mux.HandleFunc("GET /activity/stream", cs.handleActivityStream)

	cs.mux.HandleFunc("POST /scan_all", cs.handleScanAll)
}

// ServeHTTP implements http.Handler, logging each request the way
// webserver.Server.ServeHTTP does.
func (cs *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cs.mu.Lock()
	cs.n++
	n := cs.n
	cs.mu.Unlock()

	tw := &trackingWriter{ResponseWriter: w, code: 200}
	cs.mux.ServeHTTP(tw, r)
	logger.Debug().Int64("req", n).Str("method", r.Method).Str("path", r.URL.Path).Int("code", tw.code).Msg("request")
}

type trackingWriter struct {
	http.ResponseWriter
	code int
}

func (tw *trackingWriter) WriteHeader(code int) {
	tw.code = code
	tw.ResponseWriter.WriteHeader(code)
}

// ListenAndServe binds to addr (expected to be a loopback address per
// spec.md §4.5 "Authorization") and serves until ctx is cancelled.
func (cs *Server) ListenAndServe(ctx context.Context, addr string) error {
	cs.srv = &http.Server{Addr: addr, Handler: cs}
	errCh := make(chan error, 1)
	go func() {
		errCh <- cs.srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return cs.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// errorResponse is the stable shape spec.md §7 requires: "a stable message
// shape {error|detail: string}".
type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
