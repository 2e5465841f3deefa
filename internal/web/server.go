// Package web provides the HTTP status server for the gbm-decoder daemon:
// an HTML page, the same data as JSON, and a websocket feed of updates.
package web

import (
	"context"
	"net"
	"net/http"

	"github.com/sweeney/gbm-decoder/internal/status"
)

// Server serves the status page over HTTP.
type Server struct {
	httpServer *http.Server
	tracker    *status.Tracker
	hub        *Hub
	cancel     context.CancelFunc
}

// New creates a Server that reads state from the given tracker. The
// websocket hub runs until Shutdown.
func New(addr string, tracker *status.Tracker) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{tracker: tracker, hub: NewHub(), cancel: cancel}
	go s.hub.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/index.html", s.handleIndex)
	mux.HandleFunc("/index.json", s.handleJSON)
	mux.HandleFunc("/ws", s.handleWS)

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	return s
}

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on the given listener. Useful for tests.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown stops the hub and gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	return s.httpServer.Shutdown(ctx)
}

// Publish pushes the tracker's current state to websocket clients.
func (s *Server) Publish() {
	if s.hub.Clients() == 0 {
		return
	}
	s.hub.Broadcast(status.FormatCompact(s.tracker.Snapshot()))
}

// Clients returns the number of connected websocket clients.
func (s *Server) Clients() int {
	return s.hub.Clients()
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" && r.URL.Path != "/index.html" {
		http.NotFound(w, r)
		return
	}
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	renderHTML(w, snap)
}

func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	w.Write(status.FormatJSON(snap))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.hub.serveWS(w, r, status.FormatCompact(s.tracker.Snapshot()))
}
