// Package gateway serves the OpenAI-compatible endpoint and wires the
// interceptor and the forwarding proxy together.
package gateway

import (
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/ngoyal88/searchlog/pkg/config"
	"github.com/ngoyal88/searchlog/pkg/interceptor"
	"github.com/ngoyal88/searchlog/pkg/logging"
	"github.com/ngoyal88/searchlog/pkg/proxy"
)

// Server handles the client-facing routes. It keeps no per-request state
// once a response has completed.
type Server struct {
	cfg         *config.Store
	interceptor *interceptor.Interceptor
	forwarder   *proxy.Forwarder
	logger      *log.Entry
}

func New(cfg *config.Store, icpt *interceptor.Interceptor, fwd *proxy.Forwarder) *Server {
	return &Server{
		cfg:         cfg,
		interceptor: icpt,
		forwarder:   fwd,
		logger:      logging.Component("gateway"),
	}
}

// RegisterRoutes adds the gateway routes to mux. limit, when non-nil, wraps
// the routes that reach the upstream.
func (s *Server) RegisterRoutes(mux *http.ServeMux, limit func(http.Handler) http.Handler) {
	if limit == nil {
		limit = func(h http.Handler) http.Handler { return h }
	}

	mux.Handle("POST /v1/chat/completions", limit(http.HandlerFunc(s.handleChatCompletions)))
	mux.Handle("/v1/", limit(s.forwarder))
	mux.HandleFunc("POST /log-search", s.handleLogSearch)
	mux.HandleFunc("GET /health", s.handleHealth)
}

// Handler returns a mux with only the gateway routes; handy in tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux, nil)
	return mux
}
