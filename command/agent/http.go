// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"net"
	"net/http"
	"net/http/pprof"

	"github.com/NYTimes/gziphandler"
	"github.com/hashicorp/go-connlimit"
	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/cors"

	"github.com/andotherstuff/otherstuff-relay-sub000/version"
)

var httpJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// allowCORS sets permissive CORS headers; the information document is
// meant to be fetched from browsers on other origins.
var allowCORS = cors.New(cors.Options{
	AllowedOrigins: []string{"*"},
	AllowedMethods: []string{"HEAD", "GET"},
	AllowedHeaders: []string{"*"},
})

// HTTPServer wraps an Agent and exposes it over HTTP: the websocket relay
// endpoint at the root, the information document, and the operator
// endpoints under /v1.
type HTTPServer struct {
	agent      *Agent
	mux        *http.ServeMux
	listener   net.Listener
	listenerCh chan struct{}
	logger     hclog.Logger

	// inmem displays collected metrics on /v1/metrics.
	inmem *metrics.InmemSink

	Addr string
}

// NewHTTPServer starts the listener and serves until Shutdown.
func NewHTTPServer(agent *Agent, config *Config, inmem *metrics.InmemSink) (*HTTPServer, error) {
	ln, err := net.Listen("tcp", config.HTTPAddr())
	if err != nil {
		return nil, err
	}

	srv := &HTTPServer{
		agent:      agent,
		mux:        http.NewServeMux(),
		listener:   ln,
		listenerCh: make(chan struct{}),
		logger:     agent.logger.Named("http"),
		inmem:      inmem,
		Addr:       ln.Addr().String(),
	}
	srv.registerHandlers(config.EnableDebug)

	// The root handler must not be gzip wrapped: websocket upgrades need
	// the raw connection.
	outer := http.NewServeMux()
	outer.HandleFunc("/", srv.rootRequest)
	gzip, err := gziphandler.GzipHandlerWithOpts(gziphandler.MinSize(0))
	if err != nil {
		ln.Close()
		return nil, err
	}
	outer.Handle("/v1/", gzip(srv.mux))
	if config.EnableDebug {
		outer.Handle("/debug/", srv.mux)
	}

	httpServer := &http.Server{
		Addr:     srv.Addr,
		Handler:  outer,
		ErrorLog: srv.logger.StandardLogger(&hclog.StandardLoggerOptions{InferLevels: true}),
	}

	// Per-IP connection limiting; a relay client needs exactly one
	// long-lived connection, so a generous cap only stops abuse.
	if config.HTTPMaxConnsPerClient >= 0 {
		limit := config.HTTPMaxConnsPerClient
		if limit == 0 {
			limit = 100
		}
		limiter := connlimit.NewLimiter(connlimit.Config{MaxConnsPerClientIP: limit})
		httpServer.ConnState = limiter.HTTPConnStateFunc()
	}

	go func() {
		defer close(srv.listenerCh)
		httpServer.Serve(ln)
	}()
	return srv, nil
}

// Shutdown closes the listener and waits for the serve loop to return.
// Live websocket connections are closed by the agent's relay shutdown.
func (s *HTTPServer) Shutdown() {
	if s == nil {
		return
	}
	s.logger.Debug("shutting down http server")
	s.listener.Close()
	<-s.listenerCh
}

func (s *HTTPServer) registerHandlers(enableDebug bool) {
	s.mux.HandleFunc("/v1/status", s.statusRequest)
	s.mux.HandleFunc("/v1/metrics", s.metricsRequest)

	if enableDebug {
		s.mux.HandleFunc("/debug/pprof/", pprof.Index)
		s.mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		s.mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		s.mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		s.mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
}

// rootRequest serves the relay itself: a websocket upgrade becomes a
// relay connection, a plain GET with the right Accept header gets the
// information document, anything else a short text pointer.
func (s *HTTPServer) rootRequest(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	if isWebsocketUpgrade(r) {
		s.serveWebsocket(w, r)
		return
	}

	if r.Header.Get("Accept") == "application/nostr+json" {
		allowCORS.Handler(http.HandlerFunc(s.infoDocument)).ServeHTTP(w, r)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("otherstuff relay: connect with a websocket client\n"))
}

// infoDocument serves the relay metadata document.
func (s *HTTPServer) infoDocument(w http.ResponseWriter, r *http.Request) {
	cfg := s.agent.Config()
	info := cfg.Info
	if info == nil {
		info = &Info{}
	}

	doc := map[string]any{
		"name":           info.Name,
		"description":    info.Description,
		"icon":           info.Icon,
		"software":       "otherstuff-relay",
		"version":        version.GetVersion().VersionNumber(),
		"supported_nips": []int{1, 2, 11, 40, 45, 50},
		"limitation": map[string]any{
			"max_filters":       derefInt(cfg.Limits, func(l *Limits) *int { return l.MaxFiltersPerReq }, 10),
			"max_event_bytes":   derefInt(cfg.Limits, func(l *Limits) *int { return l.MaxEventBytes }, 500000),
			"max_limit":         derefInt(cfg.Limits, func(l *Limits) *int { return l.MaxHistoricalLimit }, 5000),
			"auth_required":     false,
			"payment_required":  false,
			"restricted_writes": len(cfg.policyAllowlist()) > 0,
		},
	}

	w.Header().Set("Content-Type", "application/nostr+json")
	enc := httpJSON.NewEncoder(w)
	if err := enc.Encode(doc); err != nil {
		s.logger.Error("failed to encode info document", "error", err)
	}
}

// statusRequest reports pipeline statistics.
func (s *HTTPServer) statusRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Invalid method", http.StatusMethodNotAllowed)
		return
	}

	stats := s.agent.Relay().Stats()
	out := map[string]any{
		"version":       version.GetVersion().VersionNumber(),
		"connections":   stats.Connections,
		"subscriptions": stats.Subscriptions,
		"stored_events": stats.StoredEvents,
		"ingress_depth": stats.IngressDepth,
		"store":         stats.Store,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := httpJSON.NewEncoder(w).Encode(out); err != nil {
		s.logger.Error("failed to encode status", "error", err)
	}
}

// metricsRequest displays the in-memory metrics, or the prometheus
// exposition when asked for.
func (s *HTTPServer) metricsRequest(w http.ResponseWriter, r *http.Request) {
	if format := r.URL.Query().Get("format"); format == "prometheus" {
		handlePrometheus(w, r)
		return
	}

	summary, err := s.inmem.DisplayMetrics(w, r)
	if err != nil {
		s.logger.Error("failed to display metrics", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := httpJSON.NewEncoder(w).Encode(summary); err != nil {
		s.logger.Error("failed to encode metrics", "error", err)
	}
}

func derefInt[T any](block *T, get func(*T) *int, fallback int) int {
	if block == nil {
		return fallback
	}
	if v := get(block); v != nil {
		return *v
	}
	return fallback
}

// policyAllowlist returns the configured pubkey allowlist, if any.
func (c *Config) policyAllowlist() []string {
	if c.Policy == nil {
		return nil
	}
	return c.Policy.AllowedPubkeys
}
