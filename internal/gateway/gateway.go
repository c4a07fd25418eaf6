// Package gateway is the external HTTP/WS surface. Requests pass an ordered
// pipeline: CORS, health, bearer auth, agent existence, JSON parsing, lexicon
// validation, then dispatch to the agent's actor through the relay.
package gateway

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/weavenet/weave/internal/config"
	"github.com/weavenet/weave/internal/events"
	"github.com/weavenet/weave/internal/metrics"
	"github.com/weavenet/weave/internal/relay"
	"github.com/weavenet/weave/internal/store"
)

// Options collect the gateway's collaborators.
type Options struct {
	Config *config.Config
	Relay  *relay.Relay
	Store  store.Store
	Bus    events.Bus

	// Directory is mounted when this node hosts the key directory.
	Directory *relay.LocalDirectory
	// Environments is the opaque pass-through target for /environments.
	Environments http.Handler

	Metrics  *metrics.Metrics
	Registry *prometheus.Registry
}

// Gateway routes external traffic to actors.
type Gateway struct {
	cfg          *config.Config
	relay        *relay.Relay
	store        store.Store
	directory    *relay.LocalDirectory
	environments http.Handler
	metrics      *metrics.Metrics
	registry     *prometheus.Registry

	unsubscribe func()
}

// New builds a gateway and subscribes the metrics counters to the event bus.
func New(opts Options) *Gateway {
	g := &Gateway{
		cfg:          opts.Config,
		relay:        opts.Relay,
		store:        opts.Store,
		directory:    opts.Directory,
		environments: opts.Environments,
		metrics:      opts.Metrics,
		registry:     opts.Registry,
	}
	if opts.Bus != nil && g.metrics != nil {
		g.unsubscribe = opts.Bus.Subscribe(func(e *events.Event) {
			g.metrics.Event(e.EventType, e.Outcome)
		})
	}
	return g
}

// Close detaches the gateway from the bus.
func (g *Gateway) Close() {
	if g.unsubscribe != nil {
		g.unsubscribe()
	}
}

// Router builds the full route table.
func (g *Gateway) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(g.corsMiddleware, g.metricsMiddleware)
	r.NotFoundHandler = g.withCORS(func(w http.ResponseWriter, _ *http.Request) {
		respond(w, http.StatusNotFound, errBody("Not found"))
	})
	r.MethodNotAllowedHandler = g.withCORS(func(w http.ResponseWriter, _ *http.Request) {
		respond(w, http.StatusMethodNotAllowed, errBody("Method not allowed"))
	})

	// Preflight: 204 for everything, no auth.
	r.PathPrefix("/").Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	r.HandleFunc("/health", g.handleHealth).Methods(http.MethodGet)
	if g.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(g.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	if g.directory != nil {
		g.directory.Mount(r)
	}

	r.HandleFunc("/agents", g.admin(g.handleAgentsCreate)).Methods(http.MethodPost)
	r.HandleFunc("/agents", g.admin(g.handleAgentsList)).Methods(http.MethodGet)
	r.HandleFunc("/agents/{name}", g.admin(g.agent(g.handleAgentDelete))).Methods(http.MethodDelete)

	r.HandleFunc("/environments", g.admin(g.handleEnvironments)).Methods(http.MethodGet)
	r.HandleFunc("/environments/{id}", g.admin(g.handleEnvironments)).Methods(http.MethodGet)

	a := r.PathPrefix("/agents/{name}").Subrouter()
	a.HandleFunc("/identity", g.agent(g.handleIdentity)).Methods(http.MethodGet)
	a.HandleFunc("/prompt", g.admin(g.agent(g.handlePrompt))).Methods(http.MethodPost)

	a.HandleFunc("/memory", g.admin(g.agent(g.handleMemoryPost))).Methods(http.MethodPost)
	a.HandleFunc("/memory", g.agent(g.handleMemoryGet)).Methods(http.MethodGet)
	a.HandleFunc("/memory", g.admin(g.agent(g.handleMemoryPut))).Methods(http.MethodPut)
	a.HandleFunc("/memory", g.admin(g.agent(g.handleMemoryDelete))).Methods(http.MethodDelete)

	a.HandleFunc("/share", g.admin(g.agent(g.handleShare))).Methods(http.MethodPost)
	a.HandleFunc("/shared", g.agent(g.handleShared)).Methods(http.MethodGet)

	a.HandleFunc("/inbox", g.admin(g.agent(g.handleInboxPost))).Methods(http.MethodPost)
	a.HandleFunc("/inbox", g.agent(g.handleInboxGet)).Methods(http.MethodGet)

	a.HandleFunc("/config", g.agent(g.handleConfigGet)).Methods(http.MethodGet)
	a.HandleFunc("/config", g.admin(g.agent(g.handleConfigPatch))).Methods(http.MethodPatch)

	a.HandleFunc("/loop/start", g.admin(g.agent(g.handleLoopStart))).Methods(http.MethodPost)
	a.HandleFunc("/loop/stop", g.admin(g.agent(g.handleLoopStop))).Methods(http.MethodPost)
	a.HandleFunc("/loop/status", g.admin(g.agent(g.handleLoopStatus))).Methods(http.MethodGet)

	a.HandleFunc("/ws", g.admin(g.agent(g.handleWS))).Methods(http.MethodGet)

	return r
}

// ---- middleware ----

func (g *Gateway) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.setCORS(w)
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) withCORS(fn http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.setCORS(w)
		fn(w, r)
	})
}

func (g *Gateway) setCORS(w http.ResponseWriter) {
	origin := g.cfg.CORSOrigin
	if origin == "" {
		origin = "*"
	}
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Authorization,Content-Type")
}

func (g *Gateway) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sw, r)
		g.metrics.RequestTotal.WithLabelValues(route, r.Method, httpStatusLabel(sw.status)).Inc()
		g.metrics.RequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}

// admin enforces the bearer token. Mutating routes and admin reads wrap with
// this; public reads do not.
func (g *Gateway) admin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if g.cfg.AdminToken == "" {
			respond(w, http.StatusInternalServerError, errBody("Server misconfigured: ADMIN_TOKEN unset"))
			return
		}
		if bearerToken(r) != g.cfg.AdminToken {
			respond(w, http.StatusUnauthorized, errBody("Unauthorized"))
			return
		}
		next(w, r)
	}
}

// bearerToken extracts the token from the Authorization header, or from the
// token query parameter for websocket clients that cannot set headers.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

type statusWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *statusWriter) WriteHeader(status int) {
	if !w.written {
		w.status = status
		w.written = true
	}
	w.ResponseWriter.WriteHeader(status)
}

// Hijack keeps websocket upgrades working through the metrics wrapper.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}

func httpStatusLabel(status int) string {
	return strconv.Itoa(status)
}
