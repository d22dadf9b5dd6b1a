package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/nidhogg/skill-collator/internal/a2a"
	"github.com/nidhogg/skill-collator/internal/agent"
	"github.com/nidhogg/skill-collator/internal/discovery"
	"github.com/nidhogg/skill-collator/internal/events"
	"github.com/nidhogg/skill-collator/internal/gateway"
	"github.com/nidhogg/skill-collator/internal/policy"
	"github.com/nidhogg/skill-collator/internal/provider"
	"github.com/nidhogg/skill-collator/internal/skill"
)

// Banner is served on the root path.
const Banner = "Skills Collator Agent Server is running."

// AuditReader reads the most recent install audit events.
type AuditReader interface {
	Recent(ctx context.Context, count int64) ([]events.Event, error)
}

// ProviderDirectory lists the configured reasoning providers.
type ProviderDirectory interface {
	DefaultID() string
	ListProviders() []provider.Provider
}

// Pinger checks a backing service.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps holds the components served over HTTP. Nil optional members
// answer 503 on their routes.
type Deps struct {
	Engine    *agent.Engine
	Discovery discovery.Discoverer
	Installed func() ([]*skill.Manifest, error)
	RESTGW    *gateway.RESTAdapter
	Gateway   *gateway.Gateway
	A2A       *a2a.Server
	Providers ProviderDirectory
	Audit     AuditReader       // optional
	Checks    map[string]Pinger // optional health dependencies
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	deps   Deps
	logger *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps, logger *zap.Logger) *Handler {
	return &Handler{deps: deps, logger: logger}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/", h.banner)

	if h.deps.A2A != nil {
		r.Get("/.well-known/agent.json", h.deps.A2A.HandleCard)
		r.Get("/.well-known/agent-card.json", h.deps.A2A.HandleCard)
		r.Method(http.MethodPost, "/a2a", h.deps.A2A)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		r.Get("/skills/discover", h.discoverSkills)
		r.Get("/skills/installed", h.installedSkills)

		r.Get("/sessions", h.listSessions)
		r.Get("/sessions/{id}", h.getSession)
		r.Delete("/sessions/{id}", h.deleteSession)

		r.Get("/providers", h.listProviders)
		r.Get("/audit", h.recentAudit)

		// Gateway routes
		if h.deps.RESTGW != nil {
			r.Mount("/gateway/rest", h.deps.RESTGW.Routes())
		}
		r.Get("/gateway/status", h.gatewayStatus)
	})

	return r
}

func (h *Handler) banner(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(Banner))
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	body := map[string]string{"status": "ok"}
	for name, p := range h.deps.Checks {
		if err := p.Ping(ctx); err != nil {
			h.logger.Warn("health check failed", zap.String("dependency", name), zap.Error(err))
			body[name] = "unavailable"
			body["status"] = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		body[name] = "ok"
	}
	writeJSON(w, status, body)
}

func (h *Handler) discoverSkills(w http.ResponseWriter, r *http.Request) {
	if h.deps.Discovery == nil {
		unavailable(w, "discovery")
		return
	}
	repo := r.URL.Query().Get("repo")
	if repo == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "repo is required"})
		return
	}
	listing, err := h.deps.Discovery.ListSkills(r.Context(), repo)
	if err != nil {
		kind := skill.KindOf(err)
		writeJSON(w, statusForKind(kind), map[string]string{
			"error": skill.MessageOf(err),
			"kind":  string(kind),
		})
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

func (h *Handler) installedSkills(w http.ResponseWriter, r *http.Request) {
	if h.deps.Installed == nil {
		unavailable(w, "installer")
		return
	}
	manifests, err := h.deps.Installed()
	if err != nil {
		h.logger.Error("list installed skills", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "could not read installed skills"})
		return
	}
	if manifests == nil {
		manifests = []*skill.Manifest{}
	}
	writeJSON(w, http.StatusOK, manifests)
}

type sessionView struct {
	ID        string          `json:"id"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	Messages  int             `json:"messages"`
	Gate      policy.Snapshot `json:"gate"`
}

func viewSession(s *agent.Session) sessionView {
	return sessionView{
		ID:        s.ID,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt(),
		Messages:  len(s.History()),
		Gate:      s.Gate.Snapshot(),
	}
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	if h.deps.Engine == nil {
		unavailable(w, "engine")
		return
	}
	sessions := h.deps.Engine.Sessions().List()
	out := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, viewSession(s))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	if h.deps.Engine == nil {
		unavailable(w, "engine")
		return
	}
	s, ok := h.deps.Engine.Sessions().Get(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	writeJSON(w, http.StatusOK, viewSession(s))
}

func (h *Handler) deleteSession(w http.ResponseWriter, r *http.Request) {
	if h.deps.Engine == nil {
		unavailable(w, "engine")
		return
	}
	if !h.deps.Engine.Reset(chi.URLParam(r, "id")) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

type providerView struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Default bool   `json:"default"`
}

func (h *Handler) listProviders(w http.ResponseWriter, r *http.Request) {
	if h.deps.Providers == nil {
		unavailable(w, "providers")
		return
	}
	def := h.deps.Providers.DefaultID()
	out := []providerView{}
	for _, p := range h.deps.Providers.ListProviders() {
		out = append(out, providerView{ID: p.ID(), Name: p.Name(), Default: p.ID() == def})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) recentAudit(w http.ResponseWriter, r *http.Request) {
	if h.deps.Audit == nil {
		unavailable(w, "audit stream")
		return
	}
	count := int64(50)
	if v := r.URL.Query().Get("count"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 || n > 1000 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "count must be between 1 and 1000"})
			return
		}
		count = n
	}
	evts, err := h.deps.Audit.Recent(r.Context(), count)
	if err != nil {
		h.logger.Error("read audit stream", zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "audit stream unavailable"})
		return
	}
	if evts == nil {
		evts = []events.Event{}
	}
	writeJSON(w, http.StatusOK, evts)
}

func (h *Handler) gatewayStatus(w http.ResponseWriter, r *http.Request) {
	if h.deps.Gateway == nil {
		unavailable(w, "gateway")
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Gateway.Statuses())
}

func statusForKind(k skill.Kind) int {
	switch k {
	case skill.KindSourceNotAllowed:
		return http.StatusForbidden
	case skill.KindMalformedURL:
		return http.StatusBadRequest
	case skill.KindUpstreamUnavailable:
		return http.StatusBadGateway
	case skill.KindCanceled:
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}

func unavailable(w http.ResponseWriter, what string) {
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": what + " not initialized"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
