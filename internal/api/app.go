// Package api exposes the guard's control surface over HTTP: scope and
// tunable management, crash reporting, exec admission checks, record
// snapshots, and audit queries.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/agentsh/crashguard/internal/config"
	"github.com/agentsh/crashguard/internal/events"
	"github.com/agentsh/crashguard/internal/guard"
	"github.com/agentsh/crashguard/internal/identity"
	"github.com/agentsh/crashguard/internal/metrics"
	"github.com/agentsh/crashguard/internal/policy"
	"github.com/agentsh/crashguard/internal/scope"
	"github.com/agentsh/crashguard/internal/store"
	"github.com/agentsh/crashguard/pkg/types"
)

type App struct {
	cfg      *config.Config
	scopes   *scope.Registry
	engine   *guard.Engine
	resolver *policy.Resolver
	broker   *events.Broker
	sink     guard.Sink
	store    store.EventStore
	metrics  *metrics.Collector
	logger   *slog.Logger
}

func NewApp(cfg *config.Config, scopes *scope.Registry, engine *guard.Engine, resolver *policy.Resolver, broker *events.Broker, sink guard.Sink, st store.EventStore, m *metrics.Collector, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{
		cfg:      cfg,
		scopes:   scopes,
		engine:   engine,
		resolver: resolver,
		broker:   broker,
		sink:     sink,
		store:    st,
		metrics:  m,
		logger:   logger,
	}
}

func (a *App) Router() http.Handler {
	r := chi.NewRouter()

	r.Get(a.cfg.Health.Path, func(w http.ResponseWriter, r *http.Request) { writeText(w, http.StatusOK, "ok\n") })
	r.Get(a.cfg.Health.ReadinessPath, func(w http.ResponseWriter, r *http.Request) { writeText(w, http.StatusOK, "ready\n") })

	if a.cfg.Metrics.Enabled {
		r.Method(http.MethodGet, a.cfg.Metrics.Path, a.metrics.Handler(metrics.HandlerOptions{
			LiveRecords: a.engine.Table().Len,
		}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/scopes", a.createScope)
		r.Get("/scopes", a.listScopes)
		r.Get("/scopes/{id}", a.getScope)
		r.Get("/scopes/{id}/guard", a.getGuardConfig)
		r.Patch("/scopes/{id}/guard", a.setGuardConfig)

		r.Get("/scopes/{id}/events", a.streamEvents)

		r.Post("/scopes/{id}/flags", a.resolveFlags)
		r.Post("/scopes/{id}/segfault", a.reportSegfault)
		r.Post("/scopes/{id}/exec-check", a.execCheck)

		r.Get("/records", a.listRecords)
		r.Get("/events/search", a.searchEvents)
	})

	return r
}

type scopeView struct {
	ID    string    `json:"id"`
	Name  string    `json:"name"`
	Root  bool      `json:"root"`
	Guard guardView `json:"guard"`
}

type guardView struct {
	Mode       types.Mode `json:"mode"`
	Expiry     string     `json:"expiry"`
	Suspension string     `json:"suspension"`
	MaxCrashes uint64     `json:"max_crashes"`
}

func viewOf(s *scope.Scope) scopeView {
	g := s.Guard()
	return scopeView{
		ID:   s.ID(),
		Name: s.Name(),
		Root: s.IsRoot(),
		Guard: guardView{
			Mode:       g.Mode,
			Expiry:     g.Expiry.String(),
			Suspension: g.Suspension.String(),
			MaxCrashes: g.MaxCrashes,
		},
	}
}

func (a *App) createScope(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ParentID string `json:"parent_id"`
		Name     string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json: " + err.Error()})
		return
	}
	if req.ParentID == "" {
		req.ParentID = scope.RootID
	}
	if req.Name == "" {
		req.Name = "scope-" + uuid.NewString()[:8]
	}

	child, err := a.scopes.CreateChild(req.ParentID, req.Name)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": err.Error()})
		return
	}
	a.sink.Publish(types.Event{
		Timestamp: time.Now().UTC(),
		Type:      types.EventScopeCreated,
		ScopeID:   child.ID(),
		Name:      child.Name(),
		Fields:    map[string]any{"parent_id": req.ParentID},
	})
	writeJSON(w, http.StatusCreated, viewOf(child))
}

func (a *App) listScopes(w http.ResponseWriter, r *http.Request) {
	all := a.scopes.List()
	out := make([]scopeView, 0, len(all))
	for _, s := range all {
		out = append(out, viewOf(s))
	}
	writeJSON(w, http.StatusOK, map[string]any{"scopes": out})
}

func (a *App) getScope(w http.ResponseWriter, r *http.Request) {
	s, ok := a.scopes.Get(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "scope not found"})
		return
	}
	writeJSON(w, http.StatusOK, viewOf(s))
}

func (a *App) getGuardConfig(w http.ResponseWriter, r *http.Request) {
	s, ok := a.scopes.Get(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "scope not found"})
		return
	}
	writeJSON(w, http.StatusOK, viewOf(s).Guard)
}

func (a *App) setGuardConfig(w http.ResponseWriter, r *http.Request) {
	s, ok := a.scopes.Get(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "scope not found"})
		return
	}

	var req struct {
		Mode       *string `json:"mode"`
		Expiry     *string `json:"expiry"`
		Suspension *string `json:"suspension"`
		MaxCrashes *uint64 `json:"max_crashes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json: " + err.Error()})
		return
	}

	coerced := false
	if req.Mode != nil {
		var applied types.Mode
		applied, coerced = s.SetMode(types.Mode(*req.Mode))
		if coerced {
			a.sink.Publish(types.Event{
				Timestamp: time.Now().UTC(),
				Type:      types.EventConfigCoerced,
				ScopeID:   s.ID(),
				Fields:    map[string]any{"requested": *req.Mode, "applied": string(applied)},
			})
		}
	}
	if req.Expiry != nil {
		d, err := time.ParseDuration(*req.Expiry)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "parse expiry: " + err.Error()})
			return
		}
		s.SetExpiry(d)
	}
	if req.Suspension != nil {
		d, err := time.ParseDuration(*req.Suspension)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "parse suspension: " + err.Error()})
			return
		}
		s.SetSuspension(d)
	}
	if req.MaxCrashes != nil {
		s.SetMaxCrashes(*req.MaxCrashes)
	}

	a.sink.Publish(types.Event{
		Timestamp: time.Now().UTC(),
		Type:      types.EventConfigChanged,
		ScopeID:   s.ID(),
	})

	resp := map[string]any{"guard": viewOf(s).Guard}
	if coerced {
		resp["coerced"] = true
	}
	writeJSON(w, http.StatusOK, resp)
}

// threadRequest is the execution-context payload shared by the flag
// resolution, crash report and exec check endpoints.
type threadRequest struct {
	PID   int      `json:"pid"`
	UID   uint32   `json:"uid"`
	Path  string   `json:"path"`
	Name  string   `json:"name"`
	Flags []string `json:"flags"`
}

func parseFlags(names []string) types.Flags {
	var f types.Flags
	for _, n := range names {
		switch n {
		case "guard":
			f |= types.FlagGuard
		case "noguard":
			f |= types.FlagNoGuard
		}
	}
	return f
}

func flagNames(f types.Flags) []string {
	var out []string
	if f.Has(types.FlagGuard) {
		out = append(out, "guard")
	}
	if f.Has(types.FlagNoGuard) {
		out = append(out, "noguard")
	}
	return out
}

func (a *App) resolveFlags(w http.ResponseWriter, r *http.Request) {
	s, ok := a.scopes.Get(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "scope not found"})
		return
	}
	var req threadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json: " + err.Error()})
		return
	}

	var img identity.Image
	if req.Path != "" {
		img = identity.NewFileImage(req.Path)
	}
	flags := a.resolver.SetupFlags(r.Context(), s.Guard().Mode, img, parseFlags(req.Flags))
	writeJSON(w, http.StatusOK, map[string]any{
		"flags":  flagNames(flags),
		"active": flags.Active(),
	})
}

// thread builds the engine execution context from a request, resolving
// flags on the fly when the caller did not carry them from exec setup.
func (a *App) thread(ctx context.Context, s *scope.Scope, req threadRequest) guard.Thread {
	var img identity.Image
	if req.Path != "" {
		img = identity.NewFileImage(req.Path)
	}
	flags := parseFlags(req.Flags)
	if flags == 0 {
		flags = a.resolver.SetupFlags(ctx, s.Guard().Mode, img, 0)
	}
	return guard.Thread{
		PID:   req.PID,
		UID:   req.UID,
		Flags: flags,
		Scope: s,
		Image: img,
	}
}

func (a *App) reportSegfault(w http.ResponseWriter, r *http.Request) {
	s, ok := a.scopes.Get(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "scope not found"})
		return
	}
	var req threadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json: " + err.Error()})
		return
	}

	th := a.thread(r.Context(), s, req)
	if err := a.engine.RecordSegfault(r.Context(), th, req.Name); err != nil {
		if errors.Is(err, identity.ErrNoImage) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": "no backing image"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recorded": true})
}

func (a *App) execCheck(w http.ResponseWriter, r *http.Request) {
	s, ok := a.scopes.Get(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "scope not found"})
		return
	}
	var req threadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json: " + err.Error()})
		return
	}

	th := a.thread(r.Context(), s, req)
	err := a.engine.CheckExec(r.Context(), th, th.Image, req.Name)
	if errors.Is(err, guard.ErrDenied) {
		writeJSON(w, http.StatusForbidden, map[string]any{"decision": types.DecisionDeny})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"decision": types.DecisionAllow})
}

func (a *App) streamEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := a.scopes.Get(id); !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "scope not found"})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "stream unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := a.broker.Subscribe(id, 200)
	defer a.broker.Unsubscribe(id, ch)

	_, _ = w.Write([]byte("event: ready\ndata: {}\n\n"))
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			_, _ = w.Write([]byte("data: "))
			if err := enc.Encode(ev); err != nil {
				return
			}
			_, _ = w.Write([]byte("\n"))
			flusher.Flush()
		}
	}
}

func (a *App) listRecords(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"records": a.engine.Table().Snapshot()})
}

func (a *App) searchEvents(w http.ResponseWriter, r *http.Request) {
	q := types.EventQuery{
		ScopeID: r.URL.Query().Get("scope"),
	}
	if t := r.URL.Query().Get("type"); t != "" {
		q.Types = []string{t}
	}
	if v := r.URL.Query().Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "parse since: " + err.Error()})
			return
		}
		q.Since = &ts
	}
	if v := r.URL.Query().Get("until"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "parse until: " + err.Error()})
			return
		}
		q.Until = &ts
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "parse limit: " + err.Error()})
			return
		}
		q.Limit = n
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "parse offset: " + err.Error()})
			return
		}
		q.Offset = n
	}
	q.Asc = r.URL.Query().Get("asc") == "true"

	evs, err := a.store.QueryEvents(r.Context(), q)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeText(w http.ResponseWriter, status int, s string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(s))
}
