// Package httpapi exposes the reflections service over HTTP.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	app "github.com/civic-os/reflections/internal/app"
	"github.com/civic-os/reflections/internal/app/activity"
	"github.com/civic-os/reflections/internal/app/domain/companion"
	"github.com/civic-os/reflections/internal/app/domain/reflection"
	"github.com/civic-os/reflections/internal/app/services/chat"
	"github.com/civic-os/reflections/internal/app/services/economy"
	"github.com/civic-os/reflections/internal/app/services/feed"
	svcerrors "github.com/civic-os/reflections/internal/errors"
	"github.com/civic-os/reflections/internal/httputil"
	"github.com/civic-os/reflections/internal/logging"
	"github.com/civic-os/reflections/internal/middleware"
	"github.com/civic-os/reflections/internal/session"
)

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app *app.Application
	log *logging.Logger
}

// NewHandler returns the full HTTP surface with middleware applied.
func NewHandler(application *app.Application) http.Handler {
	log := application.Logger().Named("http")
	h := &handler{app: application, log: log}

	router := mux.NewRouter()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.NewTracingMiddleware(log).Handler,
		middleware.MetricsMiddleware(),
		middleware.NewSessionMiddleware(application.Sessions, log).Handler,
		middleware.LoggingMiddleware(log),
	)
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteError(w, r, svcerrors.NotFound("route", r.URL.Path))
	})

	limited := application.Limiter.Handler
	authed := middleware.RequireHandle

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/auth/login", h.login).Methods(http.MethodPost)
	api.HandleFunc("/auth/logout", h.logout).Methods(http.MethodPost)
	api.HandleFunc("/me", h.me).Methods(http.MethodGet)

	api.Handle("/reflections", limited(http.HandlerFunc(h.postReflection))).Methods(http.MethodPost)
	api.HandleFunc("/reflections", h.listReflections).Methods(http.MethodGet)
	api.Handle("/reflect", limited(http.HandlerFunc(h.reflect))).Methods(http.MethodPost)

	api.HandleFunc("/unlock", h.unlock).Methods(http.MethodPost)
	api.HandleFunc("/unlocks/{handle}", h.unlocks).Methods(http.MethodGet)
	api.HandleFunc("/stake/trees", h.stake).Methods(http.MethodPost)
	api.HandleFunc("/companions", h.companions).Methods(http.MethodGet)
	api.Handle("/companions", authed(http.HandlerFunc(h.createCompanion))).Methods(http.MethodPost)
	api.Handle("/activity", authed(http.HandlerFunc(h.activity))).Methods(http.MethodGet)

	api.HandleFunc("/oaa/echo", h.oaaEcho).Methods(http.MethodGet)

	api.HandleFunc("/stream", h.stream).Methods(http.MethodGet)
	api.HandleFunc("/stream/ws", h.streamWS).Methods(http.MethodGet)

	router.HandleFunc("/health", h.health).Methods(http.MethodGet)
	router.HandleFunc("/ready", h.ready).Methods(http.MethodGet)
	router.Handle("/metrics", metricsHandler()).Methods(http.MethodGet)

	return middleware.NewCORSMiddleware(application.Config().Server.CORSOrigins).Handler(router)
}

func (h *handler) login(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Handle string `json:"handle"`
	}
	if err := httputil.DecodeJSON(w, r, &payload); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	handle, err := session.NormalizeHandle(payload.Handle)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	if err := h.app.Sessions.Issue(w, handle); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "handle": handle})
}

func (h *handler) logout(w http.ResponseWriter, r *http.Request) {
	h.app.Sessions.Destroy(w)
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (h *handler) me(w http.ResponseWriter, r *http.Request) {
	var handle interface{}
	if v := middleware.GetHandle(r.Context()); v != "" {
		handle = v
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"handle": handle})
}

func (h *handler) postReflection(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		User string   `json:"user"`
		Text string   `json:"text"`
		Tags []string `json:"tags"`
	}
	if err := httputil.DecodeJSON(w, r, &payload); err != nil {
		httputil.WriteError(w, r, err)
		return
	}

	author := actor(r, payload.User)
	if author == "" {
		author = reflection.GuestAuthor
	}
	res, err := h.app.Feed.Post(r.Context(), feed.PostInput{Author: author, Text: payload.Text, Tags: payload.Tags})
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, res)
}

func (h *handler) listReflections(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Has("page") {
		h.pageReflections(w, r)
		return
	}
	limit, err := intQuery(r, "limit", feed.DefaultListLimit)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	items, err := h.app.Feed.List(r.Context(), limit)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	if items == nil {
		items = []reflection.Reflection{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

func (h *handler) pageReflections(w http.ResponseWriter, r *http.Request) {
	page, err := intQuery(r, "page", 1)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	size, err := intQuery(r, "pageSize", 20)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	items, more, err := h.app.Feed.Page(r.Context(), page, size)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	if items == nil {
		items = []reflection.Reflection{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"items": items, "page": page, "more": more})
}

func (h *handler) reflect(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		User      string `json:"user"`
		Text      string `json:"text"`
		Companion string `json:"companion"`
	}
	if err := httputil.DecodeJSON(w, r, &payload); err != nil {
		httputil.WriteError(w, r, err)
		return
	}

	res, err := h.app.Chat.Reflect(r.Context(), chat.ReflectInput{
		User:        actor(r, payload.User),
		Text:        payload.Text,
		CompanionID: payload.Companion,
	})
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

func (h *handler) unlock(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		User      string   `json:"user"`
		Companion string   `json:"companion"`
		CostGIC   *float64 `json:"costGIC"`
	}
	if err := httputil.DecodeJSON(w, r, &payload); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	handle, ok := h.requireSpender(w, r, payload.User)
	if !ok {
		return
	}

	set, err := h.app.Economy.Unlock(r.Context(), economy.UnlockInput{
		Handle:      handle,
		CompanionID: payload.Companion,
		Cost:        payload.CostGIC,
	})
	cost := h.app.Economy.UnlockCost()
	if payload.CostGIC != nil {
		cost = *payload.CostGIC
	}
	h.record(r, activity.Entry{
		Handle:  handle,
		Action:  "unlock_companion",
		Amount:  cost,
		Unit:    "GIC",
		Subject: strings.ToLower(strings.TrimSpace(payload.Companion)),
	}, err)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "unlocked": set.Unlocked})
}

func (h *handler) unlocks(w http.ResponseWriter, r *http.Request) {
	handle := mux.Vars(r)["handle"]
	view, err := h.app.Economy.Unlocked(r.Context(), handle)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, view)
}

func (h *handler) stake(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		User   string  `json:"user"`
		Amount float64 `json:"amount"`
	}
	if err := httputil.DecodeJSON(w, r, &payload); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	handle, ok := h.requireSpender(w, r, payload.User)
	if !ok {
		return
	}

	res, err := h.app.Economy.Stake(r.Context(), handle, payload.Amount)
	h.record(r, activity.Entry{Handle: handle, Action: "stake_trees", Amount: payload.Amount, Unit: "GIC"}, err)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "staked": res.Staked, "trees": res.Trees})
}

func (h *handler) companions(w http.ResponseWriter, r *http.Request) {
	list := companion.Catalog()
	if handle := middleware.GetHandle(r.Context()); handle != "" {
		list = append(list, h.app.Companions.Custom(handle)...)
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"companions": list,
		"unlockCost": h.app.Economy.UnlockCost(),
	})
}

func (h *handler) createCompanion(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Name  string `json:"name"`
		Style string `json:"style"`
	}
	if err := httputil.DecodeJSON(w, r, &payload); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	handle := middleware.GetHandle(r.Context())

	res, err := h.app.Economy.CreateCompanion(r.Context(), handle, payload.Name, payload.Style)
	entry := activity.Entry{Handle: handle, Action: "create_companion", Subject: strings.TrimSpace(payload.Name)}
	if err == nil {
		entry.Amount, entry.Unit, entry.Subject = res.Charged, "GIC", res.Companion.ID
	}
	h.record(r, entry, err)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, res)
}

func (h *handler) activity(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit", 50)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	entries := h.app.Activity.List(middleware.GetHandle(r.Context()), limit)
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"items": entries})
}

// oaaEcho returns the OAA echoes for one reflection trace. Any failure,
// including OAA not being configured, yields an empty list.
func (h *handler) oaaEcho(w http.ResponseWriter, r *http.Request) {
	items := []json.RawMessage{}
	traceID := strings.TrimSpace(r.URL.Query().Get("traceId"))
	if traceID != "" && h.app.OAA.Enabled() {
		found, err := h.app.OAA.Echoes(r.Context(), traceID)
		if err != nil {
			h.log.WithContext(r.Context()).WithError(err).Debug("oaa echo lookup failed")
		} else {
			items = found
		}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

// requireSpender resolves who pays for an economy action or writes a 401.
// The body user is only honoured when economy.allow_body_identity is set.
func (h *handler) requireSpender(w http.ResponseWriter, r *http.Request, bodyUser string) (string, bool) {
	if handle := middleware.GetHandle(r.Context()); handle != "" {
		return handle, true
	}
	if h.app.Config().Economy.AllowBodyIdentity {
		if handle := strings.TrimSpace(bodyUser); handle != "" {
			return handle, true
		}
	}
	httputil.WriteError(w, r, svcerrors.Unauthorized("sign in to spend GIC"))
	return "", false
}

func (h *handler) record(r *http.Request, entry activity.Entry, err error) {
	entry.TraceID = logging.GetTraceID(r.Context())
	entry.Status = activity.StatusOK
	if err != nil {
		entry.Status = activity.StatusFailed
		if se := svcerrors.GetServiceError(err); se != nil {
			entry.Detail = string(se.Code)
			if se.Code == svcerrors.CodeValidation || se.Code == svcerrors.CodeInvalidAmount || se.Code == svcerrors.CodeInsufficientBalance {
				entry.Status = activity.StatusDenied
			}
		}
	}
	if entry.Handle != "" {
		h.app.Activity.Add(entry)
	}
}

// actor is the session handle, or the body's user when signed out.
func actor(r *http.Request, bodyUser string) string {
	if handle := middleware.GetHandle(r.Context()); handle != "" {
		return handle
	}
	return strings.TrimSpace(bodyUser)
}

func intQuery(r *http.Request, key string, def int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, svcerrors.Validation(key, key+" must be a non-negative integer")
	}
	return v, nil
}
