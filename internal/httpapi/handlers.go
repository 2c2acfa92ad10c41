package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/abdullahbinali3/visitor-tablet-api/internal/auth"
	"github.com/abdullahbinali3/visitor-tablet-api/internal/obs"
	"github.com/abdullahbinali3/visitor-tablet-api/internal/permcache"
	"github.com/abdullahbinali3/visitor-tablet-api/internal/store/pg"
	"github.com/abdullahbinali3/visitor-tablet-api/internal/stream"
	"github.com/abdullahbinali3/visitor-tablet-api/internal/workplace"
)

// ReadyProbe pings the database for the readiness endpoint.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// CredentialReader resolves an account for password login.
type CredentialReader interface {
	UserCredentials(ctx context.Context, email string) (pg.Credentials, error)
}

// API is the HTTP layer over the workplace store.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string

	store  workplace.Store
	creds  CredentialReader
	tokens *auth.TokenService
	roles  *permcache.Resolver
	stream *stream.Stream
}

// Config carries the API's collaborators.
type Config struct {
	ReadyProbe  ReadyProbe
	Version     string
	Store       workplace.Store
	Credentials CredentialReader
	Tokens      *auth.TokenService
	Roles       *permcache.Resolver
	Stream      *stream.Stream
}

func New(cfg Config) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: cfg.ReadyProbe,
		version:    cfg.Version,
		store:      cfg.Store,
		creds:      cfg.Credentials,
		tokens:     cfg.Tokens,
		roles:      cfg.Roles,
		stream:     cfg.Stream,
	}

	// health/ready/info
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("GET /metrics", obs.Handler())

	// auth
	a.mux.HandleFunc("POST /v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("POST /v1/auth/refresh", a.handleRefresh)
	a.mux.HandleFunc("POST /v1/auth/logout", a.handleLogout)

	// organization membership
	a.mux.HandleFunc("GET /v1/organizations/{orgID}/users/{uid}/role", a.handleGetRole)
	a.mux.HandleFunc("PUT /v1/organizations/{orgID}/users/{uid}/note", a.handleUpdateNote)
	a.mux.HandleFunc("POST /v1/organizations/{orgID}/users", a.handleAddUserToOrganization)
	a.mux.HandleFunc("PUT /v1/organizations/{orgID}/users/{uid}", a.handleUpdateUserOrganization)
	a.mux.HandleFunc("DELETE /v1/organizations/{orgID}/users/{uid}", a.handleRemoveUserFromOrganization)

	// building membership
	a.mux.HandleFunc("POST /v1/organizations/{orgID}/buildings/{buildingID}/users", a.handleAddUserToBuilding)
	a.mux.HandleFunc("PUT /v1/organizations/{orgID}/buildings/{buildingID}/users/{uid}", a.handleUpdateUserBuilding)
	a.mux.HandleFunc("DELETE /v1/organizations/{orgID}/buildings/{buildingID}/users/{uid}", a.handleRemoveUserFromBuilding)

	// last used building pointer
	a.mux.HandleFunc("GET /v1/users/{uid}/last-used-building", a.handleGetLastUsedBuilding)
	a.mux.HandleFunc("PUT /v1/users/{uid}/last-used-building", a.handleSetLastUsedBuilding)

	// live mutation feed
	a.mux.HandleFunc("GET /v1/stream/mutations", a.Stream)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler wraps the mux with authentication and metrics.
func (a *API) Handler() http.Handler {
	return obs.Instrument(a.withAuth(a.mux))
}

// Mux exposes the raw router, used by tests that bypass authentication.
func (a *API) Mux() http.Handler { return a.mux }

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "vtapi",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "vtapi",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid request body")
	}
	return nil
}
