// Package httpapi is the HTTP surface of the platform: content CRUD, the
// node connection endpoints, the payment workflow and the settlement
// event stream.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"satpress.org/internal/auth"
	"satpress.org/internal/blog"
	"satpress.org/internal/lightning"
	"satpress.org/internal/obs"
	"satpress.org/internal/paywall"
)

// ReadyProbe reports readiness, typically by pinging the database.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Config carries the API's collaborators.
type Config struct {
	Store      blog.Store
	Paywall    *paywall.Service
	Manager    *lightning.Manager
	Sessions   *auth.Sessions
	ReadyProbe ReadyProbe
	Version    string
	AccessTTL  time.Duration
}

// API is the HTTP layer.
type API struct {
	r          chi.Router
	store      blog.Store
	paywall    *paywall.Service
	manager    *lightning.Manager
	sessions   *auth.Sessions
	readyProbe ReadyProbe
	version    string
	accessTTL  time.Duration
}

func New(cfg Config) *API {
	a := &API{
		r:          chi.NewRouter(),
		store:      cfg.Store,
		paywall:    cfg.Paywall,
		manager:    cfg.Manager,
		sessions:   cfg.Sessions,
		readyProbe: cfg.ReadyProbe,
		version:    cfg.Version,
		accessTTL:  cfg.AccessTTL,
	}
	if a.accessTTL <= 0 {
		a.accessTTL = auth.DefaultAccessTTL
	}

	r := a.r
	r.Get("/healthz", a.healthz)
	r.Get("/readyz", a.ready)
	r.Handle("/metrics", obs.Handler())

	r.Route("/v1", func(r chi.Router) {
		// Users and sessions.
		r.Post("/users", a.registerUser)
		r.Post("/login", a.login)
		r.Post("/token/refresh", a.refreshToken)
		r.Delete("/token", a.logout)
		r.Get("/users/current", a.currentUser)
		r.Put("/users/{id}", a.updateUser)
		r.Get("/users/{username}/posts", a.listUserPosts)

		// Node connection.
		r.Post("/connect", a.connectNode)
		r.Get("/node", a.getNode)
		r.Delete("/node", a.disconnectNode)
		r.Get("/nodes/{id}/status", a.nodeStatus)

		// Posts and the paywall.
		r.Get("/posts", a.listPosts)
		r.Post("/posts", a.createPost)
		r.Get("/posts/drafts", a.listDrafts)
		r.Get("/posts/{id}", a.getPost)
		r.Put("/posts/{id}", a.updatePost)
		r.Delete("/posts/{id}", a.deletePost)
		r.Post("/posts/{id}/invoice", a.postInvoice)
		r.Get("/posts/{id}/payments", a.getPayment)
		r.Post("/posts/{id}/payments", a.confirmPayment)

		// Reader follows.
		r.Get("/subscriptions", a.listSubscriptions)
		r.Post("/subscriptions", a.createSubscription)
		r.Delete("/subscriptions/{id}", a.deleteSubscription)

		// Settlement push.
		r.Get("/events", a.events)
	})

	return a
}

// Handler returns the fully wrapped http.Handler for the server.
func (a *API) Handler() http.Handler {
	h := a.withAuth(a.r)
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, 50, 25)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "satpress-api",
		"version": a.version,
	})
}

func (a *API) ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// handleWorkflowError maps the typed domain errors onto distinct status
// codes so clients can react without string matching.
func handleWorkflowError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, paywall.ErrSelfPayment):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, paywall.ErrAlreadyGranted):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, paywall.ErrPaymentNotSettled):
		writeError(w, r, http.StatusPaymentRequired, err.Error())
	case errors.Is(err, paywall.ErrFreeContent):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, paywall.ErrNodeNotConnected),
		errors.Is(err, lightning.ErrNodeUnresponsive):
		writeError(w, r, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, lightning.ErrNotAuthorized):
		writeError(w, r, http.StatusUnauthorized, err.Error())
	case errors.Is(err, lightning.ErrValidationFailed):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, blog.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, blog.ErrAlreadyExists):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrUnauthorized):
		writeError(w, r, http.StatusUnauthorized, "unauthorized")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("value must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("value out of range")
	}
	return val, nil
}

func currentUserID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return "", false
	}
	return id, true
}
