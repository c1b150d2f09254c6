package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"satpress.org/internal/auth"
	"satpress.org/internal/blog"
)

type registerRequest struct {
	Name     string `json:"name"`
	Password string `json:"password"`
	Blog     string `json:"blog"`
}

type loginRequest struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token"`
	ExpiresAt    time.Time  `json:"expires_at"`
	User         *blog.User `json:"user,omitempty"`
}

func (a *API) registerUser(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeError(w, r, http.StatusBadRequest, "name is required")
		return
	}
	if len(req.Password) < 8 {
		writeError(w, r, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	user := &blog.User{
		Name:         req.Name,
		Blog:         req.Blog,
		PasswordHash: hash,
	}
	if err := a.store.Users(r.Context()).Create(r.Context(), user); err != nil {
		handleWorkflowError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/users/"+user.ID)
	writeJSON(w, http.StatusCreated, user)
}

func (a *API) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	user, err := a.store.Users(r.Context()).FindByName(r.Context(), strings.TrimSpace(req.Name))
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err := auth.VerifyPassword(user.PasswordHash, req.Password); err != nil {
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
		return
	}
	a.issueTokens(w, r, user, true)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (a *API) refreshToken(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	raw, rec, err := a.sessions.Rotate(r.Context(), req.RefreshToken)
	if err != nil {
		handleWorkflowError(w, r, err)
		return
	}
	user, err := a.store.Users(r.Context()).Find(r.Context(), rec.UserID)
	if err != nil {
		handleWorkflowError(w, r, err)
		return
	}
	access, err := auth.GenerateToken(user.ID, user.Name, a.accessTTL)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  access,
		RefreshToken: raw,
		ExpiresAt:    time.Now().UTC().Add(a.accessTTL),
	})
}

func (a *API) logout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.sessions.Revoke(r.Context(), req.RefreshToken); err != nil {
		handleWorkflowError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) issueTokens(w http.ResponseWriter, r *http.Request, user *blog.User, includeUser bool) {
	access, err := auth.GenerateToken(user.ID, user.Name, a.accessTTL)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	refresh, _, err := a.sessions.Issue(r.Context(), user.ID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	resp := tokenResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    time.Now().UTC().Add(a.accessTTL),
	}
	if includeUser {
		resp.User = user
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) currentUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUserID(w, r)
	if !ok {
		return
	}
	user, err := a.store.Users(r.Context()).Find(r.Context(), userID)
	if err != nil {
		handleWorkflowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

type updateUserRequest struct {
	Blog                  string `json:"blog"`
	SubscriptionPriceSats int64  `json:"subscription_price"`
}

func (a *API) updateUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUserID(w, r)
	if !ok {
		return
	}
	if chi.URLParam(r, "id") != userID {
		writeError(w, r, http.StatusForbidden, "cannot update another user")
		return
	}
	var req updateUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.SubscriptionPriceSats < 0 {
		writeError(w, r, http.StatusBadRequest, "subscription_price must be >= 0")
		return
	}
	user, err := a.store.Users(r.Context()).Find(r.Context(), userID)
	if err != nil {
		handleWorkflowError(w, r, err)
		return
	}
	user.Blog = req.Blog
	user.SubscriptionPriceSats = req.SubscriptionPriceSats
	if err := a.store.Users(r.Context()).Update(r.Context(), user); err != nil {
		handleWorkflowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) listUserPosts(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	user, err := a.store.Users(r.Context()).FindByName(r.Context(), username)
	if err != nil {
		handleWorkflowError(w, r, err)
		return
	}
	page, err := parsePositiveInt(r.URL.Query().Get("page"), 1, 1, 1<<20)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "page must be a positive integer")
		return
	}
	posts, err := a.store.Posts(r.Context()).List(r.Context(), blog.PostFilter{
		AuthorID: user.ID,
		Page:     page,
	})
	if err != nil {
		handleWorkflowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"author": user.Name,
		"items":  listViews(posts),
		"page":   page,
	})
}

// --- subscriptions ---

type subscribeRequest struct {
	AuthorID string `json:"author_id"`
}

func (a *API) createSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUserID(w, r)
	if !ok {
		return
	}
	var req subscribeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.AuthorID) == "" {
		writeError(w, r, http.StatusBadRequest, "author_id is required")
		return
	}
	if req.AuthorID == userID {
		writeError(w, r, http.StatusBadRequest, "cannot subscribe to yourself")
		return
	}
	if _, err := a.store.Users(r.Context()).Find(r.Context(), req.AuthorID); err != nil {
		handleWorkflowError(w, r, err)
		return
	}
	sub := &blog.Subscription{ReaderID: userID, AuthorID: req.AuthorID}
	if err := a.store.Subscriptions(r.Context()).Create(r.Context(), sub); err != nil {
		handleWorkflowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (a *API) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUserID(w, r)
	if !ok {
		return
	}
	subs, err := a.store.Subscriptions(r.Context()).ListByReader(r.Context(), userID)
	if err != nil {
		handleWorkflowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": subs})
}

func (a *API) deleteSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUserID(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	subs, err := a.store.Subscriptions(r.Context()).ListByReader(r.Context(), userID)
	if err != nil {
		handleWorkflowError(w, r, err)
		return
	}
	for _, sub := range subs {
		if sub.ID == id {
			if err := a.store.Subscriptions(r.Context()).Delete(r.Context(), id); err != nil {
				handleWorkflowError(w, r, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	writeError(w, r, http.StatusNotFound, blog.ErrNotFound.Error())
}
