package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"satpress.org/internal/audit"
	"satpress.org/internal/blog"
)

type connectRequest struct {
	Host     string `json:"host"`
	Cert     string `json:"cert"`
	Macaroon string `json:"macaroon"`
}

// connectNode validates and caches a connection to the caller's payment
// node, replacing any previous one. Credentials are persisted so the
// connection survives restarts.
func (a *API) connectNode(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUserID(w, r)
	if !ok {
		return
	}
	var req connectRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req.Host = strings.TrimSpace(req.Host)
	if req.Host == "" || strings.TrimSpace(req.Cert) == "" || strings.TrimSpace(req.Macaroon) == "" {
		writeError(w, r, http.StatusBadRequest, "host, cert and macaroon are required")
		return
	}

	ctx := r.Context()
	nodes := a.store.Nodes(ctx)

	if old, err := nodes.FindByUser(ctx, userID); err == nil {
		_ = a.manager.Disconnect(old.Token)
		if err := nodes.DeleteByToken(ctx, old.Token); err != nil {
			handleWorkflowError(w, r, err)
			return
		}
	} else if !errors.Is(err, blog.ErrNotFound) {
		handleWorkflowError(w, r, err)
		return
	}

	res, err := a.manager.Connect(ctx, req.Host, req.Cert, req.Macaroon, "")
	if err != nil {
		handleWorkflowError(w, r, err)
		return
	}

	rec := &blog.NodeRecord{
		UserID:   userID,
		Token:    res.Token,
		Host:     req.Host,
		Cert:     req.Cert,
		Macaroon: req.Macaroon,
		Pubkey:   res.Pubkey,
	}
	if err := nodes.Create(ctx, rec); err != nil {
		_ = a.manager.Disconnect(res.Token)
		handleWorkflowError(w, r, err)
		return
	}
	if err := a.store.Users(ctx).SetNode(ctx, userID, rec.ID); err != nil {
		handleWorkflowError(w, r, err)
		return
	}

	_ = audit.LogEvent(ctx, "node.connect", map[string]any{
		"node_id": rec.ID,
		"host":    rec.Host,
		"pubkey":  rec.Pubkey,
	})
	writeJSON(w, http.StatusCreated, rec)
}

func (a *API) getNode(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUserID(w, r)
	if !ok {
		return
	}
	rec, err := a.store.Nodes(r.Context()).FindByUser(r.Context(), userID)
	if err != nil {
		handleWorkflowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) nodeStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := a.store.Nodes(r.Context()).Find(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleWorkflowError(w, r, err)
		return
	}
	status := map[string]any{
		"id":        rec.ID,
		"pubkey":    rec.Pubkey,
		"connected": false,
	}
	if client, err := a.manager.Client(rec.Token); err == nil {
		status["connected"] = true
		if info, err := client.GetInfo(r.Context()); err == nil {
			status["alias"] = info.Alias
		}
	}
	writeJSON(w, http.StatusOK, status)
}

func (a *API) disconnectNode(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUserID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	rec, err := a.store.Nodes(ctx).FindByUser(ctx, userID)
	if err != nil {
		handleWorkflowError(w, r, err)
		return
	}
	_ = a.manager.Disconnect(rec.Token)
	if err := a.store.Nodes(ctx).DeleteByToken(ctx, rec.Token); err != nil {
		handleWorkflowError(w, r, err)
		return
	}
	if err := a.store.Users(ctx).SetNode(ctx, userID, ""); err != nil {
		handleWorkflowError(w, r, err)
		return
	}

	_ = audit.LogEvent(ctx, "node.disconnect", map[string]any{"node_id": rec.ID})
	w.WriteHeader(http.StatusNoContent)
}
