package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"satpress.org/internal/audit"
	"satpress.org/internal/blog"
)

type postRequest struct {
	Title     string `json:"title"`
	Content   string `json:"content"`
	PriceSats int64  `json:"price"`
	Published bool   `json:"published"`
}

// postView is the read-side shape of a post. Locked marks paid content the
// caller has not unlocked; such views carry no body.
type postView struct {
	*blog.Post
	Locked bool `json:"locked"`
}

func lockedView(p *blog.Post) postView {
	cp := *p
	cp.Content = ""
	return postView{Post: &cp, Locked: true}
}

func openView(p *blog.Post) postView {
	return postView{Post: p}
}

// listViews redacts paid content wholesale; individual access checks
// happen on single-post reads.
func listViews(posts []*blog.Post) []postView {
	out := make([]postView, 0, len(posts))
	for _, p := range posts {
		if p.PriceSats > 0 {
			out = append(out, lockedView(p))
			continue
		}
		out = append(out, openView(p))
	}
	return out
}

func (a *API) listPosts(w http.ResponseWriter, r *http.Request) {
	page, err := parsePositiveInt(r.URL.Query().Get("page"), 1, 1, 1<<20)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "page must be a positive integer")
		return
	}
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 10, 1, 100)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "limit must be between 1 and 100")
		return
	}
	filter := blog.PostFilter{
		FreeOnly: r.URL.Query().Get("free") == "true",
		Page:     page,
		Limit:    limit,
	}
	posts, err := a.store.Posts(r.Context()).List(r.Context(), filter)
	if err != nil {
		handleWorkflowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": listViews(posts), "page": page})
}

func (a *API) createPost(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUserID(w, r)
	if !ok {
		return
	}
	var req postRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		writeError(w, r, http.StatusBadRequest, "title is required")
		return
	}
	if req.PriceSats < 0 {
		writeError(w, r, http.StatusBadRequest, "price must be >= 0")
		return
	}

	post := &blog.Post{
		AuthorID:  userID,
		Title:     req.Title,
		Content:   req.Content,
		PriceSats: req.PriceSats,
		Published: req.Published,
	}
	if err := a.store.Posts(r.Context()).Create(r.Context(), post); err != nil {
		handleWorkflowError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/posts/"+post.ID)
	writeJSON(w, http.StatusCreated, openView(post))
}

func (a *API) getPost(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUserID(w, r)
	if !ok {
		return
	}
	post, err := a.store.Posts(r.Context()).Find(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleWorkflowError(w, r, err)
		return
	}
	if !post.Published && post.AuthorID != userID {
		writeError(w, r, http.StatusNotFound, blog.ErrNotFound.Error())
		return
	}
	granted, err := a.paywall.CheckAccess(r.Context(), userID, post.ID)
	if err != nil {
		handleWorkflowError(w, r, err)
		return
	}
	if !granted {
		writeJSON(w, http.StatusOK, lockedView(post))
		return
	}
	writeJSON(w, http.StatusOK, openView(post))
}

func (a *API) updatePost(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUserID(w, r)
	if !ok {
		return
	}
	post, err := a.store.Posts(r.Context()).Find(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleWorkflowError(w, r, err)
		return
	}
	if post.AuthorID != userID {
		writeError(w, r, http.StatusForbidden, "only the author can edit a post")
		return
	}
	var req postRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		writeError(w, r, http.StatusBadRequest, "title is required")
		return
	}
	if req.PriceSats < 0 {
		writeError(w, r, http.StatusBadRequest, "price must be >= 0")
		return
	}

	post.Title = req.Title
	post.Content = req.Content
	post.PriceSats = req.PriceSats
	post.Published = req.Published
	if err := a.store.Posts(r.Context()).Update(r.Context(), post); err != nil {
		handleWorkflowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, openView(post))
}

func (a *API) deletePost(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUserID(w, r)
	if !ok {
		return
	}
	post, err := a.store.Posts(r.Context()).Find(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleWorkflowError(w, r, err)
		return
	}
	if post.AuthorID != userID {
		writeError(w, r, http.StatusForbidden, "only the author can delete a post")
		return
	}
	if err := a.store.Posts(r.Context()).Delete(r.Context(), post.ID); err != nil {
		handleWorkflowError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) listDrafts(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUserID(w, r)
	if !ok {
		return
	}
	posts, err := a.store.Posts(r.Context()).List(r.Context(), blog.PostFilter{
		AuthorID: userID,
		Drafts:   true,
	})
	if err != nil {
		handleWorkflowError(w, r, err)
		return
	}
	views := make([]postView, 0, len(posts))
	for _, p := range posts {
		views = append(views, openView(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": views})
}

// --- paywall endpoints ---

func (a *API) postInvoice(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUserID(w, r)
	if !ok {
		return
	}
	inv, err := a.paywall.RequestInvoice(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		handleWorkflowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"payment_request": inv.PaymentRequest,
		"hash":            inv.Hash,
		"amount":          inv.AmountSats,
	})
}

func (a *API) getPayment(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUserID(w, r)
	if !ok {
		return
	}
	granted, err := a.paywall.CheckAccess(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		handleWorkflowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"granted": granted})
}

type confirmRequest struct {
	Hash string `json:"hash"`
}

func (a *API) confirmPayment(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUserID(w, r)
	if !ok {
		return
	}
	var req confirmRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Hash) == "" {
		writeError(w, r, http.StatusBadRequest, "hash is required")
		return
	}
	grant, err := a.paywall.ConfirmPayment(r.Context(), userID, chi.URLParam(r, "id"), req.Hash)
	if err != nil {
		handleWorkflowError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "payment.confirm", map[string]any{
		"grant_id": grant.ID,
		"post_id":  grant.PostID,
		"author":   grant.AuthorID,
		"amount":   grant.AmountSats,
	})
	writeJSON(w, http.StatusCreated, grant)
}
