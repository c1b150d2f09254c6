package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"satpress.org/internal/auth"
	"satpress.org/internal/blog"
	"satpress.org/internal/lightning"
	"satpress.org/internal/paywall"
)

// fakeNode is a scriptable in-process payment node.
type fakeNode struct {
	mu      sync.Mutex
	pubkey  string
	counter int
	settled map[string]int64
	failAll bool
}

func newFakeNode(pubkey string) *fakeNode {
	return &fakeNode{pubkey: pubkey, settled: make(map[string]int64)}
}

func (c *fakeNode) GetInfo(ctx context.Context) (lightning.NodeInfo, error) {
	if c.failAll {
		return lightning.NodeInfo{}, fmt.Errorf("connection refused")
	}
	return lightning.NodeInfo{Pubkey: c.pubkey, Alias: "fake"}, nil
}

func (c *fakeNode) ChannelBalance(ctx context.Context) (lightning.Balance, error) {
	return lightning.Balance{Sats: 500_000}, nil
}

func (c *fakeNode) AddInvoice(ctx context.Context, amountSats int64) (lightning.Invoice, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counter++
	hash := fmt.Sprintf("%s-inv-%d", c.pubkey, c.counter)
	return lightning.Invoice{PaymentRequest: "lnbc-" + hash, Hash: hash, AmountSats: amountSats}, nil
}

func (c *fakeNode) LookupInvoice(ctx context.Context, hash string) (lightning.InvoiceStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	paid, ok := c.settled[hash]
	return lightning.InvoiceStatus{Settled: ok, AmountPaidSats: paid}, nil
}

func (c *fakeNode) SubscribeInvoices(ctx context.Context) (<-chan lightning.InvoiceEvent, error) {
	out := make(chan lightning.InvoiceEvent)
	go func() {
		<-ctx.Done()
		close(out)
	}()
	return out, nil
}

func (c *fakeNode) Close() error { return nil }

func (c *fakeNode) settle(hash string, paid int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settled[hash] = paid
}

type testAPI struct {
	handler http.Handler
	store   *blog.InMemory
	node    *fakeNode
	mgr     *lightning.Manager
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	auth.ResetSecretForTests()
	t.Setenv("SATPRESS_AUTH_SECRET", "handler-test-secret")
	t.Cleanup(auth.ResetSecretForTests)

	ta := &testAPI{
		store: blog.NewInMemory(),
		node:  newFakeNode("pk-test"),
	}
	ta.mgr = lightning.NewManager(func(ctx context.Context, host, cert, macaroon string) (lightning.Client, error) {
		return ta.node, nil
	})
	t.Cleanup(ta.mgr.Shutdown)

	svc := paywall.NewService(ta.store, paywall.NewInMemoryGrants(), ta.mgr)
	api := New(Config{
		Store:    ta.store,
		Paywall:  svc,
		Manager:  ta.mgr,
		Sessions: auth.NewSessions(auth.NewInMemoryRefreshTokens()),
		Version:  "test",
	})
	ta.handler = api.Handler()
	return ta
}

func (ta *testAPI) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		payload = bytes.NewBuffer(data)
	} else {
		payload = bytes.NewBuffer(nil)
	}
	req := httptest.NewRequest(method, path, payload)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	ta.handler.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
}

// register creates a user and returns their access token.
func (ta *testAPI) register(t *testing.T, name string) string {
	t.Helper()
	rr := ta.do(t, http.MethodPost, "/v1/users", "", map[string]any{
		"name": name, "password": "correct horse", "blog": name + "'s blog",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("register %s: %d %s", name, rr.Code, rr.Body.String())
	}
	rr = ta.do(t, http.MethodPost, "/v1/login", "", map[string]any{
		"name": name, "password": "correct horse",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("login %s: %d %s", name, rr.Code, rr.Body.String())
	}
	var resp struct {
		AccessToken string `json:"access_token"`
	}
	decodeBody(t, rr, &resp)
	return resp.AccessToken
}

func (ta *testAPI) connectNode(t *testing.T, token string) {
	t.Helper()
	rr := ta.do(t, http.MethodPost, "/v1/connect", token, map[string]any{
		"host": "node:8080", "cert": "cert", "macaroon": "mac",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("connect: %d %s", rr.Code, rr.Body.String())
	}
}

func (ta *testAPI) createPost(t *testing.T, token string, price int64) string {
	t.Helper()
	rr := ta.do(t, http.MethodPost, "/v1/posts", token, map[string]any{
		"title": "a post", "content": "the secret content", "price": price, "published": true,
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create post: %d %s", rr.Code, rr.Body.String())
	}
	var post struct {
		ID string `json:"id"`
	}
	decodeBody(t, rr, &post)
	return post.ID
}

func TestHealthz(t *testing.T) {
	ta := newTestAPI(t)
	rr := ta.do(t, http.MethodGet, "/healthz", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	ta := newTestAPI(t)
	rr := ta.do(t, http.MethodGet, "/v1/users/current", "", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	rr = ta.do(t, http.MethodGet, "/v1/users/current", "garbage-token", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", rr.Code)
	}
}

func TestPublishedListIsPublic(t *testing.T) {
	ta := newTestAPI(t)
	token := ta.register(t, "alice")
	ta.createPost(t, token, 0)

	rr := ta.do(t, http.MethodGet, "/v1/posts", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp struct {
		Items []struct {
			Title string `json:"title"`
		} `json:"items"`
	}
	decodeBody(t, rr, &resp)
	if len(resp.Items) != 1 {
		t.Fatalf("expected one post, got %+v", resp.Items)
	}
}

func TestRegisterDuplicateName(t *testing.T) {
	ta := newTestAPI(t)
	ta.register(t, "alice")
	rr := ta.do(t, http.MethodPost, "/v1/users", "", map[string]any{
		"name": "Alice", "password": "correct horse",
	})
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestSessionRefreshAndLogout(t *testing.T) {
	ta := newTestAPI(t)
	ta.register(t, "alice")
	rr := ta.do(t, http.MethodPost, "/v1/login", "", map[string]any{
		"name": "alice", "password": "correct horse",
	})
	var login struct {
		RefreshToken string `json:"refresh_token"`
	}
	decodeBody(t, rr, &login)

	rr = ta.do(t, http.MethodPost, "/v1/token/refresh", "", map[string]any{
		"refresh_token": login.RefreshToken,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("refresh: %d %s", rr.Code, rr.Body.String())
	}
	var refreshed struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	decodeBody(t, rr, &refreshed)
	if refreshed.RefreshToken == login.RefreshToken {
		t.Fatal("refresh token was not rotated")
	}

	// Old credential is dead; the new one can be revoked.
	rr = ta.do(t, http.MethodPost, "/v1/token/refresh", "", map[string]any{
		"refresh_token": login.RefreshToken,
	})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for stale refresh token, got %d", rr.Code)
	}
	rr = ta.do(t, http.MethodDelete, "/v1/token", refreshed.AccessToken, map[string]any{
		"refresh_token": refreshed.RefreshToken,
	})
	if rr.Code != http.StatusNoContent {
		t.Fatalf("logout: %d %s", rr.Code, rr.Body.String())
	}
}

func TestConnectFailureReturnsBadRequest(t *testing.T) {
	ta := newTestAPI(t)
	token := ta.register(t, "alice")
	ta.node.failAll = true

	rr := ta.do(t, http.MethodPost, "/v1/connect", token, map[string]any{
		"host": "node:8080", "cert": "cert", "macaroon": "mac",
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for failed probe, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestInvoiceWithoutNodeReturns503(t *testing.T) {
	ta := newTestAPI(t)
	alice := ta.register(t, "alice")
	bob := ta.register(t, "bob")
	postID := ta.createPost(t, alice, 1000)

	rr := ta.do(t, http.MethodPost, "/v1/posts/"+postID+"/invoice", bob, nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestPaywallEndToEnd(t *testing.T) {
	ta := newTestAPI(t)
	alice := ta.register(t, "alice")
	bob := ta.register(t, "bob")
	ta.connectNode(t, alice)
	postID := ta.createPost(t, alice, 10_000)

	// Self-payment is forbidden.
	rr := ta.do(t, http.MethodPost, "/v1/posts/"+postID+"/invoice", alice, nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for self payment, got %d", rr.Code)
	}

	// Bob sees the post locked.
	rr = ta.do(t, http.MethodGet, "/v1/posts/"+postID, bob, nil)
	var locked struct {
		Content string `json:"content"`
		Locked  bool   `json:"locked"`
	}
	decodeBody(t, rr, &locked)
	if !locked.Locked || locked.Content != "" {
		t.Fatalf("expected locked view, got %+v", locked)
	}

	// Invoice, unsettled confirm, settle, confirm.
	rr = ta.do(t, http.MethodPost, "/v1/posts/"+postID+"/invoice", bob, nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("invoice: %d %s", rr.Code, rr.Body.String())
	}
	var inv struct {
		Hash   string `json:"hash"`
		Amount int64  `json:"amount"`
	}
	decodeBody(t, rr, &inv)
	if inv.Amount != 10_000 {
		t.Fatalf("expected 10000 sat invoice, got %d", inv.Amount)
	}

	rr = ta.do(t, http.MethodPost, "/v1/posts/"+postID+"/payments", bob, map[string]any{"hash": inv.Hash})
	if rr.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402 before settlement, got %d", rr.Code)
	}

	ta.node.settle(inv.Hash, inv.Amount)
	rr = ta.do(t, http.MethodPost, "/v1/posts/"+postID+"/payments", bob, map[string]any{"hash": inv.Hash})
	if rr.Code != http.StatusCreated {
		t.Fatalf("confirm: %d %s", rr.Code, rr.Body.String())
	}

	// Content unlocks, access reads true, re-invoice conflicts.
	rr = ta.do(t, http.MethodGet, "/v1/posts/"+postID, bob, nil)
	var unlocked struct {
		Content string `json:"content"`
		Locked  bool   `json:"locked"`
	}
	decodeBody(t, rr, &unlocked)
	if unlocked.Locked || unlocked.Content != "the secret content" {
		t.Fatalf("expected unlocked view, got %+v", unlocked)
	}

	rr = ta.do(t, http.MethodGet, "/v1/posts/"+postID+"/payments", bob, nil)
	var access struct {
		Granted bool `json:"granted"`
	}
	decodeBody(t, rr, &access)
	if !access.Granted {
		t.Fatal("expected granted access")
	}

	rr = ta.do(t, http.MethodPost, "/v1/posts/"+postID+"/invoice", bob, nil)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 for re-invoice, got %d", rr.Code)
	}
}

func TestNodeLifecycle(t *testing.T) {
	ta := newTestAPI(t)
	alice := ta.register(t, "alice")
	ta.connectNode(t, alice)

	rr := ta.do(t, http.MethodGet, "/v1/node", alice, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get node: %d", rr.Code)
	}
	var rec struct {
		ID     string `json:"id"`
		Pubkey string `json:"pubkey"`
	}
	decodeBody(t, rr, &rec)
	if rec.Pubkey != "pk-test" {
		t.Fatalf("unexpected record: %+v", rec)
	}

	rr = ta.do(t, http.MethodGet, "/v1/nodes/"+rec.ID+"/status", alice, nil)
	var status struct {
		Connected bool `json:"connected"`
	}
	decodeBody(t, rr, &status)
	if !status.Connected {
		t.Fatal("expected connected status")
	}

	rr = ta.do(t, http.MethodDelete, "/v1/node", alice, nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("disconnect: %d %s", rr.Code, rr.Body.String())
	}
	rr = ta.do(t, http.MethodGet, "/v1/node", alice, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after disconnect, got %d", rr.Code)
	}
}

func TestPostOwnership(t *testing.T) {
	ta := newTestAPI(t)
	alice := ta.register(t, "alice")
	bob := ta.register(t, "bob")
	postID := ta.createPost(t, alice, 0)

	rr := ta.do(t, http.MethodPut, "/v1/posts/"+postID, bob, map[string]any{
		"title": "hijacked", "content": "x", "price": 0, "published": true,
	})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	rr = ta.do(t, http.MethodDelete, "/v1/posts/"+postID, bob, nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
}

func TestSubscriptions(t *testing.T) {
	ta := newTestAPI(t)
	alice := ta.register(t, "alice")
	bob := ta.register(t, "bob")

	rr := ta.do(t, http.MethodGet, "/v1/users/current", alice, nil)
	var aliceUser struct {
		ID string `json:"id"`
	}
	decodeBody(t, rr, &aliceUser)

	rr = ta.do(t, http.MethodPost, "/v1/subscriptions", bob, map[string]any{"author_id": aliceUser.ID})
	if rr.Code != http.StatusCreated {
		t.Fatalf("subscribe: %d %s", rr.Code, rr.Body.String())
	}
	var sub struct {
		ID string `json:"id"`
	}
	decodeBody(t, rr, &sub)

	// Duplicate follows conflict.
	rr = ta.do(t, http.MethodPost, "/v1/subscriptions", bob, map[string]any{"author_id": aliceUser.ID})
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}

	rr = ta.do(t, http.MethodDelete, "/v1/subscriptions/"+sub.ID, alice, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 deleting another reader's follow, got %d", rr.Code)
	}
	rr = ta.do(t, http.MethodDelete, "/v1/subscriptions/"+sub.ID, bob, nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("unsubscribe: %d", rr.Code)
	}
}

func TestUserPostsByName(t *testing.T) {
	ta := newTestAPI(t)
	alice := ta.register(t, "alice")
	ta.createPost(t, alice, 0)
	ta.createPost(t, alice, 500)

	bob := ta.register(t, "bob")
	rr := ta.do(t, http.MethodGet, "/v1/users/alice/posts", bob, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Author string `json:"author"`
		Items  []struct {
			Locked bool `json:"locked"`
		} `json:"items"`
	}
	decodeBody(t, rr, &resp)
	if resp.Author != "alice" || len(resp.Items) != 2 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestDraftsVisibleToAuthorOnly(t *testing.T) {
	ta := newTestAPI(t)
	alice := ta.register(t, "alice")
	rr := ta.do(t, http.MethodPost, "/v1/posts", alice, map[string]any{
		"title": "wip", "content": "draft body", "price": 0, "published": false,
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create draft: %d", rr.Code)
	}
	var draft struct {
		ID string `json:"id"`
	}
	decodeBody(t, rr, &draft)

	rr = ta.do(t, http.MethodGet, "/v1/posts/drafts", alice, nil)
	var drafts struct {
		Items []struct {
			ID string `json:"id"`
		} `json:"items"`
	}
	decodeBody(t, rr, &drafts)
	if len(drafts.Items) != 1 || drafts.Items[0].ID != draft.ID {
		t.Fatalf("unexpected drafts: %+v", drafts)
	}

	bob := ta.register(t, "bob")
	rr = ta.do(t, http.MethodGet, "/v1/posts/"+draft.ID, bob, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected draft hidden from others, got %d", rr.Code)
	}

	// Not listed publicly either.
	rr = ta.do(t, http.MethodGet, "/v1/posts", "", nil)
	var list struct {
		Items []any `json:"items"`
	}
	decodeBody(t, rr, &list)
	if len(list.Items) != 0 {
		t.Fatalf("draft leaked into public list: %+v", list)
	}
}
