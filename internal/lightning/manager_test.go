package lightning

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// mockClient is a scriptable node adapter.
type mockClient struct {
	pubkey      string
	infoErr     error
	balanceErr  error
	invoiceErr  error
	lookupErr   error
	stall       bool
	events      chan InvoiceEvent
	mu          sync.Mutex
	closed      bool
	addInvoices int
}

func newMockClient(pubkey string) *mockClient {
	return &mockClient{pubkey: pubkey, events: make(chan InvoiceEvent, 8)}
}

func (c *mockClient) GetInfo(ctx context.Context) (NodeInfo, error) {
	if c.stall {
		<-ctx.Done()
		return NodeInfo{}, ctx.Err()
	}
	if c.infoErr != nil {
		return NodeInfo{}, c.infoErr
	}
	return NodeInfo{Pubkey: c.pubkey, Alias: "mock"}, nil
}

func (c *mockClient) ChannelBalance(ctx context.Context) (Balance, error) {
	if c.balanceErr != nil {
		return Balance{}, c.balanceErr
	}
	return Balance{Sats: 100000}, nil
}

func (c *mockClient) AddInvoice(ctx context.Context, amountSats int64) (Invoice, error) {
	if c.invoiceErr != nil {
		return Invoice{}, c.invoiceErr
	}
	c.mu.Lock()
	c.addInvoices++
	c.mu.Unlock()
	return Invoice{PaymentRequest: "lnbc1probe", Hash: "probe-hash", AmountSats: amountSats}, nil
}

func (c *mockClient) LookupInvoice(ctx context.Context, hash string) (InvoiceStatus, error) {
	if c.lookupErr != nil {
		return InvoiceStatus{}, c.lookupErr
	}
	return InvoiceStatus{Settled: false}, nil
}

func (c *mockClient) SubscribeInvoices(ctx context.Context) (<-chan InvoiceEvent, error) {
	out := make(chan InvoiceEvent)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-c.events:
				if !ok {
					return
				}
				select {
				case out <- evt:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (c *mockClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *mockClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func dialerFor(clients map[string]*mockClient) Dialer {
	return func(ctx context.Context, host, cert, macaroon string) (Client, error) {
		c, ok := clients[host]
		if !ok {
			return nil, errors.New("unreachable host")
		}
		return c, nil
	}
}

func TestConnectAndClient(t *testing.T) {
	mock := newMockClient("pk1")
	m := NewManager(dialerFor(map[string]*mockClient{"host1": mock}))

	res, err := m.Connect(context.Background(), "host1", "cert", "mac", "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Token == "" || res.Pubkey != "pk1" {
		t.Fatalf("unexpected result: %+v", res)
	}

	client, err := m.Client(res.Token)
	if err != nil {
		t.Fatalf("Client after Connect: %v", err)
	}
	if client != Client(mock) {
		t.Fatal("registry returned a different adapter")
	}
	if mock.addInvoices != 1 {
		t.Fatalf("probe should create exactly one invoice, got %d", mock.addInvoices)
	}
}

func TestClientUnknownToken(t *testing.T) {
	m := NewManager(dialerFor(nil))
	if _, err := m.Client("no-such-token"); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
}

func TestConnectPreservesPriorToken(t *testing.T) {
	mock := newMockClient("pk1")
	m := NewManager(dialerFor(map[string]*mockClient{"host1": mock}))

	first, err := m.Connect(context.Background(), "host1", "cert", "mac", "")
	if err != nil {
		t.Fatal(err)
	}
	second, err := m.Connect(context.Background(), "host1", "cert", "mac", first.Token)
	if err != nil {
		t.Fatal(err)
	}
	if second.Token != first.Token {
		t.Fatalf("token not preserved: %s != %s", second.Token, first.Token)
	}
	if _, err := m.Client(first.Token); err != nil {
		t.Fatalf("token unusable after reconnect: %v", err)
	}
}

func TestConnectProbeFailureRollsBack(t *testing.T) {
	steps := map[string]func(*mockClient, error){
		"info":    func(c *mockClient, err error) { c.infoErr = err },
		"balance": func(c *mockClient, err error) { c.balanceErr = err },
		"invoice": func(c *mockClient, err error) { c.invoiceErr = err },
		"lookup":  func(c *mockClient, err error) { c.lookupErr = err },
	}
	for name, inject := range steps {
		t.Run(name, func(t *testing.T) {
			mock := newMockClient("pk1")
			cause := errors.New("permission denied")
			inject(mock, cause)
			m := NewManager(dialerFor(map[string]*mockClient{"host1": mock}))

			_, err := m.Connect(context.Background(), "host1", "cert", "mac", "prior-token")
			if err == nil {
				t.Fatal("expected probe failure")
			}
			if !errors.Is(err, ErrValidationFailed) {
				t.Fatalf("expected ErrValidationFailed, got %v", err)
			}
			if !errors.Is(err, cause) {
				t.Fatalf("original error not preserved: %v", err)
			}
			if _, err := m.Client("prior-token"); !errors.Is(err, ErrNotAuthorized) {
				t.Fatal("registry should contain no entry after failed probe")
			}
			if !mock.isClosed() {
				t.Fatal("adapter should be closed after failed probe")
			}
		})
	}
}

func TestConnectEmptyPubkeyFails(t *testing.T) {
	mock := newMockClient("")
	m := NewManager(dialerFor(map[string]*mockClient{"host1": mock}))
	if _, err := m.Connect(context.Background(), "host1", "cert", "mac", ""); !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("expected ErrValidationFailed, got %v", err)
	}
}

func TestConnectStallSurfacesNodeUnresponsive(t *testing.T) {
	mock := newMockClient("pk1")
	mock.stall = true
	m := NewManager(dialerFor(map[string]*mockClient{"host1": mock}), WithCallTimeout(20*time.Millisecond))

	_, err := m.Connect(context.Background(), "host1", "cert", "mac", "t1")
	if !errors.Is(err, ErrNodeUnresponsive) {
		t.Fatalf("expected ErrNodeUnresponsive, got %v", err)
	}
	if _, err := m.Client("t1"); !errors.Is(err, ErrNotAuthorized) {
		t.Fatal("stalled connect must not publish a token")
	}
}

func TestReconnectAllIsolatesFailures(t *testing.T) {
	good := newMockClient("pk-good")
	good2 := newMockClient("pk-good2")
	m := NewManager(dialerFor(map[string]*mockClient{"good": good, "good2": good2}))

	m.ReconnectAll(context.Background(), []NodeRecord{
		{Token: "tok-good", Host: "good", Cert: "c", Macaroon: "m"},
		{Token: "tok-bad", Host: "bad", Cert: "c", Macaroon: "m"},
		{Token: "tok-good2", Host: "good2", Cert: "c", Macaroon: "m"},
	})

	if _, err := m.Client("tok-good"); err != nil {
		t.Fatalf("good node not reconnected: %v", err)
	}
	if _, err := m.Client("tok-good2"); err != nil {
		t.Fatalf("good2 node not reconnected despite bad neighbour: %v", err)
	}
	if _, err := m.Client("tok-bad"); !errors.Is(err, ErrNotAuthorized) {
		t.Fatal("bad node must not be cached")
	}
}

func TestSettlementForwardedToBus(t *testing.T) {
	mock := newMockClient("pk1")
	m := NewManager(dialerFor(map[string]*mockClient{"host1": mock}))

	if _, err := m.Connect(context.Background(), "host1", "cert", "mac", ""); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := m.Bus().Subscribe(ctx)

	mock.events <- InvoiceEvent{Hash: "h1", AmountPaid: 42, Settled: true}
	mock.events <- InvoiceEvent{Hash: "h2", AmountPaid: 0, Settled: false}
	mock.events <- InvoiceEvent{Hash: "h3", AmountPaid: 7, Settled: true}

	want := []string{"h1", "h3"}
	for _, hash := range want {
		select {
		case evt := <-sub:
			if evt.Hash != hash {
				t.Fatalf("expected %s, got %s", hash, evt.Hash)
			}
			if evt.Pubkey != "pk1" {
				t.Fatalf("event missing node pubkey: %+v", evt)
			}
			if !evt.Settled {
				t.Fatalf("unsettled event forwarded: %+v", evt)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for settlement %s", hash)
		}
	}
}

func TestDisconnectStopsForwarder(t *testing.T) {
	mock := newMockClient("pk1")
	m := NewManager(dialerFor(map[string]*mockClient{"host1": mock}))

	res, err := m.Connect(context.Background(), "host1", "cert", "mac", "")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Disconnect(res.Token); err != nil {
		t.Fatal(err)
	}
	if !mock.isClosed() {
		t.Fatal("adapter not closed on disconnect")
	}
	if _, err := m.Client(res.Token); !errors.Is(err, ErrNotAuthorized) {
		t.Fatal("token still cached after disconnect")
	}
	if err := m.Disconnect(res.Token); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("second disconnect should fail, got %v", err)
	}
}
