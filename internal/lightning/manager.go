package lightning

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"satpress.org/internal/obs"
)

const defaultCallTimeout = 30 * time.Second

// NodeRecord is the durable counterpart of a cached connection, used to
// repopulate the registry on startup. Persistence of the record itself is
// the store's concern.
type NodeRecord struct {
	Token    string
	Host     string
	Cert     string
	Macaroon string
}

// ConnectResult is returned by Connect.
type ConnectResult struct {
	Token  string
	Pubkey string
}

// Manager orchestrates validating, caching and reconnecting node
// connections, and re-exposes settlement events on a process-wide bus.
type Manager struct {
	dial        Dialer
	registry    *Registry
	bus         *Bus
	callTimeout time.Duration
}

// Option configures Manager.
type Option func(*Manager)

// WithCallTimeout bounds every adapter call made by the manager. The
// reference system had no timeout at all; this is a deliberate hardening,
// surfaced to callers as ErrNodeUnresponsive.
func WithCallTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.callTimeout = d
		}
	}
}

// NewManager constructs a Manager around a dialer.
func NewManager(dial Dialer, opts ...Option) *Manager {
	m := &Manager{
		dial:        dial,
		registry:    NewRegistry(),
		bus:         NewBus(),
		callTimeout: defaultCallTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Bus returns the settlement event bus.
func (m *Manager) Bus() *Bus { return m.bus }

// Client returns the cached adapter for a token. Pure lookup, no network.
func (m *Manager) Client(token string) (Client, error) {
	conn, err := m.registry.Get(token)
	if err != nil {
		return nil, err
	}
	return conn.Client, nil
}

// NewToken generates an opaque access token with no embedded structure.
func NewToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Connect opens and validates a connection to one payment node. priorToken
// is supplied only on restart-time reconnection so the in-memory token
// matches the persisted one; otherwise a fresh token is generated.
//
// The validation probe (info, balance, trivial invoice, lookup) and the
// settlement subscription must all succeed before the token is published:
// no caller may observe a half-connected token. Any failure evicts the
// partial entry and propagates joined with ErrValidationFailed.
func (m *Manager) Connect(ctx context.Context, host, cert, macaroon, priorToken string) (ConnectResult, error) {
	token := priorToken
	if token == "" {
		token = NewToken()
	}

	client, err := m.dial(ctx, host, cert, macaroon)
	if err != nil {
		obs.NodeConnectsTotal.WithLabelValues("dial_error").Inc()
		return ConnectResult{}, m.failConnect(token, nil, err)
	}

	var info NodeInfo
	err = m.call(ctx, func(ctx context.Context) error {
		var err error
		info, err = client.GetInfo(ctx)
		return err
	})
	if err == nil && strings.TrimSpace(info.Pubkey) == "" {
		err = errors.New("node returned no identity pubkey")
	}
	if err == nil {
		err = m.call(ctx, func(ctx context.Context) error {
			_, err := client.ChannelBalance(ctx)
			return err
		})
	}
	var probe Invoice
	if err == nil {
		err = m.call(ctx, func(ctx context.Context) error {
			var err error
			probe, err = client.AddInvoice(ctx, 1)
			return err
		})
	}
	if err == nil {
		err = m.call(ctx, func(ctx context.Context) error {
			_, err := client.LookupInvoice(ctx, probe.Hash)
			return err
		})
	}
	if err != nil {
		obs.NodeConnectsTotal.WithLabelValues("probe_error").Inc()
		return ConnectResult{}, m.failConnect(token, client, err)
	}

	// Attach the settlement forwarder before publishing the token. Its
	// lifetime is tied to the connection, not to the connect request.
	fctx, cancel := context.WithCancel(context.Background())
	events, err := client.SubscribeInvoices(fctx)
	if err != nil {
		cancel()
		obs.NodeConnectsTotal.WithLabelValues("subscribe_error").Inc()
		return ConnectResult{}, m.failConnect(token, client, err)
	}
	go m.forward(info.Pubkey, events)

	if old := m.registry.evict(token); old != nil {
		old.teardown()
	}
	m.registry.put(&Conn{Token: token, Pubkey: info.Pubkey, Client: client, cancel: cancel})
	obs.NodeConnectsTotal.WithLabelValues("ok").Inc()
	return ConnectResult{Token: token, Pubkey: info.Pubkey}, nil
}

// ReconnectAll repopulates the registry from persisted records, reusing
// each record's stored token. Strictly sequential; each failure is logged
// and skipped so one bad node cannot block the others. Runs once at process
// start, before traffic is accepted.
func (m *Manager) ReconnectAll(ctx context.Context, records []NodeRecord) {
	for _, rec := range records {
		obs.Logger().Printf(`{"level":"info","msg":"reconnecting node","host":%q}`, rec.Host)
		if _, err := m.Connect(ctx, rec.Host, rec.Cert, rec.Macaroon, rec.Token); err != nil {
			obs.Logger().Printf(`{"level":"error","msg":"node reconnect failed","host":%q,"error":%q}`, rec.Host, err.Error())
			continue
		}
		obs.Logger().Printf(`{"level":"info","msg":"node reconnected","host":%q}`, rec.Host)
	}
}

// Disconnect tears down the connection for a token: the forwarder is
// cancelled, the adapter closed and the registry entry evicted.
func (m *Manager) Disconnect(token string) error {
	conn := m.registry.evict(token)
	if conn == nil {
		return ErrNotAuthorized
	}
	conn.teardown()
	return nil
}

// Shutdown disconnects every cached node. Used on process exit.
func (m *Manager) Shutdown() {
	for _, token := range m.registry.Tokens() {
		_ = m.Disconnect(token)
	}
}

func (conn *Conn) teardown() {
	if conn.cancel != nil {
		conn.cancel()
	}
	_ = conn.Client.Close()
}

// call runs one adapter operation under the bounded per-call timeout.
func (m *Manager) call(ctx context.Context, fn func(context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()
	err := fn(cctx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return errors.Join(ErrNodeUnresponsive, err)
	}
	return err
}

func (m *Manager) failConnect(token string, client Client, err error) error {
	// The entry is only stored after a fully successful probe, but evict
	// defensively so a failed reconnect never leaves a stale connection
	// published under the token.
	if old := m.registry.evict(token); old != nil {
		old.teardown()
	}
	if client != nil {
		_ = client.Close()
	}
	if errors.Is(err, ErrNodeUnresponsive) {
		return err
	}
	return errors.Join(ErrValidationFailed, err)
}

// forward re-publishes settled invoices from one node's stream onto the
// process-wide bus. Ends when the stream channel closes.
func (m *Manager) forward(pubkey string, events <-chan InvoiceEvent) {
	for evt := range events {
		if !evt.Settled {
			continue
		}
		evt.Pubkey = pubkey
		obs.InvoicesSettledTotal.Inc()
		m.bus.Publish(evt)
	}
}
