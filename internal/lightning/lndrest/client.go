// Package lndrest implements the lightning.Client contract against LND's
// REST proxy. Connection parameters are the node's host, its TLS
// certificate and a hex-encoded macaroon credential.
package lndrest

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"satpress.org/internal/lightning"
)

const macaroonHeader = "Grpc-Metadata-macaroon"

// Client talks to one LND node over its REST proxy.
type Client struct {
	base     string
	macaroon string
	http     *http.Client
}

var _ lightning.Client = (*Client)(nil)

// Dial builds a client for the given coordinates. The certificate may be
// passed as PEM or as hex-encoded PEM (nodes commonly export the latter).
// No network call is made here; the connection manager's validation probe
// is the first traffic.
func Dial(ctx context.Context, host, cert, macaroon string) (lightning.Client, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return nil, errors.New("lndrest: host is required")
	}
	if strings.TrimSpace(macaroon) == "" {
		return nil, errors.New("lndrest: macaroon is required")
	}
	pemData, err := normalizeCert(cert)
	if err != nil {
		return nil, err
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemData) {
		return nil, errors.New("lndrest: certificate is not valid PEM")
	}

	base := host
	if !strings.Contains(base, "://") {
		base = "https://" + base
	}
	base = strings.TrimSuffix(base, "/")

	return &Client{
		base:     base,
		macaroon: strings.TrimSpace(macaroon),
		http: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{RootCAs: pool},
			},
			// Per-request deadlines come from the caller's context; the
			// subscribe stream must be allowed to live indefinitely.
			Timeout: 0,
		},
	}, nil
}

func normalizeCert(cert string) ([]byte, error) {
	cert = strings.TrimSpace(cert)
	if cert == "" {
		return nil, errors.New("lndrest: certificate is required")
	}
	if strings.HasPrefix(cert, "-----BEGIN") {
		return []byte(cert), nil
	}
	decoded, err := hex.DecodeString(cert)
	if err != nil {
		return nil, errors.New("lndrest: certificate must be PEM or hex-encoded PEM")
	}
	return decoded, nil
}

// GetInfo implements lightning.Client.
func (c *Client) GetInfo(ctx context.Context) (lightning.NodeInfo, error) {
	var resp struct {
		IdentityPubkey string `json:"identity_pubkey"`
		Alias          string `json:"alias"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/getinfo", nil, &resp); err != nil {
		return lightning.NodeInfo{}, err
	}
	return lightning.NodeInfo{Pubkey: resp.IdentityPubkey, Alias: resp.Alias}, nil
}

// ChannelBalance implements lightning.Client.
func (c *Client) ChannelBalance(ctx context.Context) (lightning.Balance, error) {
	var resp struct {
		Balance string `json:"balance"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/balance/channels", nil, &resp); err != nil {
		return lightning.Balance{}, err
	}
	sats, err := parseSats(resp.Balance)
	if err != nil {
		return lightning.Balance{}, err
	}
	return lightning.Balance{Sats: sats}, nil
}

// AddInvoice implements lightning.Client. Hashes are carried through the
// platform hex-encoded.
func (c *Client) AddInvoice(ctx context.Context, amountSats int64) (lightning.Invoice, error) {
	req := map[string]string{"value": strconv.FormatInt(amountSats, 10)}
	var resp struct {
		PaymentRequest string `json:"payment_request"`
		RHash          string `json:"r_hash"` // base64 on the wire
	}
	if err := c.do(ctx, http.MethodPost, "/v1/invoices", req, &resp); err != nil {
		return lightning.Invoice{}, err
	}
	raw, err := base64.StdEncoding.DecodeString(resp.RHash)
	if err != nil {
		return lightning.Invoice{}, fmt.Errorf("lndrest: decode invoice hash: %w", err)
	}
	return lightning.Invoice{
		PaymentRequest: resp.PaymentRequest,
		Hash:           hex.EncodeToString(raw),
		AmountSats:     amountSats,
	}, nil
}

// LookupInvoice implements lightning.Client.
func (c *Client) LookupInvoice(ctx context.Context, hash string) (lightning.InvoiceStatus, error) {
	hash = strings.TrimSpace(hash)
	if hash == "" {
		return lightning.InvoiceStatus{}, errors.New("lndrest: invoice hash is required")
	}
	var resp invoiceMessage
	if err := c.do(ctx, http.MethodGet, "/v1/invoice/"+hash, nil, &resp); err != nil {
		return lightning.InvoiceStatus{}, err
	}
	return resp.status()
}

// SubscribeInvoices implements lightning.Client. LND streams invoice
// updates as newline-delimited JSON; each message is wrapped in a "result"
// envelope by the REST proxy.
func (c *Client) SubscribeInvoices(ctx context.Context) (<-chan lightning.InvoiceEvent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/v1/invoices/subscribe", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(macaroonHeader, c.macaroon)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("lndrest: subscribe failed: %s: %s", resp.Status, bytes.TrimSpace(body))
	}

	out := make(chan lightning.InvoiceEvent, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		dec := json.NewDecoder(resp.Body)
		for {
			var msg struct {
				Result invoiceMessage `json:"result"`
			}
			if err := dec.Decode(&msg); err != nil {
				return
			}
			status, err := msg.Result.status()
			if err != nil {
				continue
			}
			raw, err := base64.StdEncoding.DecodeString(msg.Result.RHash)
			if err != nil {
				continue
			}
			select {
			case out <- lightning.InvoiceEvent{
				Hash:       hex.EncodeToString(raw),
				AmountPaid: status.AmountPaidSats,
				Settled:    status.Settled,
			}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close implements lightning.Client.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

type invoiceMessage struct {
	RHash      string `json:"r_hash"`
	Settled    bool   `json:"settled"`
	AmtPaidSat string `json:"amt_paid_sat"`
}

func (m invoiceMessage) status() (lightning.InvoiceStatus, error) {
	paid, err := parseSats(m.AmtPaidSat)
	if err != nil {
		return lightning.InvoiceStatus{}, err
	}
	return lightning.InvoiceStatus{Settled: m.Settled, AmountPaidSats: paid}, nil
}

func parseSats(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	sats, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("lndrest: parse satoshi amount %q: %w", raw, err)
	}
	return sats, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, dst any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set(macaroonHeader, c.macaroon)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("lndrest: %s %s: %s: %s", method, path, resp.Status, bytes.TrimSpace(payload))
	}
	if dst == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}
