package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"satpress.org/internal/lightning"
	"satpress.org/internal/obs"
)

const wsWriteTimeout = 10 * time.Second

// events streams settlement events over a websocket. The subscription is
// scoped to the connection: closing the socket unsubscribes from the bus.
func (a *API) events(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events := a.manager.Bus().Subscribe(ctx)
	obs.EventSubscribers.Inc()
	defer obs.EventSubscribers.Dec()

	// Reads are discarded but keep close/ping frames flowing so a dropped
	// client tears the context down.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(ctx, conn, evt); err != nil {
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, evt lightning.InvoiceEvent) error {
	payload := map[string]any{
		"type":   "invoice_settled",
		"hash":   evt.Hash,
		"amount": evt.AmountPaid,
		"pubkey": evt.Pubkey,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
