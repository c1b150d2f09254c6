package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"satpress.org/internal/auth"
	"satpress.org/internal/blog"
	"satpress.org/internal/httpapi"
	"satpress.org/internal/lightning"
	"satpress.org/internal/lightning/lndrest"
	"satpress.org/internal/obs"
	"satpress.org/internal/paywall"
	"satpress.org/internal/store/pg"
)

var version = "0.3.0"

func main() {
	obs.Init()

	addr := os.Getenv("SATPRESS_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	// Store selection: Postgres when a DSN is configured, otherwise the
	// in-memory store for local development.
	var (
		store   blog.Store
		grants  paywall.GrantStore
		refresh auth.RefreshTokenStore
		probe   httpapi.ReadyProbe
		closeDB func() error
	)
	if dsn := os.Getenv("SATPRESS_PG_DSN"); dsn != "" {
		pgStore, err := pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		store = pgStore
		grants = pgStore.Grants()
		refresh = pgStore.RefreshTokens()
		probe = httpapi.ReadyProbe{DB: pgStore.DB()}
		closeDB = pgStore.Close
	} else {
		log.Println("SATPRESS_PG_DSN not set, using in-memory store")
		store = blog.NewInMemory()
		grants = paywall.NewInMemoryGrants()
		refresh = auth.NewInMemoryRefreshTokens()
		closeDB = func() error { return nil }
	}

	manager := lightning.NewManager(lndrest.Dial)

	var paywallOpts []paywall.Option
	if os.Getenv("SATPRESS_GATING_MODE") == "author" {
		paywallOpts = append(paywallOpts, paywall.WithGatingMode(paywall.GatePerAuthor))
	}
	if days, err := strconv.Atoi(os.Getenv("SATPRESS_GRANT_WINDOW_DAYS")); err == nil && days > 0 {
		paywallOpts = append(paywallOpts, paywall.WithWindow(time.Duration(days)*24*time.Hour))
	}
	workflow := paywall.NewService(store, grants, manager, paywallOpts...)

	// Reconnect persisted nodes before accepting traffic so invoices can
	// be issued from the first request on.
	reconnectCtx, cancelReconnect := context.WithTimeout(context.Background(), 2*time.Minute)
	if records, err := store.Nodes(reconnectCtx).List(reconnectCtx); err != nil {
		log.Printf("list node records: %v", err)
	} else {
		recs := make([]lightning.NodeRecord, 0, len(records))
		for _, rec := range records {
			recs = append(recs, lightning.NodeRecord{
				Token:    rec.Token,
				Host:     rec.Host,
				Cert:     rec.Cert,
				Macaroon: rec.Macaroon,
			})
		}
		manager.ReconnectAll(reconnectCtx, recs)
	}
	cancelReconnect()

	api := httpapi.New(httpapi.Config{
		Store:      store,
		Paywall:    workflow,
		Manager:    manager,
		Sessions:   auth.NewSessions(refresh),
		ReadyProbe: probe,
		Version:    version,
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// Long-lived websocket streams hang off /v1/events; no write
		// timeout for the whole server.
		IdleTimeout: 60 * time.Second,
	}

	log.Printf("Starting satpress-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	manager.Shutdown()
	_ = closeDB()
	log.Println("Stopped")
}
