package main

import (
	"context"
	"flag"
	"log"
	"net/http"

	"cloud.google.com/go/firestore"

	"github.com/alimasry/go-mindmap-sync/auth"
	"github.com/alimasry/go-mindmap-sync/config"
	"github.com/alimasry/go-mindmap-sync/server"
	"github.com/alimasry/go-mindmap-sync/store"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	addr := flag.String("addr", "", "HTTP listen address (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}

	st, cleanup, err := buildStore(cfg.Store)
	if err != nil {
		log.Fatal(err)
	}
	defer cleanup()

	verifier := auth.NewVerifier([]byte(cfg.Auth.Secret), cfg.Auth.TokenTTL)
	hub := server.NewHub(st)
	go hub.Run()

	handler := server.NewHandler(hub, verifier, st)

	log.Printf("Starting sync server on %s (store: %s)", cfg.Addr, cfg.Store.Backend)
	if err := http.ListenAndServe(cfg.Addr, handler); err != nil {
		log.Fatal(err)
	}
}

func buildStore(cfg config.StoreConfig) (store.DocumentStore, func(), error) {
	ctx := context.Background()
	var backing store.DocumentStore
	cleanup := func() {}

	switch cfg.Backend {
	case "memory":
		backing = store.NewMemoryStore()
	case "firestore":
		client, err := firestore.NewClient(ctx, cfg.FirestoreProject)
		if err != nil {
			return nil, nil, err
		}
		backing = store.NewFirestoreStore(client)
		cleanup = func() { client.Close() }
	case "postgres":
		pg, err := store.OpenPostgresStore(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, nil, err
		}
		backing = pg
		cleanup = pg.Close
	}

	if cfg.WriteBehind {
		cached := store.NewCachedStore(backing, cfg.FlushInterval)
		inner := cleanup
		cleanup = func() {
			cached.Close()
			inner()
		}
		return cached, cleanup, nil
	}
	return backing, cleanup, nil
}
