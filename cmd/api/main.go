package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"notehub/api/internal/app"
	"notehub/api/internal/attach"
	"notehub/api/internal/bus"
	"notehub/api/internal/config"
	"notehub/api/internal/history"
	"notehub/api/internal/search"
	"notehub/api/internal/store"
	"notehub/api/internal/ws"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		log.Fatalf("failed to create repos dir: %v", err)
	}

	dataStore := store.NewPostgresStore(db)
	historyService := history.New(cfg.ReposDir)

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	}
	searchService := search.NewService(meiliClient, pgfts)
	if meiliClient != nil {
		defer meiliClient.Close()
		go searchService.ReindexAllFromPG(ctx)
	}

	var attachService *attach.Service
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		attachService, err = attach.New(ctx, attach.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			log.Fatalf("attachment storage failed: %v", err)
		}
		log.Printf("Attachment storage enabled (bucket %s)", cfg.MinioBucket)
	}

	// Redis spans the broadcast channel across processes; without it the
	// in-process bus still links every surface served by this process.
	var connector bus.Connector
	transportKind := "memory"
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisConnector, err := bus.NewRedisConnector(cfg.RedisURL, cfg.ChannelPrefix)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisConnector.Close()
		connector = redisConnector
		transportKind = "redis"
		log.Printf("Using Redis broadcast channel (prefix %s)", cfg.ChannelPrefix)
	} else {
		connector = bus.NewMemoryConnector()
		log.Printf("Using in-process broadcast channel")
	}

	var service *app.Service
	if attachService != nil {
		service = app.NewWithAttachments(cfg, dataStore, historyService, searchService, attachService, connector, transportKind)
	} else {
		service = app.New(cfg, dataStore, historyService, searchService, connector, transportKind)
	}

	wsHandler := ws.NewHandler(connector, service)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, wsHandler)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("NoteHub API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
