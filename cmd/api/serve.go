package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"hanwrite/api/internal/app"
	"hanwrite/api/internal/config"
	"hanwrite/api/internal/export"
	"hanwrite/api/internal/gitrepo"
	"hanwrite/api/internal/juggler"
	"hanwrite/api/internal/realtime"
	"hanwrite/api/internal/search"
	"hanwrite/api/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and websocket server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// backend is the document store plus the search fallback that suits it.
type backend struct {
	store    store.Store
	fallback search.Searcher
	close    func()
}

func openBackend(ctx context.Context, cfg config.Config) (*backend, error) {
	switch cfg.Store {
	case "postgres":
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrations failed: %w", err)
		}
		return &backend{
			store:    store.NewPostgresStore(db),
			fallback: search.NewPgFTS(db),
			close:    func() { closeDB(db) },
		}, nil
	case "redis":
		rs, err := store.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redis connection failed: %w", err)
		}
		return &backend{
			store:    rs,
			fallback: search.NewStoreScan(rs),
			close:    func() { rs.Close() },
		}, nil
	default:
		fs, err := store.NewFileStore(cfg.DocsDir)
		if err != nil {
			return nil, fmt.Errorf("document dir: %w", err)
		}
		return &backend{
			store:    fs,
			fallback: search.NewStoreScan(fs),
			close:    func() {},
		}, nil
	}
}

func closeDB(db *sql.DB) {
	if err := db.Close(); err != nil {
		log.Printf("database close: %v", err)
	}
}

func openDownloads(ctx context.Context, cfg config.Config) (export.Downloads, error) {
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		log.Printf("Using MinIO bucket %s for export downloads", cfg.MinioBucket)
		return export.NewMinioDownloads(ctx, export.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			Secure:    cfg.MinioUseSSL,
		})
	}
	log.Printf("Using %s for export downloads", cfg.ExportsDir)
	return export.NewLocalDownloads(cfg.ExportsDir)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	be, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer be.close()
	log.Printf("Using %s document store", cfg.Store)

	var observers []juggler.Observer
	var history app.History
	if strings.TrimSpace(cfg.ArchiveDir) != "" {
		if err := os.MkdirAll(cfg.ArchiveDir, 0o755); err != nil {
			return fmt.Errorf("failed to create archive dir: %w", err)
		}
		archive := gitrepo.New(cfg.ArchiveDir)
		observers = append(observers, archive)
		history = archive
	}

	// A nil *Meili must not reach search.NewService as a non-nil Index.
	var index search.Index
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
		index = meiliClient
	}
	searchService := search.NewService(index, be.fallback)
	observers = append(observers, searchService)
	searchService.Reindex(ctx, be.store)

	downloads, err := openDownloads(ctx, cfg)
	if err != nil {
		return fmt.Errorf("export downloads: %w", err)
	}
	exportService := export.NewService(downloads)

	outbox := realtime.NewOutbox()
	registry := juggler.New(be.store, outbox, juggler.Options{
		SessionClaimTimeout: cfg.SessionClaimTimeout,
		SessionIdleTimeout:  cfg.SessionIdleTimeout,
		DocumentIdleTimeout: cfg.DocumentIdleTimeout,
		HousekeepInterval:   cfg.HousekeepInterval,
	}, observers...)
	sockets := realtime.NewManager(registry, outbox, realtime.Options{
		InactivityTimeout: cfg.ConnectionIdleTimeout,
		SweepInterval:     cfg.LivenessSweepInterval,
		AllowedOrigins:    cfg.WSAllowedOrigins,
	})

	service := app.NewService(app.Dependencies{
		Registry: registry,
		Store:    be.store,
		History:  history,
		Search:   searchService,
		Export:   exportService,
	})
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, http.HandlerFunc(sockets.ServeWS))
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	var loops sync.WaitGroup
	loops.Add(3)
	go func() {
		defer loops.Done()
		registry.Run(ctx)
	}()
	go func() {
		defer loops.Done()
		sockets.Run(ctx)
	}()
	go func() {
		defer loops.Done()
		exportService.RunCleanup(ctx, cfg.ExportCleanupInterval, cfg.ExportRetention)
	}()

	serverErr := make(chan error, 1)
	go func() {
		log.Printf("Hanwrite API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	var runErr error
	select {
	case sig := <-sigCh:
		log.Printf("received %s, shutting down", sig)
	case err := <-serverErr:
		runErr = fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}

	// Stopping the loops flushes dirty documents and closes open sockets.
	cancel()
	loops.Wait()
	searchService.Wait()
	return runErr
}
