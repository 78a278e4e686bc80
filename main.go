package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"playback-proxy/work/buffer"
	"playback-proxy/work/client"
	"playback-proxy/work/config"
	"playback-proxy/work/database"
	"playback-proxy/work/handlers"
	"playback-proxy/work/hostguard"
	"playback-proxy/work/logger"
	"playback-proxy/work/proxy"
	"playback-proxy/work/session"
	"playback-proxy/work/signer"
)

var (
	Version = "v0.1.0" // default version
)

const shutdownGrace = 10 * time.Second

// our main app worker
func main() {
	if err := run(); err != nil {
		logger.Error("{main} %v", err)
		os.Exit(1)
	}
}

func run() error {
	// a .env file is optional
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Warn("{main - run} Failed to load .env: %v", err)
	}

	configPath := os.Getenv("PROXY_CONFIG")
	if configPath == "" {
		configPath = config.DefaultConfigPath
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger.SetLogLevel(cfg.LogLevel)
	log := logger.New(cfg.LogLevel)

	if cfg.SigningSecretGenerated {
		log.Warn("{main - run} No signing secret configured; generated one for this process. Tokens and persisted sessions will not survive a restart")
	}

	guard := hostguard.New(hostguard.Options{
		Allowlist:         cfg.HostAllowlist,
		AllowlistRequired: cfg.HostAllowlistRequired,
		Resolve:           cfg.ResolveHosts,
	})
	if guard.PermitsAll() {
		log.Warn("{main - run} Host allowlist is empty: any public upstream host is permitted")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, janitor, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	httpClient := client.NewHeaderSettingClient(cfg, guard)
	defer httpClient.CloseIdleConnections()

	gw := proxy.New(cfg, store, guard, signer.New(cfg.SigningSecret), httpClient, buffer.NewBufferPool(0), log)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handlers.NewRouter(gw, cfg, log),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// show info
	log.Info("{main - run} Starting Playback Proxy %s", Version)
	log.Info("{main - run} Server configuration:")
	log.Info("{main - run}   - Listen Address: %s", cfg.ListenAddr)
	log.Info("{main - run}   - Session Backend: %s", cfg.SessionBackend)
	if cfg.SessionBackend == config.BackendPostgres {
		log.Info("{main - run}   - Database: %s", cfg.RedactedDatabaseURL())
	}
	log.Info("{main - run}   - Session TTL: %s", cfg.SessionTTL)
	log.Info("{main - run}   - Fetch Timeout: %s", cfg.FetchTimeout)
	log.Info("{main - run}   - Allowed Hosts: %d (required: %v)", len(cfg.HostAllowlist), cfg.HostAllowlistRequired)
	log.Info("{main - run}   - Resolve Hosts: %v", cfg.ResolveHosts)
	log.Info("{main - run}   - Max Connections: %d", cfg.MaxConnectionsToApp)
	log.Info("{main - run}   - URL Obfuscation: %v", cfg.ObfuscateUrls)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("{main - run} Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			// long-running streams are cut rather than awaited
			log.Warn("{main - run} Graceful shutdown incomplete: %v", err)
			return srv.Close()
		}
		return nil
	})

	if janitor != nil {
		g.Go(func() error {
			return janitor.Run(gctx)
		})
	}

	return g.Wait()
}

// openStore builds the configured session backend. Persistent backends also get a
// janitor that prunes expired rows.
func openStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (session.Store, *database.Janitor, func(), error) {
	switch cfg.SessionBackend {
	case config.BackendSQLite:
		sealer, err := database.NewSealer(cfg.CredentialKeyHex, cfg.SigningSecret)
		if err != nil {
			return nil, nil, nil, err
		}
		db, err := database.Open(cfg.DatabasePath, log)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to open session database: %w", err)
		}
		store := database.NewSQLiteStore(db, sealer, nil)
		janitor, err := database.NewJanitor(store, cfg.JanitorInterval, log)
		if err != nil {
			db.Close()
			return nil, nil, nil, err
		}
		closeDB := func() {
			vctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			if _, err := store.DeleteExpired(vctx); err == nil {
				if err := db.Vacuum(vctx); err != nil {
					log.Warn("{main - openStore} VACUUM failed: %v", err)
				}
			}
			if err := db.Close(); err != nil {
				log.Warn("{main - openStore} Failed to close session database: %v", err)
			}
		}
		log.Info("{main - openStore} Sessions stored in SQLite at %s", cfg.DatabasePath)
		return store, janitor, closeDB, nil

	case config.BackendPostgres:
		sealer, err := database.NewSealer(cfg.CredentialKeyHex, cfg.SigningSecret)
		if err != nil {
			return nil, nil, nil, err
		}
		pool, err := database.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to connect to %s: %w", cfg.RedactedDatabaseURL(), err)
		}
		store := database.NewPostgresStore(pool, sealer, nil)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		janitor, err := database.NewJanitor(store, cfg.JanitorInterval, log)
		if err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		log.Info("{main - openStore} Sessions stored in Postgres")
		return store, janitor, pool.Close, nil

	default:
		store, err := session.NewMemoryStore(cfg.MaxSessions, nil)
		if err != nil {
			return nil, nil, nil, err
		}
		log.Info("{main - openStore} Sessions held in memory (max %d)", cfg.MaxSessions)
		return store, nil, func() {}, nil
	}
}
