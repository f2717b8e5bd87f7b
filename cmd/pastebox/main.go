package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"pastebox/cfg"
	"pastebox/svc/api"
	"pastebox/svc/cache"
	"pastebox/svc/db"
	"pastebox/svc/svc"
	"pastebox/svc/util"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "-health" {
		os.Exit(healthProbe())
	}

	c, err := cfg.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	util.InitLog(c.LogLevel, c.Environment == "development")
	if err := cfg.Validate(c); err != nil {
		util.Fatal().Err(err).Msg("invalid configuration")
	}
	defer c.Wipe()
	util.Info().
		Str("environment", c.Environment).
		Strs("allowed_origins", c.AllowedOrigins).
		Msg("starting pastebox API")

	store, closeStore, err := openStore(c)
	if err != nil {
		util.Fatal().Err(err).Str("driver", c.StoreDriver).Msg("failed to initialize store")
	}
	defer closeStore()

	backend, closeBackend := openCacheBackend(c)
	defer closeBackend()
	pasteCache := cache.New(backend, cache.OptionsFromCfg(c))

	pasteSvc := svc.NewPaste(store, pasteCache, c)
	util.Info().
		Int("workers", c.WorkerPoolSize).
		Int("view_queue", c.ViewQueueSize).
		Msg("paste service initialized")

	server := api.NewServer(c, pasteSvc)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(server.Start)
	g.Go(func() error {
		return svc.NewCleaner(store, c.CleanupInterval).Run(gctx)
	})
	if sq, ok := store.(*db.SQLite); ok {
		g.Go(func() error {
			return sq.RunWALMaintenance(gctx, c.WALCheckpointInterval)
		})
		util.Info().Dur("interval", c.WALCheckpointInterval).Msg("WAL maintenance worker started")
	}
	g.Go(func() error {
		<-gctx.Done()
		util.Info().Msg("shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			util.Error().Err(err).Msg("server shutdown error")
		}
		if err := pasteSvc.Shutdown(shutdownCtx); err != nil {
			util.Error().Err(err).Msg("view workers did not drain")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		util.Error().Err(err).Msg("server stopped with error")
		closeBackend()
		closeStore()
		os.Exit(1)
	}
	util.Info().Msg("shutdown complete")
}

func openStore(c *cfg.Cfg) (svc.Store, func(), error) {
	policy := c.ExpiryPolicy()
	switch c.StoreDriver {
	case cfg.StoreBolt:
		b, err := db.NewBolt(c.DatabasePath, policy)
		if err != nil {
			return nil, nil, err
		}
		util.Info().Str("path", c.DatabasePath).Msg("bolt store initialized")
		return b, closer(b), nil
	default:
		s, err := db.NewSQLiteWithConfig(c.DatabasePath, c.DBMaxOpenConns, c.DBMaxIdleConns, c.DBQueryTimeout, policy)
		if err != nil {
			return nil, nil, err
		}
		util.Info().Str("path", c.DatabasePath).Msg("sqlite store initialized")
		return s, closer(s), nil
	}
}

// openCacheBackend never fails: an unreachable cache means running without one.
func openCacheBackend(c *cfg.Cfg) (cache.Backend, func()) {
	switch c.ResolvedCacheBackend() {
	case cfg.CacheRedis:
		rdb, err := db.NewRedis(c.RedisURL, c)
		if err != nil {
			util.Warn().Err(err).Msg("redis unavailable, caching disabled")
			return nil, func() {}
		}
		util.Info().Msg("redis cache connected")
		return rdb, closer(rdb)
	case cfg.CacheMemory:
		l, err := cache.NewLRU(c.LRUCacheSize)
		if err != nil {
			util.Warn().Err(err).Msg("in-memory cache unavailable, caching disabled")
			return nil, func() {}
		}
		util.Info().Int("size", c.LRUCacheSize).Msg("LRU cache initialized")
		return l, func() {}
	default:
		util.Info().Msg("caching disabled")
		return nil, func() {}
	}
}

func closer(c io.Closer) func() {
	var done bool
	return func() {
		if done {
			return
		}
		done = true
		if err := c.Close(); err != nil {
			util.Warn().Err(err).Msg("close failed")
		}
	}
}

// healthProbe asks the running server for readiness; used as the
// container HEALTHCHECK.
func healthProbe() int {
	port := os.Getenv("PORT")
	if port == "" {
		port = "5000"
	}
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://127.0.0.1:" + port + "/ready")
	if err != nil {
		fmt.Fprintln(os.Stderr, errors.Wrap(err, "health probe"))
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "health probe: status %d\n", resp.StatusCode)
		return 1
	}
	return 0
}
