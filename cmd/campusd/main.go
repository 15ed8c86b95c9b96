// Command campusd serves the campus RPC API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cyberinferno/campusrpc/cacher"
	"github.com/cyberinferno/campusrpc/campus"
	"github.com/cyberinferno/campusrpc/config"
	"github.com/cyberinferno/campusrpc/logger"
	"github.com/cyberinferno/campusrpc/rpcserver"
)

const serviceName = "campusd"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "campusd:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "TOML configuration file")
	envFile := flag.String("env-file", ".env", "dotenv file read before the environment")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		return err
	}

	log, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := campus.Open(ctx, cfg.Store(), log)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		return err
	}

	cacheMetrics := metrics.NewSet()
	list, err := newCache[[]campus.Product](ctx, cfg, "shop.list", cacheMetrics, log)
	if err != nil {
		return err
	}
	defer list.Close()

	items, err := newCache[campus.Product](ctx, cfg, "shop.items", cacheMetrics, log)
	if err != nil {
		return err
	}
	defer items.Close()

	svc := campus.Services{
		Auth:  campus.NewAuthService(store, log, cfg.Auth.BcryptCost),
		Cards: campus.NewCardService(store, log),
		Shop:  campus.NewShopService(store, list, items, cfg.Cache.TTL, log),
	}

	if cfg.Auth.AdminUser != "" {
		if err := svc.Auth.EnsureUser(ctx, cfg.Auth.AdminUser, cfg.Auth.AdminName, cfg.Auth.AdminPassword, []string{campus.RoleAdmin}); err != nil {
			return fmt.Errorf("failed to bootstrap administrator: %w", err)
		}
	}

	r, err := campus.NewRouter(svc, log)
	if err != nil {
		return err
	}

	server := rpcserver.New(cfg.RPCServer(), r, log)
	if err := server.Start(); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		server.Stop()
		return nil
	})

	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metricsHandler(r.Metrics(), server.Metrics(), cacheMetrics),
			ReadHeaderTimeout: 5 * time.Second,
		}

		g.Go(func() error {
			log.Info("metrics endpoint listening", logger.Field{Key: "addr", Value: cfg.MetricsAddr})
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics endpoint failed: %w", err)
			}
			return nil
		})

		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

func newLogger(cfg config.LogConfig) (logger.Logger, error) {
	level, err := logger.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	if cfg.Dir != "" {
		return logger.NewZerologFileLogger(serviceName, cfg.Dir, level)
	}

	return logger.NewZerologLogger(zerolog.New(os.Stdout), serviceName, level), nil
}

func newCache[T any](ctx context.Context, cfg *config.Config, namespace string, set *metrics.Set, log logger.Logger) (cacher.Cacher[T], error) {
	cc := cfg.CacheFor(namespace)
	cc.Metrics = set
	return cacher.New[T](ctx, cc, log)
}

func metricsHandler(sets ...*metrics.Set) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		metrics.WriteProcessMetrics(w)
		for _, set := range sets {
			set.WritePrometheus(w)
		}
	})

	return mux
}
