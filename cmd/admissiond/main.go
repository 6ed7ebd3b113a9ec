// Command admissiond serves admission decisions over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/ineyio/admission"
	"github.com/ineyio/admission/httpapi"
	"github.com/ineyio/admission/meter"
	"github.com/ineyio/admission/quota"
	quotapg "github.com/ineyio/admission/quota/postgres"
	quotaredis "github.com/ineyio/admission/quota/redis"
)

type flags struct {
	configPath    string
	listen        string
	backend       string
	redisAddr     string
	redisPrefix   string
	postgresDSN   string
	dbDirectory   bool
	sweepInterval time.Duration
	logLevel      string
}

func main() {
	var f flags
	fs := pflag.NewFlagSet("admissiond", pflag.ExitOnError)
	fs.StringVar(&f.configPath, "config", "admission.yaml", "Path to the YAML config file.")
	fs.StringVar(&f.listen, "listen", ":8080", "HTTP listen address.")
	fs.StringVar(&f.backend, "backend", "memory", "Counter and ledger backend: memory, redis or postgres.")
	fs.StringVar(&f.redisAddr, "redis-addr", "localhost:6379", "Redis address for the redis backend.")
	fs.StringVar(&f.redisPrefix, "redis-prefix", "admission:", "Redis key prefix.")
	fs.StringVar(&f.postgresDSN, "postgres-dsn", os.Getenv("DATABASE_URL"), "Postgres DSN for the postgres backend.")
	fs.BoolVar(&f.dbDirectory, "db-directory", false, "Resolve accounts from Postgres instead of the config file.")
	fs.DurationVar(&f.sweepInterval, "sweep-interval", time.Minute, "How often idle counters are dropped (memory and postgres backends).")
	fs.StringVar(&f.logLevel, "log-level", "info", "Log level: debug, info, warn or error.")
	_ = fs.Parse(os.Args[1:])

	var level slog.Level
	if err := level.UnmarshalText([]byte(f.logLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "admissiond: invalid --log-level %q\n", f.logLevel)
		os.Exit(2)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, f, logger); err != nil {
		logger.Error("admissiond exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, f flags, logger *slog.Logger) error {
	cfg, err := admission.LoadConfig(f.configPath)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	promMeter, err := meter.NewPrometheusMeter(reg)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	opts := []admission.Option{
		admission.WithMeter(meter.Multi{meter.NewLogMeter(logger), promMeter}),
	}

	g, ctx := errgroup.WithContext(ctx)

	switch f.backend {
	case "memory":
		counters := quota.NewMemoryCounterStore()
		opts = append(opts,
			admission.WithCounterStore(counters),
			admission.WithLedger(quota.NewMemoryLedger()),
		)
		g.Go(func() error {
			sweep(ctx, logger, f.sweepInterval, func(context.Context) error {
				counters.DeleteExpired()
				return nil
			})
			return nil
		})

	case "redis":
		client := goredis.NewClient(&goredis.Options{Addr: f.redisAddr})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis not available at %s: %w", f.redisAddr, err)
		}
		opts = append(opts,
			admission.WithCounterStore(quotaredis.NewCounterStore(client, quotaredis.WithKeyPrefix(f.redisPrefix))),
			admission.WithLedger(quotaredis.NewLedger(client, quotaredis.WithKeyPrefix(f.redisPrefix))),
		)

	case "postgres":
		pool, err := pgxpool.New(ctx, f.postgresDSN)
		if err != nil {
			return fmt.Errorf("pgxpool: %w", err)
		}
		defer pool.Close()
		store := quotapg.New(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			return err
		}
		opts = append(opts,
			admission.WithCounterStore(store),
			admission.WithLedger(store),
		)
		// Rows idle for twice the longest window can no longer affect a decision.
		if retain := 2 * cfg.LongestWindow(); retain > 0 {
			g.Go(func() error {
				sweep(ctx, logger, f.sweepInterval, func(ctx context.Context) error {
					n, err := store.CleanupWindows(ctx, time.Now(), retain)
					if err == nil && n > 0 {
						logger.Debug("swept idle windows", "rows", n)
					}
					return err
				})
				return nil
			})
		}
		if f.dbDirectory {
			for _, acc := range cfg.Accounts {
				if err := store.PutAccount(ctx, admission.Account{ID: acc.ID, Tier: acc.Tier, CreatedAt: acc.CreatedAt}); err != nil {
					return err
				}
			}
			opts = append(opts, admission.WithDirectory(store))
		}

	default:
		return fmt.Errorf("unknown backend %q", f.backend)
	}

	controller, err := admission.NewController(cfg, opts...)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/v1/", httpapi.NewHandler(controller, logger))
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:              f.listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		logger.Info("admissiond listening", "addr", f.listen, "backend", f.backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// sweep runs fn every interval until ctx is done. Failures are logged and
// retried on the next tick.
func sweep(ctx context.Context, logger *slog.Logger, interval time.Duration, fn func(context.Context) error) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("sweep failed", "error", err)
			}
		}
	}
}
