package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"marketplace-calls/internal/auth"
	"marketplace-calls/internal/config"
	"marketplace-calls/internal/httpapi"
	"marketplace-calls/internal/metrics"
	"marketplace-calls/internal/notify"
	"marketplace-calls/internal/push"
	"marketplace-calls/internal/records"
	"marketplace-calls/internal/transport"
	"marketplace-calls/pkg/utils"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
)

// buildDeps selects the record store and event broker from cfg and wires the
// services behind the router. The returned func releases connections.
func buildDeps(ctx context.Context, cfg config.Config, m *metrics.Metrics, log *slog.Logger) (httpapi.RouterDeps, func(), error) {
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (httpapi.RouterDeps, func(), error) {
		closeAll()
		return httpapi.RouterDeps{}, func() {}, err
	}
	var checks []func(context.Context) error

	tokens, err := auth.NewManager(cfg.Video)
	if err != nil {
		return fail(err)
	}

	var repo records.Repository
	switch cfg.App.Store {
	case "postgres":
		db, err := utils.OpenPostgres(ctx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
		if err != nil {
			return fail(fmt.Errorf("postgres: %w", err))
		}
		closers = append(closers, func() { _ = db.Close() })
		pg := records.NewPostgresRepo(db)
		if err := pg.Migrate(ctx); err != nil {
			return fail(fmt.Errorf("postgres schema: %w", err))
		}
		repo = pg
		checks = append(checks, func(ctx context.Context) error { return pingDB(ctx, db) })
	default:
		repo = records.NewMemoryRepo()
	}

	var (
		pub      notify.Publisher
		upstream transport.Dialer
	)
	switch cfg.App.Broker {
	case "redis":
		// Pub/sub receivers block on reads, so no per-read deadline.
		rdb, err := utils.OpenRedis(ctx, utils.RedisConfig{Addr: cfg.RedisAddr(), Password: cfg.Redis.Password, ReadTimeout: -1})
		if err != nil {
			return fail(fmt.Errorf("redis: %w", err))
		}
		closers = append(closers, func() { _ = rdb.Close() })
		pub = &notify.RedisPublisher{Client: rdb}
		upstream = &transport.RedisDialer{Client: rdb, Log: log}
		checks = append(checks, func(ctx context.Context) error { return pingRedis(ctx, rdb) })
	default:
		hub := transport.NewHub(log)
		pub = &notify.ChannelPublisher{Pub: hub}
		upstream = hub
	}

	deps := httpapi.RouterDeps{
		Handlers: httpapi.Handlers{
			Notify: notify.NewService(repo, pub, m, log),
			Tokens: tokens,
			Rooms:  httpapi.NewRooms(m),
		},
		Push:    push.NewGateway(cfg.Push.AppKey, upstream, m, log),
		Metrics: m,
		Log:     log,
		Ready: func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			for _, check := range checks {
				if err := check(ctx); err != nil {
					return err
				}
			}
			return nil
		},
	}
	return deps, closeAll, nil
}

func pingDB(ctx context.Context, db *sql.DB) error {
	return utils.HealthCheck(ctx, db, time.Second)
}

func pingRedis(ctx context.Context, rdb *redis.Client) error {
	return rdb.Ping(ctx).Err()
}
