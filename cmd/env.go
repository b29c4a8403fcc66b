package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/exchange-feed/internal/db"
	"github.com/sells-group/exchange-feed/internal/queue"
	"github.com/sells-group/exchange-feed/internal/store"
)

// appEnv holds the store and queue shared by every command.
type appEnv struct {
	Store store.Store
	Queue queue.Queue
}

// Close releases the queue first; a Postgres queue shares the store's pool.
func (e *appEnv) Close() {
	if e.Queue != nil {
		_ = e.Queue.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

type migrator interface {
	Migrate(ctx context.Context) error
}

// initEnv validates cfg for mode, opens the configured store and queue,
// and migrates both. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}
	if cfg.Queue.Driver == "memory" && !consumesOwnQueue(mode) {
		return nil, eris.Errorf("queue.driver=memory requires in-process workers (worker or serve --with-workers), not %q", mode)
	}

	env := &appEnv{}
	qopts := []queue.Option{
		queue.WithLeaseTTL(time.Duration(cfg.Queue.LeaseSecs) * time.Second),
		queue.WithPollInterval(time.Duration(cfg.Queue.PollIntervalMs) * time.Millisecond),
	}

	switch cfg.Store.Driver {
	case "postgres":
		pool, err := db.Open(ctx, cfg.Store.DatabaseURL, &db.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
		if err != nil {
			return nil, err
		}
		env.Store = store.NewPostgres(pool)
		if cfg.Queue.Driver == "postgres" {
			env.Queue = queue.NewPostgres(pool, qopts...)
		}
	case "sqlite":
		st, err := store.NewSQLite(cfg.Store.DatabaseURL)
		if err != nil {
			return nil, err
		}
		env.Store = st
		if cfg.Queue.Driver == "sqlite" {
			q, err := queue.NewSQLite(cfg.Store.DatabaseURL, qopts...)
			if err != nil {
				env.Close()
				return nil, err
			}
			env.Queue = q
		}
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
	if env.Queue == nil {
		zap.L().Warn("using in-process memory queue; jobs do not survive restarts")
		env.Queue = queue.NewMemory(qopts...)
	}

	if err := env.Store.Migrate(ctx); err != nil {
		env.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	if m, ok := env.Queue.(migrator); ok {
		if err := m.Migrate(ctx); err != nil {
			env.Close()
			return nil, eris.Wrap(err, "migrate queue")
		}
	}
	return env, nil
}

// consumesOwnQueue reports whether a process in mode drains the queue it
// pushes to. A memory queue is only safe in such a process.
func consumesOwnQueue(mode string) bool {
	switch mode {
	case "worker":
		return true
	case "serve":
		return serveWithWorkers
	}
	return false
}
