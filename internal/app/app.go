// Package app wires configuration into the storage, rules and service
// layers shared by the binaries.
package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"custody-tracker/internal/config"
	"custody-tracker/internal/custody"
	"custody-tracker/internal/service"
	"custody-tracker/internal/store"
	"custody-tracker/internal/store/sqlite"
)

// OpenStore connects the configured backend and applies its migrations.
func OpenStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.StoreDriver {
	case "postgres":
		st, err = store.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
	case "sqlite":
		st, err = sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
	if err := st.RunMigrations(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	log.Printf("store ready driver=%s", cfg.StoreDriver)
	return st, nil
}

// NewService loads the transition rules and builds the service. sched may
// be nil when nothing schedules overdue checks.
func NewService(cfg config.Config, st store.Store, sched service.Scheduler) (*service.Service, error) {
	rules, err := custody.LoadRules(cfg.RulesFile)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	opts := []service.Option{service.WithRetries(cfg.StoreRetries, cfg.StoreRetryBackoff)}
	if sched != nil {
		opts = append(opts, service.WithScheduler(sched))
	}
	return service.New(st, rules, opts...), nil
}

// RedisClient returns a client for the configured Redis.
func RedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// Shutdown bounds a graceful stop.
func Shutdown() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}
