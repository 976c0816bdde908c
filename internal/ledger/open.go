package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ptrus/rofl-x402-service/internal/config"
)

// Pruner is implemented by backends that need explicit retention
// enforcement. Redis and Mongo expire records on their own.
type Pruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// Open builds the configured backend. Networked backends are wrapped in a
// RetryLedger.
func Open(ctx context.Context, cfg config.LedgerConfig, retry config.RetryConfig) (Ledger, error) {
	retention := time.Duration(cfg.RetentionHours) * time.Hour

	var (
		l   Ledger
		err error
	)
	switch cfg.Type {
	case "memory":
		logrus.Warn("Using in-memory payment ledger; replay protection does not survive restarts or span replicas")
		return NewMemory(), nil
	case "redis":
		l, err = NewRedis(ctx, RedisOptions{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Prefix:    cfg.Redis.Prefix,
			Retention: retention,
		})
	case "postgres":
		l, err = NewPostgres(ctx, cfg.Postgres.DSN)
	case "mongo":
		l, err = NewMongo(ctx, cfg.Mongo.URI, cfg.Mongo.Database, cfg.Mongo.Collection, retention)
	default:
		return nil, fmt.Errorf("unsupported ledger type: %s", cfg.Type)
	}
	if err != nil {
		return nil, err
	}
	return NewRetryLedger(l, retry.Attempts, retry.DelayMS), nil
}

// RunPruner deletes expired records every interval until ctx is done. It
// returns immediately when l cannot prune or retention is zero.
func RunPruner(ctx context.Context, l Ledger, retention, interval time.Duration) {
	if rl, ok := l.(*RetryLedger); ok {
		l = rl.inner
	}
	p, ok := l.(Pruner)
	if !ok || retention <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.Prune(ctx, time.Now().Add(-retention))
			if err != nil {
				logrus.WithError(err).Warn("Ledger prune failed")
				continue
			}
			if n > 0 {
				logrus.Infof("Pruned %d expired ledger records", n)
			}
		}
	}
}
