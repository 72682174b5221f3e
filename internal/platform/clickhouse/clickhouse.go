// Package clickhouse opens the native-protocol connection the migration runs against
package clickhouse

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/cenkalti/backoff/v4"
	"github.com/linkflow-ai/chmigrate/internal/platform/config"
	"github.com/linkflow-ai/chmigrate/internal/platform/logger"
)

// Options builds driver options from configuration
func Options(cfg config.ClickHouseConfig) clickhouse.Options {
	opts := clickhouse.Options{
		Addr: []string{cfg.Addr()},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		DialTimeout: cfg.DialTimeout,
		ReadTimeout: cfg.ReadTimeout,
	}
	if cfg.Secure {
		opts.TLS = &tls.Config{}
	}
	return opts
}

// Open connects to ClickHouse and retries the first ping with exponential backoff
func Open(ctx context.Context, cfg config.ClickHouseConfig, log logger.Logger) (clickhouse.Conn, error) {
	opts := Options(cfg)
	conn, err := clickhouse.Open(&opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open clickhouse connection: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = cfg.ConnectRetryMax

	ping := func() error {
		return conn.Ping(ctx)
	}
	notify := func(err error, next time.Duration) {
		log.Warn("ClickHouse not reachable yet", "addr", cfg.Addr(), "error", err, "retry_in", next)
	}

	if err := backoff.RetryNotify(ping, backoff.WithContext(b, ctx), notify); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping clickhouse at %s: %w", cfg.Addr(), err)
	}

	log.Info("Connected to ClickHouse", "addr", cfg.Addr(), "database", cfg.Database)
	return conn, nil
}
