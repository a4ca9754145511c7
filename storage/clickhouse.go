package storage

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"aegis/config"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

// ClickHouse holds the event database connection.
type ClickHouse struct {
	Conn   driver.Conn
	Config *config.Config
	Logger *zap.SugaredLogger
}

// NewClickHouse connects to ClickHouse and verifies the connection.
func NewClickHouse(cfg *config.Config, logger *zap.SugaredLogger) (*ClickHouse, error) {
	options := &clickhouse.Options{
		Addr: []string{cfg.ClickHouse.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.ClickHouse.Database,
			Username: cfg.ClickHouse.Username,
			Password: cfg.ClickHouse.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: 10 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		MaxOpenConns:     cfg.ClickHouse.MaxPoolSize,
		MaxIdleConns:     cfg.ClickHouse.MaxPoolSize / 2,
		ConnMaxLifetime:  1 * time.Hour,
		ConnOpenStrategy: clickhouse.ConnOpenInOrder,
		DialContext: func(ctx context.Context, addr string) (net.Conn, error) {
			var d net.Dialer
			d.Timeout = 10 * time.Second
			d.KeepAlive = 30 * time.Second
			return d.DialContext(ctx, "tcp", addr)
		},
	}

	if cfg.ClickHouse.TLS {
		options.TLS = &tls.Config{
			MinVersion: tls.VersionTLS13,
		}
	}

	conn, err := clickhouse.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	ch := &ClickHouse{Conn: conn, Config: cfg, Logger: logger}
	if err := ch.migrate(ctx); err != nil {
		return nil, fmt.Errorf("ClickHouse migrations failed: %w", err)
	}
	logger.Infow("ClickHouse ready", "addr", cfg.ClickHouse.Addr, "database", cfg.ClickHouse.Database)
	return ch, nil
}

func (ch *ClickHouse) migrate(ctx context.Context) error {
	return ch.Conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS events (
			event_id String,
			tenant_id String,
			timestamp DateTime64(3, 'UTC'),
			ingested_at DateTime64(3, 'UTC'),
			source_format String,
			fields String
		) ENGINE = MergeTree()
		PARTITION BY toYYYYMM(timestamp)
		ORDER BY (tenant_id, timestamp, event_id)
		TTL toDateTime(timestamp) + INTERVAL 90 DAY
	`)
}

// Close closes the connection pool.
func (ch *ClickHouse) Close() error {
	return ch.Conn.Close()
}
