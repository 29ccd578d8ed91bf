package logger

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// ClickHouseSink is an optional durable sink for the request-log stream:
// the same batches the in-process channel-batching logic already flushes to
// slog are also inserted into ClickHouse, giving request logs a queryable
// home that survives process restarts. Prometheus (internal/metrics) remains
// the live view; ClickHouse is the durable one.
type ClickHouseSink struct {
	conn  driver.Conn
	table string
}

// ClickHouseConfig configures the sink's connection.
type ClickHouseConfig struct {
	Addr     []string
	Database string
	Username string
	Password string
	Table    string // defaults to "request_logs"
}

// NewClickHouseSink opens a ClickHouse connection and verifies it with a
// ping. The caller owns the returned sink's lifetime and must Close it.
func NewClickHouseSink(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseSink, error) {
	table := cfg.Table
	if table == "" {
		table = "request_logs"
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: cfg.Addr,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("logger: open clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("logger: ping clickhouse: %w", err)
	}

	return &ClickHouseSink{conn: conn, table: table}, nil
}

// Insert batch-inserts a flushed set of request logs. Errors are the
// caller's responsibility to log/count — a ClickHouse outage must never
// block or drop the slog path, which is why the flush step in Logger.run
// treats this sink as best-effort.
func (s *ClickHouseSink) Insert(ctx context.Context, entries []RequestLog) error {
	if len(entries) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s", s.table))
	if err != nil {
		return fmt.Errorf("logger: prepare clickhouse batch: %w", err)
	}

	for _, e := range entries {
		if err := batch.Append(
			e.ID.String(),
			e.Provider,
			e.Model,
			e.InputTokens,
			e.OutputTokens,
			e.LatencyMs,
			e.Status,
			e.Cached,
			normalizeTime(e.CreatedAt),
		); err != nil {
			return fmt.Errorf("logger: append clickhouse row: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("logger: send clickhouse batch: %w", err)
	}
	return nil
}

func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}
