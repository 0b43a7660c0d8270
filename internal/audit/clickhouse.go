package audit

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// ClickHouseSink is the durable audit-log backend: the teacher's go.mod
// already carries clickhouse-go/v2 but no package used it. Wired here as
// the append-only store behind /admin/audit/export — column-oriented
// storage and native batch inserts fit an append-only, rarely-updated,
// frequently-range-scanned (by ts_ms) log far better than a row store.
type ClickHouseSink struct {
	conn  driver.Conn
	table string
}

// ClickHouseConfig configures the connection.
type ClickHouseConfig struct {
	Addr     []string
	Database string
	Username string
	Password string
	Table    string // default "audit_records"
}

// NewClickHouseSink opens a connection and ensures the target table exists.
func NewClickHouseSink(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseSink, error) {
	table := cfg.Table
	if table == "" {
		table = "audit_records"
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
		return nil, fmt.Errorf("audit: clickhouse open: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("audit: clickhouse ping: %w", err)
	}

	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id String,
	ts_ms Int64,
	kind String,
	payload String,
	prev_hash String,
	hash String
) ENGINE = MergeTree
ORDER BY (ts_ms, id)
`, table)
	if err := conn.Exec(ctx, ddl); err != nil {
		return nil, fmt.Errorf("audit: clickhouse create table: %w", err)
	}

	return &ClickHouseSink{conn: conn, table: table}, nil
}

// AppendBatch writes records as one native ClickHouse batch insert.
func (c *ClickHouseSink) AppendBatch(ctx context.Context, records []Record) error {
	batch, err := c.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s", c.table))
	if err != nil {
		return fmt.Errorf("audit: prepare batch: %w", err)
	}
	for _, r := range records {
		if err := batch.Append(r.ID, r.TSMs, r.Kind, string(r.Payload), r.PrevHash, r.Hash); err != nil {
			return fmt.Errorf("audit: append to batch: %w", err)
		}
	}
	return batch.Send()
}

// Query range-scans by ts_ms, ordered ascending, for export.
func (c *ClickHouseSink) Query(ctx context.Context, sinceMs, beforeMs int64, limit int) ([]Record, error) {
	query := fmt.Sprintf(`
SELECT id, ts_ms, kind, payload, prev_hash, hash FROM %s
WHERE (? = 0 OR ts_ms >= ?) AND (? = 0 OR ts_ms < ?)
ORDER BY ts_ms ASC, id ASC
LIMIT ?
`, c.table)

	rows, err := c.conn.Query(ctx, query, sinceMs, sinceMs, beforeMs, beforeMs, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r       Record
			payload string
		)
		if err := rows.Scan(&r.ID, &r.TSMs, &r.Kind, &payload, &r.PrevHash, &r.Hash); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		r.Payload = []byte(payload)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close releases the underlying connection pool.
func (c *ClickHouseSink) Close() error {
	return c.conn.Close()
}
