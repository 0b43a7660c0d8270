package ledger

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
)

// SQLMirror is an optional read path for the admin `/admin/cost_ledgers`
// surface: a denormalized table the dispatcher appends one row to for each
// reservation it settles, queried with goqu (the SQL builder rakunlabs-at depends on)
// instead of the hot-path ledger itself — Reserve/Commit/Rollback never
// touch SQL, only this reporting mirror does. It connects to the same
// ClickHouse deployment and settings as internal/audit's durable sink but
// opens its own database/sql pool via clickhouse.OpenDB, so wiring it in
// adds no new storage engine beyond the one the audit export path already requires.
type SQLMirror struct {
	db      *sql.DB
	dialect goqu.DialectWrapper
	table   string
}

// SQLMirrorConfig configures the connection. Mirrors audit.ClickHouseConfig
// — the two sinks are meant to share one ClickHouse deployment.
type SQLMirrorConfig struct {
	Addr     []string
	Database string
	Username string
	Password string
	Table    string // default "cost_ledger_entries"
}

// NewSQLMirror opens a database/sql connection to cfg's ClickHouse instance
// and ensures the mirror table exists. Uses goqu's mysql dialect: ClickHouse's
// database/sql driver accepts `?`-style positional placeholders, the same
// convention the mysql dialect builds.
func NewSQLMirror(ctx context.Context, cfg SQLMirrorConfig) (*SQLMirror, error) {
	table := cfg.Table
	if table == "" {
		table = "cost_ledger_entries"
	}

	db := clickhouse.OpenDB(&clickhouse.Options{
		Addr: cfg.Addr,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
	})
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger: sqlmirror ping: %w", err)
	}

	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	request_id String,
	scope_kind String,
	scope_id String,
	spent_tokens UInt64,
	spent_usd_micros UInt64,
	settled_at_ms Int64
) ENGINE = MergeTree
ORDER BY (settled_at_ms, scope_kind, scope_id)
`, table)
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger: sqlmirror create table: %w", err)
	}

	return &SQLMirror{db: db, dialect: goqu.Dialect("mysql"), table: table}, nil
}

// Close releases the underlying connection pool.
func (m *SQLMirror) Close() error {
	return m.db.Close()
}

// CostLedgerRow is one settled-request entry in the mirror table.
type CostLedgerRow struct {
	RequestID      string
	ScopeKind      string // "virtual_key" | "project" | "user" | "tenant"
	ScopeID        string
	SpentTokens    uint64
	SpentUSDMicros uint64
	SettledAtMs    int64
}

// Append inserts one settled row into the mirror.
func (m *SQLMirror) Append(ctx context.Context, row CostLedgerRow) error {
	insert := m.dialect.Insert(m.table).Rows(goqu.Record{
		"request_id":       row.RequestID,
		"scope_kind":       row.ScopeKind,
		"scope_id":         row.ScopeID,
		"spent_tokens":     row.SpentTokens,
		"spent_usd_micros": row.SpentUSDMicros,
		"settled_at_ms":    row.SettledAtMs,
	})
	sqlStr, args, err := insert.ToSQL()
	if err != nil {
		return fmt.Errorf("sqlmirror: build insert: %w", err)
	}
	_, err = m.db.ExecContext(ctx, sqlStr, args...)
	return err
}

// ListByScope returns the most recent rows for one scope kind/id, ordered
// newest first, bounded by limit/offset — backs
// `GET /admin/cost_ledgers/{scope}/{id}`'s history.
func (m *SQLMirror) ListByScope(ctx context.Context, scopeKind, scopeID string, limit, offset int) ([]CostLedgerRow, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	q := m.dialect.From(m.table).
		Where(goqu.Ex{"scope_kind": scopeKind, "scope_id": scopeID}).
		Order(goqu.I("settled_at_ms").Desc()).
		Limit(uint(limit)).
		Offset(uint(offset))

	sqlStr, args, err := q.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("sqlmirror: build select: %w", err)
	}

	rows, err := m.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlmirror: query: %w", err)
	}
	defer rows.Close()

	var out []CostLedgerRow
	for rows.Next() {
		var r CostLedgerRow
		if err := rows.Scan(&r.RequestID, &r.ScopeKind, &r.ScopeID, &r.SpentTokens, &r.SpentUSDMicros, &r.SettledAtMs); err != nil {
			return nil, fmt.Errorf("sqlmirror: scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
