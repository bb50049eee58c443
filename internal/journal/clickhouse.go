package journal

import (
	"context"
	"fmt"
	"time"

	"crypto-futures-trader/internal/model"

	"github.com/ClickHouse/clickhouse-go/v2"
)

// ClickHouseConfig 连接参数
type ClickHouseConfig struct {
	Addr     string
	Database string
	Table    string
	Username string
	Password string
}

// ClickHouseJournal 把流水写入 ClickHouse 表
type ClickHouseJournal struct {
	conn  clickhouse.Conn
	table string // database.table
	now   func() time.Time
}

// NewClickHouseJournal 连接、Ping 并确保表存在
func NewClickHouseJournal(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseJournal, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}

	j := &ClickHouseJournal{
		conn:  conn,
		table: cfg.Database + "." + cfg.Table,
		now:   time.Now,
	}
	if err := j.ensureSchema(ctx, cfg.Database); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return j, nil
}

func (j *ClickHouseJournal) ensureSchema(ctx context.Context, database string) error {
	if err := j.conn.Exec(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", database)); err != nil {
		return fmt.Errorf("create database: %w", err)
	}
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			ts DateTime,
			symbol LowCardinality(String),
			timeframe LowCardinality(String),
			type LowCardinality(String),
			entry_price Float64,
			exit_price Float64,
			pnl_pct Float64,
			result LowCardinality(String)
		)
		ENGINE = MergeTree
		ORDER BY (symbol, ts)
	`, j.table)
	if err := j.conn.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	return nil
}

func (j *ClickHouseJournal) Append(ctx context.Context, e model.TradeLogEntry) error {
	q := fmt.Sprintf(`INSERT INTO %s (ts, symbol, timeframe, type, entry_price, exit_price, pnl_pct, result)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, j.table)
	err := j.conn.Exec(ctx, q,
		e.Timestamp, e.Symbol, e.Timeframe, string(e.Type),
		e.EntryPrice, e.ExitPrice, e.PnLPct, string(e.Result))
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

func (j *ClickHouseJournal) Recent(ctx context.Context, symbol string) ([]model.TradeLogEntry, error) {
	q := fmt.Sprintf(`SELECT ts, symbol, timeframe, type, entry_price, exit_price, pnl_pct, result
		FROM %s WHERE ts >= ?`, j.table)
	args := []any{j.now().Add(-Window)}
	if symbol != "" {
		q += " AND symbol = ?"
		args = append(args, symbol)
	}
	q += " ORDER BY ts"

	rows, err := j.conn.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var out []model.TradeLogEntry
	for rows.Next() {
		var (
			e        model.TradeLogEntry
			typ, res string
		)
		if err := rows.Scan(&e.Timestamp, &e.Symbol, &e.Timeframe, &typ,
			&e.EntryPrice, &e.ExitPrice, &e.PnLPct, &res); err != nil {
			return out, fmt.Errorf("scan trade: %w", err)
		}
		e.Type = model.TradeType(typ)
		e.Result = model.TradeResult(res)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (j *ClickHouseJournal) Close() error {
	return j.conn.Close()
}
