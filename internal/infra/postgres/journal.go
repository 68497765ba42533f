// Package postgres implements domain.Journal on PostgreSQL via pgx.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"crypto_arb/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Journal writes executions, transitions and opportunities to PostgreSQL.
type Journal struct {
	pool *pgxpool.Pool
}

// Open connects to dsn, verifies the connection and applies migrations.
func Open(ctx context.Context, dsn string, maxConns int) (*Journal, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	j := &Journal{pool: pool}
	if err := j.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return j, nil
}

// Close shuts down the connection pool.
func (j *Journal) Close() error {
	j.pool.Close()
	return nil
}

// migrate applies the embedded migrations in lexicographic order, tracking
// applied files in schema_migrations.
func (j *Journal) migrate(ctx context.Context) error {
	const createTracker = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`
	if _, err := j.pool.Exec(ctx, createTracker); err != nil {
		return fmt.Errorf("postgres: create schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("postgres: read migrations dir: %w", err)
	}
	sort.Slice(entries, func(a, b int) bool { return entries[a].Name() < entries[b].Name() })

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		var applied bool
		if err := j.pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename = $1)", name,
		).Scan(&applied); err != nil {
			return fmt.Errorf("postgres: check migration %s: %w", name, err)
		}
		if applied {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("postgres: read migration %s: %w", name, err)
		}
		err = pgx.BeginFunc(ctx, j.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(data)); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, "INSERT INTO schema_migrations (filename) VALUES ($1)", name)
			return err
		})
		if err != nil {
			return fmt.Errorf("postgres: apply migration %s: %w", name, err)
		}
	}
	return nil
}

// RecordExecution upserts one execution; legs are stored as JSONB.
func (j *Journal) RecordExecution(ctx context.Context, rec domain.ExecutionRecord) error {
	const query = `
		INSERT INTO executions (
			id, opportunity_id, kind, symbol, venues, state, history, legs,
			expected_profit, realized_pnl, reason, started_at, finished_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			history = EXCLUDED.history,
			legs = EXCLUDED.legs,
			realized_pnl = EXCLUDED.realized_pnl,
			reason = EXCLUDED.reason,
			finished_at = EXCLUDED.finished_at`

	legs, err := json.Marshal(rec.Legs)
	if err != nil {
		return fmt.Errorf("postgres: encode legs of %s: %w", rec.ID, err)
	}
	history := make([]string, len(rec.History))
	for i, s := range rec.History {
		history[i] = string(s)
	}

	_, err = j.pool.Exec(ctx, query,
		rec.ID, rec.OpportunityID, string(rec.Kind), rec.Symbol, nonNil(rec.Venues), string(rec.State), history, string(legs),
		rec.ExpectedProfit.String(), rec.RealizedPnL.String(), rec.Reason, rec.StartedAt, rec.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert execution %s: %w", rec.ID, err)
	}
	return nil
}

func (j *Journal) RecordTransition(ctx context.Context, t domain.StateTransition) error {
	const query = `
		INSERT INTO execution_transitions (execution_id, from_state, to_state, note, at)
		VALUES ($1, $2, $3, $4, $5)`
	if _, err := j.pool.Exec(ctx, query, t.ExecutionID, string(t.From), string(t.To), t.Note, t.At); err != nil {
		return fmt.Errorf("postgres: insert transition %s: %w", t.ExecutionID, err)
	}
	return nil
}

func (j *Journal) RecordOpportunity(ctx context.Context, o domain.OpportunityRecord) error {
	const query = `
		INSERT INTO opportunities (id, kind, symbol, venues, net_profit_pct, notional, decision, discovered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET decision = EXCLUDED.decision`
	_, err := j.pool.Exec(ctx, query,
		o.ID, string(o.Kind), o.Symbol, nonNil(o.Venues), o.NetProfitPct.String(), o.Notional.String(), o.Decision, o.DiscoveredAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert opportunity %s: %w", o.ID, err)
	}
	return nil
}

// RecentExecutions returns the latest executions, newest first.
func (j *Journal) RecentExecutions(ctx context.Context, limit int) ([]domain.ExecutionRecord, error) {
	query := `SELECT id, opportunity_id, kind, symbol, venues, state, history, legs,
		expected_profit::text, realized_pnl::text, reason, started_at, finished_at
		FROM executions ORDER BY finished_at DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}

	rows, err := j.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list executions: %w", err)
	}
	defer rows.Close()

	var out []domain.ExecutionRecord
	for rows.Next() {
		var (
			rec                domain.ExecutionRecord
			kind, state        string
			history            []string
			legs               []byte
			expected, realized string
		)
		if err := rows.Scan(
			&rec.ID, &rec.OpportunityID, &kind, &rec.Symbol, &rec.Venues, &state, &history, &legs,
			&expected, &realized, &rec.Reason, &rec.StartedAt, &rec.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan execution: %w", err)
		}
		rec.Kind = domain.OpportunityKind(kind)
		rec.State = domain.ExecutionState(state)
		for _, s := range history {
			rec.History = append(rec.History, domain.ExecutionState(s))
		}
		if err := json.Unmarshal(legs, &rec.Legs); err != nil {
			return nil, fmt.Errorf("postgres: decode legs of %s: %w", rec.ID, err)
		}
		rec.ExpectedProfit, _ = decimal.NewFromString(expected)
		rec.RealizedPnL, _ = decimal.NewFromString(realized)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate executions: %w", err)
	}
	return out, nil
}

// RealizedPnLSince sums realized P&L of executions finished at or after t.
func (j *Journal) RealizedPnLSince(ctx context.Context, t time.Time) (decimal.Decimal, error) {
	var total string
	err := j.pool.QueryRow(ctx,
		"SELECT COALESCE(SUM(realized_pnl), 0)::text FROM executions WHERE finished_at >= $1", t,
	).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("postgres: sum pnl: %w", err)
	}
	return decimal.NewFromString(total)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
