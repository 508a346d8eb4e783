package calllog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists the call audit trail in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS relay_calls (
			id TEXT PRIMARY KEY,
			remote_addr TEXT NOT NULL DEFAULT '',
			stream_sid TEXT NOT NULL DEFAULT '',
			call_sid TEXT NOT NULL DEFAULT '',
			end_reason TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			ended_at TIMESTAMPTZ
		);`,
		`CREATE INDEX IF NOT EXISTS idx_relay_calls_started ON relay_calls (started_at DESC);`,
		`CREATE TABLE IF NOT EXISTS relay_tool_invocations (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES relay_calls(id) ON DELETE CASCADE,
			call_id TEXT NOT NULL,
			tool TEXT NOT NULL,
			arguments TEXT NOT NULL,
			outcome TEXT NOT NULL,
			latency_ms BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_relay_tool_invocations_session ON relay_tool_invocations (session_id, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) CallStarted(ctx context.Context, record CallRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.StartedAt.IsZero() {
		record.StartedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO relay_calls (id, remote_addr, started_at) VALUES ($1, $2, $3)`,
		record.ID,
		record.RemoteAddr,
		record.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("save call: %w", err)
	}
	return nil
}

func (s *PostgresStore) StreamAttached(ctx context.Context, sessionID, streamSID, callSID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE relay_calls SET stream_sid=$2, call_sid=$3 WHERE id=$1`,
		sessionID, streamSID, callSID,
	)
	if err != nil {
		return fmt.Errorf("attach stream: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CallEnded(ctx context.Context, sessionID, reason string, endedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE relay_calls SET end_reason=$2, ended_at=$3 WHERE id=$1`,
		sessionID, reason, endedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("end call: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ToolInvoked(ctx context.Context, record ToolRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO relay_tool_invocations (id, session_id, call_id, tool, arguments, outcome, latency_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		record.ID,
		record.SessionID,
		record.CallID,
		record.Tool,
		record.Arguments,
		record.Outcome,
		record.LatencyMS,
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save tool invocation: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecentCalls(ctx context.Context, limit int) ([]CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, remote_addr, stream_sid, call_sid, end_reason, started_at, ended_at
		 FROM relay_calls ORDER BY started_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent calls: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (CallRecord, error) {
		var c CallRecord
		err := row.Scan(&c.ID, &c.RemoteAddr, &c.StreamSID, &c.CallSID, &c.EndReason, &c.StartedAt, &c.EndedAt)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan recent calls: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) ToolHistory(ctx context.Context, sessionID string) ([]ToolRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, call_id, tool, arguments, outcome, latency_ms, created_at
		 FROM relay_tool_invocations WHERE session_id=$1 ORDER BY created_at`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query tool history: %w", err)
	}
	defer rows.Close()

	var items []ToolRecord
	for rows.Next() {
		var r ToolRecord
		if err := rows.Scan(&r.ID, &r.SessionID, &r.CallID, &r.Tool, &r.Arguments, &r.Outcome, &r.LatencyMS, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan tool row: %w", err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tool rows: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
