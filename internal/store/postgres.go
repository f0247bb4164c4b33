package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coreos-dash/coreos-client/internal/model"
)

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps pool and creates the schema if needed.
func NewPostgres(ctx context.Context, pool *pgxpool.Pool) (*Postgres, error) {
	p := &Postgres{pool: pool}
	if err := p.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return p, nil
}

func (p *Postgres) initSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS security_events (
		seq BIGSERIAL PRIMARY KEY,
		id UUID NOT NULL UNIQUE,
		type TEXT NOT NULL,
		ts TIMESTAMPTZ NOT NULL,
		details JSONB
	);
	CREATE INDEX IF NOT EXISTS idx_security_events_ts ON security_events(ts);
	`
	if _, err := p.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := p.pool.QueryRow(ctx, `SELECT value FROM kv WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, true, nil
}

func (p *Postgres) Set(ctx context.Context, key, value string) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO kv (key, value, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()
	`, key, value)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (p *Postgres) Delete(ctx context.Context, key string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM kv WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (p *Postgres) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	ct, err := p.pool.Exec(ctx, `DELETE FROM kv WHERE starts_with(key, $1)`, prefix)
	if err != nil {
		return 0, fmt.Errorf("delete prefix %s: %w", prefix, err)
	}
	return int(ct.RowsAffected()), nil
}

// InsertEvents inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (p *Postgres) InsertEvents(ctx context.Context, events []model.SecurityEvent) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, e := range events {
		details, err := marshalDetails(e.Details)
		if err != nil {
			return 0, err
		}
		batch.Queue(`
			INSERT INTO security_events (id, type, ts, details)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO NOTHING
		`, e.ID, string(e.Type), e.Timestamp, details)
	}

	results := p.pool.SendBatch(ctx, batch)
	defer results.Close()

	inserted := 0
	for range events {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() > 0 {
			inserted++
		}
	}

	return inserted, nil
}

func (p *Postgres) ListEvents(ctx context.Context, limit int) ([]model.SecurityEvent, error) {
	query := `SELECT id::text, type, ts, details FROM security_events ORDER BY ts DESC, seq DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []model.SecurityEvent
	for rows.Next() {
		var (
			e       model.SecurityEvent
			typ     string
			details []byte
		)
		if err := rows.Scan(&e.ID, &typ, &e.Timestamp, &details); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		e.Type = model.EventType(typ)
		e.Timestamp = e.Timestamp.UTC()
		if e.Details, err = unmarshalDetails(details); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
