package rag

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// logDB is the database dependency of Log. *pgxpool.Pool satisfies it.
type logDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Log is the PostgreSQL conversation audit log.
type Log struct {
	db logDB
	sb sq.StatementBuilderType
}

// NewLog creates a Log on db.
func NewLog(db logDB) *Log {
	return &Log{db: db, sb: sq.StatementBuilder.PlaceholderFormat(sq.Dollar)}
}

// AppendTurns records turns in order.
func (l *Log) AppendTurns(ctx context.Context, tenantID, ownerID string, turns []Turn) error {
	if len(turns) == 0 {
		return nil
	}
	ins := l.sb.Insert("conversations").
		Columns("id", "tenant_id", "owner_id", "role", "content", "cited_source_ids", "created_at")
	now := time.Now().UTC()
	for i, t := range turns {
		cited := t.CitedSourceIDs
		if cited == nil {
			cited = []string{}
		}
		// Preserve insertion order for turns recorded in one call.
		ins = ins.Values(uuid.New(), tenantID, ownerID, t.Role, t.Content,
			cited, now.Add(time.Duration(i)*time.Microsecond))
	}
	query, args, err := ins.ToSql()
	if err != nil {
		return fmt.Errorf("building insert: %w", err)
	}
	if _, err := l.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("recording turns: %w", err)
	}
	return nil
}

// Recent returns the newest limit turns for the scope, oldest first.
func (l *Log) Recent(ctx context.Context, tenantID, ownerID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = 20
	}
	query, args, err := l.sb.Select("role", "content", "cited_source_ids", "created_at").
		From("conversations").
		Where(sq.Eq{"tenant_id": tenantID, "owner_id": ownerID}).
		OrderBy("created_at DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building select: %w", err)
	}
	rows, err := l.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.Role, &t.Content, &t.CitedSourceIDs, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning turn: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse from newest-first to chronological.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// Count returns how many turns the scope has recorded.
func (l *Log) Count(ctx context.Context, tenantID, ownerID string) (int, error) {
	query, args, err := l.sb.Select("count(*)").
		From("conversations").
		Where(sq.Eq{"tenant_id": tenantID, "owner_id": ownerID}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("building count: %w", err)
	}
	var n int
	if err := l.db.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting turns: %w", err)
	}
	return n, nil
}
