package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

// SQLRepository provides PostgreSQL backed persistence for the ledger. The
// audit_log table carries a UNIQUE (chain_id, seq) constraint; a violated
// insert tells the ledger the tail moved under it.
type SQLRepository struct {
	pool *pgxpool.Pool
}

// NewSQLRepository constructs a repository.
func NewSQLRepository(pool *pgxpool.Pool) *SQLRepository {
	return &SQLRepository{pool: pool}
}

// Tail returns the newest (seq, hash) of the chain.
func (r *SQLRepository) Tail(ctx context.Context, chainID string) (Tail, error) {
	var tail Tail
	err := r.pool.QueryRow(ctx, `SELECT seq, hash FROM audit_log
WHERE chain_id = $1 ORDER BY seq DESC LIMIT 1`, chainID).Scan(&tail.Seq, &tail.Hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Tail{}, ErrEmptyChain
		}
		return Tail{}, err
	}
	return tail, nil
}

// Insert appends one entry. Returns ErrTailMoved when the (chain_id, seq)
// slot was claimed by a concurrent append.
func (r *SQLRepository) Insert(ctx context.Context, e Entry) (int64, error) {
	var approvalID any
	if e.ApprovalID != nil {
		approvalID = *e.ApprovalID
	}
	var id int64
	err := r.pool.QueryRow(ctx, `INSERT INTO audit_log
(chain_id, seq, at, actor_id, action, category, resource_type, resource_id,
 origin_ip, client_id, session_id, before, after, correlation_id, approval_id, prev_hash, hash)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
RETURNING id`,
		e.ChainID, e.Seq, e.At, e.ActorID, e.Action, e.Category, e.ResourceType, e.ResourceID,
		e.Caller.OriginIP, e.Caller.ClientID, e.Caller.SessionID,
		nullableJSON(e.Before), nullableJSON(e.After), e.CorrelationID, approvalID, e.PrevHash, e.Hash,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return 0, ErrTailMoved
		}
		return 0, fmt.Errorf("audit: insert entry: %w", err)
	}
	return id, nil
}

// Range returns entries of the chain with seq in [fromSeq, toSeq], ordered
// by seq. toSeq zero means "to the tail".
func (r *SQLRepository) Range(ctx context.Context, chainID string, fromSeq, toSeq int64) ([]Entry, error) {
	query := `SELECT id, chain_id, seq, at, actor_id, action, category, resource_type, resource_id,
origin_ip, client_id, session_id, before, after, correlation_id, approval_id, prev_hash, hash
FROM audit_log WHERE chain_id = $1 AND seq >= $2`
	args := []any{chainID, fromSeq}
	if toSeq > 0 {
		query += ` AND seq <= $3`
		args = append(args, toSeq)
	}
	query += ` ORDER BY seq ASC`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: range: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Timeline returns entries matching the filters, newest first, indexed by
// timestamp and correlation id.
func (r *SQLRepository) Timeline(ctx context.Context, chainID string, f TimelineFilters, limit, offset int) ([]Entry, error) {
	var corrID any
	if f.CorrelationID != uuid.Nil {
		corrID = f.CorrelationID
	}
	rows, err := r.pool.Query(ctx, `SELECT id, chain_id, seq, at, actor_id, action, category, resource_type, resource_id,
origin_ip, client_id, session_id, before, after, correlation_id, approval_id, prev_hash, hash
FROM audit_log
WHERE chain_id = $1
  AND ($2::timestamptz IS NULL OR at >= $2)
  AND ($3::timestamptz IS NULL OR at <= $3)
  AND ($4::bigint IS NULL OR actor_id = $4)
  AND ($5::text IS NULL OR category = $5)
  AND ($6::text IS NULL OR action = $6)
  AND ($7::uuid IS NULL OR correlation_id = $7)
ORDER BY at DESC, seq DESC
LIMIT $8 OFFSET $9`,
		chainID, optionalTime(f.From), optionalTime(f.To), optionalInt(f.ActorID),
		optionalText(f.Category), optionalText(f.Action), corrID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("audit: timeline: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows pgx.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var (
			e          Entry
			at         pgtype.Timestamptz
			approvalID pgtype.UUID
		)
		if err := rows.Scan(&e.ID, &e.ChainID, &e.Seq, &at, &e.ActorID, &e.Action, &e.Category,
			&e.ResourceType, &e.ResourceID,
			&e.Caller.OriginIP, &e.Caller.ClientID, &e.Caller.SessionID,
			&e.Before, &e.After, &e.CorrelationID, &approvalID, &e.PrevHash, &e.Hash); err != nil {
			return nil, err
		}
		if at.Valid {
			e.At = at.Time
		}
		if approvalID.Valid {
			id := uuid.UUID(approvalID.Bytes)
			e.ApprovalID = &id
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

func optionalTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func optionalInt(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

func optionalText(s string) any {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return s
}
