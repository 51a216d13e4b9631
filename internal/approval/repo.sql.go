package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

const requestColumns = `id, request_type, action, target_resource, payload, reason, requester_id,
status, token_digest, token_expires_at, approver_id, decided_at, rejection_reason,
executed_at, execution_result, correlation_id, created_at, updated_at`

// SQLRepository provides PostgreSQL backed persistence for approval
// requests. Indexed by (requester_id, status) and by token_expires_at for
// the advisory sweep.
type SQLRepository struct {
	pool *pgxpool.Pool
}

// NewSQLRepository constructs a repository.
func NewSQLRepository(pool *pgxpool.Pool) *SQLRepository {
	return &SQLRepository{pool: pool}
}

// Create inserts a new PENDING request.
func (r *SQLRepository) Create(ctx context.Context, req Request) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO approval_requests
(id, request_type, action, target_resource, payload, reason, requester_id, status,
 token_digest, token_expires_at, correlation_id, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)`,
		req.ID, string(req.Type), req.Action, req.TargetResource, nullableJSON(req.Payload),
		req.Reason, req.RequesterID, string(req.Status), req.TokenDigest, req.TokenExpiresAt,
		req.CorrelationID, req.CreatedAt)
	if err != nil {
		return fmt.Errorf("approval: create: %w", err)
	}
	return nil
}

// Get fetches one request by id.
func (r *SQLRepository) Get(ctx context.Context, id uuid.UUID) (Request, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM approval_requests WHERE id = $1`, id)
	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, ErrNotFound
		}
		return Request{}, fmt.Errorf("approval: get: %w", err)
	}
	return req, nil
}

// List returns requests matching the filters, newest first.
func (r *SQLRepository) List(ctx context.Context, f ListFilters) ([]Request, error) {
	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `SELECT `+requestColumns+` FROM approval_requests
WHERE ($1::bigint IS NULL OR requester_id = $1)
  AND ($2::text IS NULL OR status = $2)
  AND ($3::text IS NULL OR request_type = $3)
ORDER BY created_at DESC
LIMIT $4 OFFSET $5`,
		optionalInt(f.RequesterID), optionalText(string(f.Status)), optionalText(string(f.Type)),
		limit, f.Offset)
	if err != nil {
		return nil, fmt.Errorf("approval: list: %w", err)
	}
	defer rows.Close()

	var out []Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// CountPending counts PENDING requests for a requester, for the quota gate.
func (r *SQLRepository) CountPending(ctx context.Context, requesterID int64) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM approval_requests
WHERE requester_id = $1 AND status = $2`, requesterID, string(StatusPending)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("approval: count pending: %w", err)
	}
	return count, nil
}

// Decide performs the conditional PENDING -> terminal vote transition. The
// WHERE status = 'PENDING' guard is what guarantees exactly one of two
// racing voters wins.
func (r *SQLRepository) Decide(ctx context.Context, p DecideParams) (Request, error) {
	row := r.pool.QueryRow(ctx, `UPDATE approval_requests
SET status = $2, approver_id = $3, decided_at = $4, rejection_reason = $5,
    token_digest = '', updated_at = $4
WHERE id = $1 AND status = $6
RETURNING `+requestColumns,
		p.ID, string(p.Status), p.ApproverID, p.DecidedAt, p.RejectionReason, string(StatusPending))
	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, r.notPendingOrMissing(ctx, p.ID)
		}
		return Request{}, fmt.Errorf("approval: decide: %w", err)
	}
	return req, nil
}

// MarkExpired lazily transitions an overdue PENDING request to EXPIRED.
func (r *SQLRepository) MarkExpired(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE approval_requests
SET status = $2, token_digest = '', updated_at = $3
WHERE id = $1 AND status = $4 AND token_expires_at <= $3`,
		id, string(StatusExpired), now, string(StatusPending))
	if err != nil {
		return false, fmt.Errorf("approval: mark expired: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkCancelled transitions PENDING -> CANCELLED.
func (r *SQLRepository) MarkCancelled(ctx context.Context, id uuid.UUID, now time.Time) (Request, error) {
	row := r.pool.QueryRow(ctx, `UPDATE approval_requests
SET status = $2, token_digest = '', updated_at = $3
WHERE id = $1 AND status = $4
RETURNING `+requestColumns,
		id, string(StatusCancelled), now, string(StatusPending))
	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, r.notPendingOrMissing(ctx, id)
		}
		return Request{}, fmt.Errorf("approval: cancel: %w", err)
	}
	return req, nil
}

// RecordExecution stores the execution outcome of an APPROVED request. The
// executed_at IS NULL guard keeps the record one-shot.
func (r *SQLRepository) RecordExecution(ctx context.Context, id uuid.UUID, result json.RawMessage, executedAt time.Time) (Request, error) {
	row := r.pool.QueryRow(ctx, `UPDATE approval_requests
SET executed_at = $2, execution_result = $3, updated_at = $2
WHERE id = $1 AND status = $4 AND executed_at IS NULL
RETURNING `+requestColumns,
		id, executedAt, nullableJSON(result), string(StatusApproved))
	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, getErr := r.Get(ctx, id); getErr != nil {
				return Request{}, getErr
			}
			return Request{}, ErrNotApproved
		}
		return Request{}, fmt.Errorf("approval: record execution: %w", err)
	}
	return req, nil
}

// ListExpirable returns overdue PENDING request ids for the advisory sweep.
func (r *SQLRepository) ListExpirable(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `SELECT id FROM approval_requests
WHERE status = $1 AND token_expires_at <= $2
ORDER BY token_expires_at ASC LIMIT $3`, string(StatusPending), now, limit)
	if err != nil {
		return nil, fmt.Errorf("approval: list expirable: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *SQLRepository) notPendingOrMissing(ctx context.Context, id uuid.UUID) error {
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	return ErrNotPending
}

func scanRequest(row pgx.Row) (Request, error) {
	var (
		req             Request
		reqType, status string
		targetResource  pgtype.Text
		payload, result []byte
		tokenExpires    pgtype.Timestamptz
		approverID      pgtype.Int8
		decidedAt       pgtype.Timestamptz
		rejectionReason pgtype.Text
		executedAt      pgtype.Timestamptz
		createdAt       pgtype.Timestamptz
		updatedAt       pgtype.Timestamptz
	)
	err := row.Scan(&req.ID, &reqType, &req.Action, &targetResource, &payload, &req.Reason,
		&req.RequesterID, &status, &req.TokenDigest, &tokenExpires, &approverID, &decidedAt,
		&rejectionReason, &executedAt, &result, &req.CorrelationID, &createdAt, &updatedAt)
	if err != nil {
		return Request{}, err
	}
	req.Type = RequestType(reqType)
	req.Status = Status(status)
	if targetResource.Valid {
		req.TargetResource = targetResource.String
	}
	req.Payload = payload
	req.ExecutionResult = result
	if tokenExpires.Valid {
		req.TokenExpiresAt = tokenExpires.Time
	}
	if approverID.Valid {
		id := approverID.Int64
		req.ApproverID = &id
	}
	if decidedAt.Valid {
		t := decidedAt.Time
		req.DecidedAt = &t
	}
	if rejectionReason.Valid {
		req.RejectionReason = rejectionReason.String
	}
	if executedAt.Valid {
		t := executedAt.Time
		req.ExecutedAt = &t
	}
	if createdAt.Valid {
		req.CreatedAt = createdAt.Time
	}
	if updatedAt.Valid {
		req.UpdatedAt = updatedAt.Time
	}
	return req, nil
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

func optionalInt(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

func optionalText(s string) any {
	if s == "" {
		return nil
	}
	return s
}
