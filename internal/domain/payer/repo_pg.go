package payer

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/claims/claims/internal/platform/db"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type forwardRepoPG struct {
	pool *pgxpool.Pool
}

func NewForwardRepo(pool *pgxpool.Pool) ForwardRepository {
	return &forwardRepoPG{pool: pool}
}

func (r *forwardRepoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const forwardCols = `id, claim_id, payer_id, endpoint, status, attempt_count, max_retries,
	next_attempt, external_ref, status_checks, last_error, completed_at, created_at, updated_at`

func (r *forwardRepoPG) Create(ctx context.Context, f *Forward) error {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO claim_forward (
			id, claim_id, payer_id, endpoint, status, attempt_count, max_retries,
			next_attempt, external_ref, status_checks, last_error, completed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		f.ID, f.ClaimID, f.PayerID, f.Endpoint, f.Status, f.AttemptCount, f.MaxRetries,
		f.NextAttempt, f.ExternalRef, f.StatusChecks, f.LastError, f.CompletedAt,
	)
	return err
}

func (r *forwardRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Forward, error) {
	return scanForward(r.conn(ctx).QueryRow(ctx, `SELECT `+forwardCols+` FROM claim_forward WHERE id = $1`, id))
}

func (r *forwardRepoPG) GetActiveByClaim(ctx context.Context, claimID uuid.UUID) (*Forward, error) {
	return scanForward(r.conn(ctx).QueryRow(ctx, `
		SELECT `+forwardCols+` FROM claim_forward
		WHERE claim_id = $1 AND status NOT IN ('FAILED','COMPLETED','REJECTED')
		ORDER BY created_at DESC LIMIT 1`, claimID))
}

func (r *forwardRepoPG) Update(ctx context.Context, f *Forward) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE claim_forward SET
			status=$2, attempt_count=$3, next_attempt=$4, external_ref=$5,
			status_checks=$6, last_error=$7, completed_at=$8, updated_at=now()
		WHERE id = $1`,
		f.ID,
		f.Status, f.AttemptCount, f.NextAttempt, f.ExternalRef,
		f.StatusChecks, f.LastError, f.CompletedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrForwardNotFound
	}
	return nil
}

func (r *forwardRepoPG) ListNeedingAction(ctx context.Context, now time.Time) ([]*Forward, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+forwardCols+` FROM claim_forward
		WHERE status NOT IN ('FAILED','COMPLETED','REJECTED')
		AND (next_attempt IS NULL OR next_attempt <= $1)
		ORDER BY created_at`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var forwards []*Forward
	for rows.Next() {
		f, err := scanForwardRows(rows)
		if err != nil {
			return nil, err
		}
		forwards = append(forwards, f)
	}
	return forwards, rows.Err()
}

func (r *forwardRepoPG) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		DELETE FROM claim_forward
		WHERE status IN ('FAILED','COMPLETED','REJECTED') AND completed_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func scanForward(row pgx.Row) (*Forward, error) {
	var f Forward
	err := row.Scan(
		&f.ID, &f.ClaimID, &f.PayerID, &f.Endpoint, &f.Status, &f.AttemptCount, &f.MaxRetries,
		&f.NextAttempt, &f.ExternalRef, &f.StatusChecks, &f.LastError, &f.CompletedAt, &f.CreatedAt, &f.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrForwardNotFound
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func scanForwardRows(rows pgx.Rows) (*Forward, error) {
	var f Forward
	err := rows.Scan(
		&f.ID, &f.ClaimID, &f.PayerID, &f.Endpoint, &f.Status, &f.AttemptCount, &f.MaxRetries,
		&f.NextAttempt, &f.ExternalRef, &f.StatusChecks, &f.LastError, &f.CompletedAt, &f.CreatedAt, &f.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &f, nil
}
