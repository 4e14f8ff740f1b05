package claims

import (
	"context"
	"errors"
	"fmt"
	"strings"

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

// -- Claim Repository --

type claimRepoPG struct {
	pool *pgxpool.Pool
}

func NewClaimRepo(pool *pgxpool.Pool) ClaimRepository {
	return &claimRepoPG{pool: pool}
}

func (r *claimRepoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const claimCols = `id, patient_id, provider_id, organization_id, payer_id, claim_type,
	status, processing_path, priority,
	service_date, submission_date, processed_date, simulation_result,
	last_status_update, created_at, updated_at`

func (r *claimRepoPG) Create(ctx context.Context, c *Claim) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO claim (
			id, patient_id, provider_id, organization_id, payer_id, claim_type,
			status, processing_path, priority,
			service_date, submission_date, processed_date, simulation_result,
			last_status_update
		) VALUES (
			$1,$2,$3,$4,$5,$6,
			$7,$8,$9,
			$10,$11,$12,$13,
			$14
		)`,
		c.ID, c.PatientID, c.ProviderID, c.OrganizationID, c.PayerID, c.ClaimType,
		c.Status, c.ProcessingPath, c.Priority,
		c.ServiceDate, c.SubmissionDate, c.ProcessedDate, c.SimulationResult,
		c.LastStatusUpdate,
	)
	return err
}

func (r *claimRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Claim, error) {
	return scanClaim(r.conn(ctx).QueryRow(ctx, `SELECT `+claimCols+` FROM claim WHERE id = $1`, id))
}

func (r *claimRepoPG) Update(ctx context.Context, c *Claim) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE claim SET
			payer_id=$2, status=$3, processing_path=$4, priority=$5,
			submission_date=$6, processed_date=$7, simulation_result=$8,
			last_status_update=$9, updated_at=now()
		WHERE id = $1`,
		c.ID,
		c.PayerID, c.Status, c.ProcessingPath, c.Priority,
		c.SubmissionDate, c.ProcessedDate, c.SimulationResult,
		c.LastStatusUpdate,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *claimRepoPG) List(ctx context.Context, filters SearchFilters, limit, offset int) ([]*Claim, int, error) {
	where, args := buildClaimFilters(filters)

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM claim`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	dataArgs := append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx,
		fmt.Sprintf(`SELECT %s FROM claim%s ORDER BY submission_date DESC LIMIT $%d OFFSET $%d`,
			claimCols, where, len(args)+1, len(args)+2),
		dataArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var claims []*Claim
	for rows.Next() {
		c, err := scanClaimRows(rows)
		if err != nil {
			return nil, 0, err
		}
		claims = append(claims, c)
	}
	return claims, total, rows.Err()
}

func buildClaimFilters(f SearchFilters) (string, []interface{}) {
	var conds []string
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.PatientID != "" {
		add("patient_id = $%d", f.PatientID)
	}
	if f.PayerID != "" {
		add("payer_id = $%d", f.PayerID)
	}
	if f.ClaimType != "" {
		add("claim_type = $%d", f.ClaimType)
	}
	if f.Path != "" {
		add("processing_path = $%d", f.Path)
	}
	if f.From != nil {
		add("submission_date >= $%d", *f.From)
	}
	if f.To != nil {
		add("submission_date <= $%d", *f.To)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (r *claimRepoPG) Statistics(ctx context.Context) (*Statistics, error) {
	stats := &Statistics{
		ByStatus: make(map[string]int),
		ByType:   make(map[string]int),
	}

	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*),
			COALESCE(AVG(EXTRACT(EPOCH FROM (processed_date - submission_date)) / 3600.0)
				FILTER (WHERE processed_date IS NOT NULL AND status IN ('COMPLETE','SIMULATED')), 0),
			COALESCE((SELECT AVG(t.total) FROM (
				SELECT SUM(li.amount) AS total FROM claim_line_item li GROUP BY li.claim_id
			) t), 0)
		FROM claim`).Scan(&stats.TotalClaims, &stats.AvgProcessingHours, &stats.AvgClaimAmount)
	if err != nil {
		return nil, err
	}

	rows, err := r.conn(ctx).Query(ctx, `SELECT status, COUNT(*) FROM claim GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		stats.ByStatus[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	typeRows, err := r.conn(ctx).Query(ctx, `SELECT claim_type, COUNT(*) FROM claim GROUP BY claim_type`)
	if err != nil {
		return nil, err
	}
	defer typeRows.Close()
	for typeRows.Next() {
		var claimType string
		var n int
		if err := typeRows.Scan(&claimType, &n); err != nil {
			return nil, err
		}
		stats.ByType[claimType] = n
	}
	return stats, typeRows.Err()
}

func scanClaim(row pgx.Row) (*Claim, error) {
	var c Claim
	err := row.Scan(
		&c.ID, &c.PatientID, &c.ProviderID, &c.OrganizationID, &c.PayerID, &c.ClaimType,
		&c.Status, &c.ProcessingPath, &c.Priority,
		&c.ServiceDate, &c.SubmissionDate, &c.ProcessedDate, &c.SimulationResult,
		&c.LastStatusUpdate, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func scanClaimRows(rows pgx.Rows) (*Claim, error) {
	var c Claim
	err := rows.Scan(
		&c.ID, &c.PatientID, &c.ProviderID, &c.OrganizationID, &c.PayerID, &c.ClaimType,
		&c.Status, &c.ProcessingPath, &c.Priority,
		&c.ServiceDate, &c.SubmissionDate, &c.ProcessedDate, &c.SimulationResult,
		&c.LastStatusUpdate, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// -- Line Item Repository --

type lineItemRepoPG struct {
	pool *pgxpool.Pool
}

func NewLineItemRepo(pool *pgxpool.Pool) LineItemRepository {
	return &lineItemRepoPG{pool: pool}
}

func (r *lineItemRepoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const lineItemCols = `id, claim_id, service_code, description, amount, quantity, service_date`

func (r *lineItemRepoPG) CreateBatch(ctx context.Context, items []*ClaimLineItem) error {
	for _, it := range items {
		if it.ID == uuid.Nil {
			it.ID = uuid.New()
		}
		_, err := r.conn(ctx).Exec(ctx, `
			INSERT INTO claim_line_item (id, claim_id, service_code, description, amount, quantity, service_date)
			VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			it.ID, it.ClaimID, it.ServiceCode, it.Description, it.Amount, it.Quantity, it.ServiceDate,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *lineItemRepoPG) ListByClaim(ctx context.Context, claimID uuid.UUID) ([]*ClaimLineItem, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+lineItemCols+` FROM claim_line_item WHERE claim_id = $1 ORDER BY service_date, service_code`, claimID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*ClaimLineItem
	for rows.Next() {
		var it ClaimLineItem
		if err := rows.Scan(&it.ID, &it.ClaimID, &it.ServiceCode, &it.Description, &it.Amount, &it.Quantity, &it.ServiceDate); err != nil {
			return nil, err
		}
		items = append(items, &it)
	}
	return items, rows.Err()
}

// -- Event Repository --

type eventRepoPG struct {
	pool *pgxpool.Pool
}

func NewEventRepo(pool *pgxpool.Pool) EventRepository {
	return &eventRepoPG{pool: pool}
}

func (r *eventRepoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func (r *eventRepoPG) Append(ctx context.Context, e *ClaimEvent) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO claim_event (id, claim_id, forward_id, event_type, status, details)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		e.ID, e.ClaimID, e.ForwardID, e.EventType, e.Status, e.Details,
	)
	return err
}

func (r *eventRepoPG) ListByClaim(ctx context.Context, claimID uuid.UUID) ([]*ClaimEvent, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, claim_id, forward_id, event_type, status, details, created_at
		FROM claim_event WHERE claim_id = $1 ORDER BY created_at`, claimID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*ClaimEvent
	for rows.Next() {
		var e ClaimEvent
		if err := rows.Scan(&e.ID, &e.ClaimID, &e.ForwardID, &e.EventType, &e.Status, &e.Details, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}
