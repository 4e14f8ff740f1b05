package claims

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/claims/claims/internal/platform/db"
)

// recordingTx captures the SQL and arguments the repositories hand to the
// database. Only the querier methods are implemented; everything else on
// pgx.Tx panics if reached.
type recordingTx struct {
	pgx.Tx
	queries []string
	args    [][]interface{}
}

func (r *recordingTx) record(sql string, args []interface{}) {
	r.queries = append(r.queries, sql)
	r.args = append(r.args, args)
}

func (r *recordingTx) Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	r.record(sql, args)
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (r *recordingTx) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	r.record(sql, args)
	return emptyRows{}, nil
}

func (r *recordingTx) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	r.record(sql, args)
	return zeroRow{}
}

type zeroRow struct{}

func (zeroRow) Scan(dest ...interface{}) error { return nil }

type emptyRows struct{ pgx.Rows }

func (emptyRows) Next() bool { return false }
func (emptyRows) Err() error { return nil }
func (emptyRows) Close()     {}

func TestClaimRepoUpdate_PersistsSubmissionDate(t *testing.T) {
	rec := &recordingTx{}
	ctx := db.ContextWithTx(context.Background(), rec)
	repo := &claimRepoPG{}

	resubmitted := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	c := &Claim{
		ID:               uuid.New(),
		Status:           StatusResubmitted,
		ProcessingPath:   PathAuto,
		Priority:         PriorityNormal,
		SubmissionDate:   resubmitted,
		LastStatusUpdate: resubmitted,
	}
	if err := repo.Update(ctx, c); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if len(rec.queries) != 1 {
		t.Fatalf("expected 1 statement, got %d", len(rec.queries))
	}
	if !strings.Contains(rec.queries[0], "submission_date=") {
		t.Errorf("update statement does not write submission_date:\n%s", rec.queries[0])
	}
	found := false
	for _, a := range rec.args[0] {
		if ts, ok := a.(time.Time); ok && ts.Equal(resubmitted) {
			found = true
		}
	}
	if !found {
		t.Errorf("submission date %v not bound in update arguments %v", resubmitted, rec.args[0])
	}
}

func TestClaimRepoStatistics_LatencyScopedToProcessedOutcomes(t *testing.T) {
	rec := &recordingTx{}
	ctx := db.ContextWithTx(context.Background(), rec)
	repo := &claimRepoPG{}

	if _, err := repo.Statistics(ctx); err != nil {
		t.Fatalf("Statistics: %v", err)
	}
	if len(rec.queries) == 0 {
		t.Fatal("no statements recorded")
	}
	if !strings.Contains(rec.queries[0], "status IN ('COMPLETE','SIMULATED')") {
		t.Errorf("latency average is not scoped to completed outcomes:\n%s", rec.queries[0])
	}
}
