package claims

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// -- Mock Repositories --

type mockClaimRepo struct {
	mu     sync.Mutex
	claims map[uuid.UUID]*Claim
}

func newMockClaimRepo() *mockClaimRepo {
	return &mockClaimRepo{claims: make(map[uuid.UUID]*Claim)}
}

func (m *mockClaimRepo) Create(_ context.Context, c *Claim) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.CreatedAt = time.Now()
	c.UpdatedAt = time.Now()
	cp := *c
	m.claims[c.ID] = &cp
	return nil
}

func (m *mockClaimRepo) GetByID(_ context.Context, id uuid.UUID) (*Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.claims[id]
	if !ok {
		return nil, fmt.Errorf("not found")
	}
	cp := *c
	return &cp, nil
}

func (m *mockClaimRepo) Update(_ context.Context, c *Claim) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.claims[c.ID]; !ok {
		return fmt.Errorf("not found")
	}
	c.UpdatedAt = time.Now()
	cp := *c
	m.claims[c.ID] = &cp
	return nil
}

func (m *mockClaimRepo) List(_ context.Context, filters SearchFilters, limit, offset int) ([]*Claim, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*Claim
	for _, c := range m.claims {
		if filters.Status != "" && c.Status != filters.Status {
			continue
		}
		if filters.PatientID != "" && c.PatientID != filters.PatientID {
			continue
		}
		cp := *c
		result = append(result, &cp)
	}
	return result, len(result), nil
}

func (m *mockClaimRepo) Statistics(_ context.Context) (*Statistics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &Statistics{ByStatus: make(map[string]int), ByType: make(map[string]int)}
	for _, c := range m.claims {
		stats.TotalClaims++
		stats.ByStatus[string(c.Status)]++
		stats.ByType[c.ClaimType]++
	}
	return stats, nil
}

type mockItemRepo struct {
	mu    sync.Mutex
	items map[uuid.UUID][]*ClaimLineItem
}

func newMockItemRepo() *mockItemRepo {
	return &mockItemRepo{items: make(map[uuid.UUID][]*ClaimLineItem)}
}

func (m *mockItemRepo) CreateBatch(_ context.Context, items []*ClaimLineItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range items {
		if it.ID == uuid.Nil {
			it.ID = uuid.New()
		}
		m.items[it.ClaimID] = append(m.items[it.ClaimID], it)
	}
	return nil
}

func (m *mockItemRepo) ListByClaim(_ context.Context, claimID uuid.UUID) ([]*ClaimLineItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items[claimID], nil
}

type mockEventRepo struct {
	mu     sync.Mutex
	events map[uuid.UUID][]*ClaimEvent
	fail   bool
}

func newMockEventRepo() *mockEventRepo {
	return &mockEventRepo{events: make(map[uuid.UUID][]*ClaimEvent)}
}

func (m *mockEventRepo) Append(_ context.Context, e *ClaimEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return fmt.Errorf("event store down")
	}
	e.ID = uuid.New()
	e.CreatedAt = time.Now()
	m.events[e.ClaimID] = append(m.events[e.ClaimID], e)
	return nil
}

func (m *mockEventRepo) ListByClaim(_ context.Context, claimID uuid.UUID) ([]*ClaimEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.events[claimID], nil
}

func (m *mockEventRepo) types(claimID uuid.UUID) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.events[claimID] {
		out = append(out, e.EventType)
	}
	return out
}

// -- Stubs --

type stubEngine struct {
	result *RulesResult
	err    error
}

func (s *stubEngine) ProcessClaim(_ context.Context, _ uuid.UUID) (*RulesResult, error) {
	return s.result, s.err
}

type stubGateway struct {
	mu     sync.Mutex
	calls  int
	err    error
	accept func(claimID uuid.UUID)
}

func (s *stubGateway) SubmitClaim(_ context.Context, claimID uuid.UUID) (*ForwardReceipt, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	if s.accept != nil {
		s.accept(claimID)
	}
	return &ForwardReceipt{Success: true, ForwardID: uuid.New(), Status: "QUEUED"}, nil
}

func (s *stubGateway) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newTestService(cl *mockClaimRepo, li *mockItemRepo, ev *mockEventRepo, engine RulesEngine, gw ForwardGateway, opts ...ServiceOption) *Service {
	return NewService(cl, li, ev, engine, gw, zerolog.Nop(), opts...)
}

func approveEngine() *stubEngine {
	return &stubEngine{result: &RulesResult{Success: true, Status: StatusComplete, Outcome: "approved"}}
}

// waitForStatus polls the repo until the claim reaches the expected status.
func waitForStatus(t *testing.T, repo *mockClaimRepo, id uuid.UUID, want ClaimStatus) *Claim {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c, err := repo.GetByID(context.Background(), id)
		if err == nil && c.Status == want {
			return c
		}
		time.Sleep(5 * time.Millisecond)
	}
	c, _ := repo.GetByID(context.Background(), id)
	t.Fatalf("claim never reached %s, last status %v", want, c)
	return nil
}

func testItems(amounts ...float64) []*ClaimLineItem {
	var items []*ClaimLineItem
	for i, a := range amounts {
		items = append(items, &ClaimLineItem{
			ServiceCode: fmt.Sprintf("CODE%d", i+1),
			Amount:      a,
			Quantity:    1,
		})
	}
	return items
}

// -- Submission --

func TestSubmitClaim(t *testing.T) {
	cl, li, ev := newMockClaimRepo(), newMockItemRepo(), newMockEventRepo()
	svc := newTestService(cl, li, ev, approveEngine(), &stubGateway{})

	c, err := svc.SubmitClaim(context.Background(), &Claim{
		PatientID:  "pat-1",
		ProviderID: "prov-1",
		ClaimType:  "professional",
	}, testItems(120.50), SubmitOptions{})
	if err != nil {
		t.Fatalf("SubmitClaim: %v", err)
	}
	if c.ID == uuid.Nil {
		t.Error("expected assigned claim ID")
	}
	if c.Status != StatusNew {
		t.Errorf("expected NEW at return, got %s", c.Status)
	}
	if c.Priority != PriorityNormal {
		t.Errorf("expected default priority, got %s", c.Priority)
	}

	// Under the threshold, the auto path lands on internal adjudication.
	got := waitForStatus(t, cl, c.ID, StatusComplete)
	if got.ProcessingPath != PathInternal {
		t.Errorf("expected internal path, got %s", got.ProcessingPath)
	}
}

func TestSubmitClaim_Validation(t *testing.T) {
	svc := newTestService(newMockClaimRepo(), newMockItemRepo(), newMockEventRepo(), approveEngine(), &stubGateway{})

	cases := []struct {
		name  string
		claim Claim
		items []*ClaimLineItem
	}{
		{"missing patient", Claim{ProviderID: "p", ClaimType: "professional"}, testItems(10)},
		{"missing provider", Claim{PatientID: "p", ClaimType: "professional"}, testItems(10)},
		{"missing type", Claim{PatientID: "p", ProviderID: "p"}, testItems(10)},
		{"no line items", Claim{PatientID: "p", ProviderID: "p", ClaimType: "professional"}, nil},
		{"bad priority", Claim{PatientID: "p", ProviderID: "p", ClaimType: "professional", Priority: "whenever"}, testItems(10)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.SubmitClaim(context.Background(), &tc.claim, tc.items, SubmitOptions{}); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestSubmitClaim_AutoPathAboveThreshold(t *testing.T) {
	cl, li, ev := newMockClaimRepo(), newMockItemRepo(), newMockEventRepo()
	gw := &stubGateway{accept: func(claimID uuid.UUID) {
		c, _ := cl.GetByID(context.Background(), claimID)
		c.Status = StatusSubmitted
		cl.Update(context.Background(), c)
	}}
	svc := newTestService(cl, li, ev, approveEngine(), gw)

	c, err := svc.SubmitClaim(context.Background(), &Claim{
		PatientID:  "pat-1",
		ProviderID: "prov-1",
		ClaimType:  "institutional",
	}, testItems(400, 200), SubmitOptions{})
	if err != nil {
		t.Fatalf("SubmitClaim: %v", err)
	}

	got := waitForStatus(t, cl, c.ID, StatusSubmitted)
	if got.ProcessingPath != PathExternal {
		t.Errorf("expected external path, got %s", got.ProcessingPath)
	}
	if gw.callCount() != 1 {
		t.Errorf("expected one gateway submission, got %d", gw.callCount())
	}
}

func TestSubmitClaim_ExplicitPathOverridesAuto(t *testing.T) {
	cl, li, ev := newMockClaimRepo(), newMockItemRepo(), newMockEventRepo()
	svc := newTestService(cl, li, ev, approveEngine(), &stubGateway{})

	path := PathInternal
	c, err := svc.SubmitClaim(context.Background(), &Claim{
		PatientID:  "pat-1",
		ProviderID: "prov-1",
		ClaimType:  "professional",
	}, testItems(5000), SubmitOptions{Path: &path})
	if err != nil {
		t.Fatalf("SubmitClaim: %v", err)
	}

	// Amount far above the threshold, but the explicit path wins.
	waitForStatus(t, cl, c.ID, StatusComplete)
}

func TestSubmitClaim_SimulateOnly(t *testing.T) {
	cl, li, ev := newMockClaimRepo(), newMockItemRepo(), newMockEventRepo()
	gw := &stubGateway{}
	svc := newTestService(cl, li, ev, approveEngine(), gw)

	c, err := svc.SubmitClaim(context.Background(), &Claim{
		PatientID:  "pat-1",
		ProviderID: "prov-1",
		ClaimType:  "professional",
	}, testItems(9000), SubmitOptions{SimulateOnly: true})
	if err != nil {
		t.Fatalf("SubmitClaim: %v", err)
	}

	got := waitForStatus(t, cl, c.ID, StatusSimulated)
	if got.SimulationResult == nil {
		t.Error("expected stored simulation result")
	}
	if gw.callCount() != 0 {
		t.Error("simulation must never reach the gateway")
	}
}

// -- Processing --

func seedClaim(t *testing.T, cl *mockClaimRepo, li *mockItemRepo, status ClaimStatus, path ProcessingPath, amounts ...float64) *Claim {
	t.Helper()
	c := &Claim{
		PatientID:      "pat-1",
		ProviderID:     "prov-1",
		ClaimType:      "professional",
		Status:         status,
		ProcessingPath: path,
		Priority:       PriorityNormal,
		ServiceDate:    time.Now(),
		SubmissionDate: time.Now(),
	}
	if err := cl.Create(context.Background(), c); err != nil {
		t.Fatalf("seed claim: %v", err)
	}
	items := testItems(amounts...)
	for _, it := range items {
		it.ClaimID = c.ID
	}
	if err := li.CreateBatch(context.Background(), items); err != nil {
		t.Fatalf("seed items: %v", err)
	}
	return c
}

func TestProcessClaim_WrongStatus(t *testing.T) {
	cl, li, ev := newMockClaimRepo(), newMockItemRepo(), newMockEventRepo()
	svc := newTestService(cl, li, ev, approveEngine(), &stubGateway{})
	c := seedClaim(t, cl, li, StatusComplete, PathInternal, 10)

	err := svc.ProcessClaim(context.Background(), c.ID, ProcessOptions{})
	if !errors.Is(err, ErrStateConflict) {
		t.Errorf("expected state conflict, got %v", err)
	}
}

func TestProcessClaim_NotFound(t *testing.T) {
	svc := newTestService(newMockClaimRepo(), newMockItemRepo(), newMockEventRepo(), approveEngine(), &stubGateway{})
	err := svc.ProcessClaim(context.Background(), uuid.New(), ProcessOptions{})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestProcessClaim_EngineFailureSetsError(t *testing.T) {
	cl, li, ev := newMockClaimRepo(), newMockItemRepo(), newMockEventRepo()
	engine := &stubEngine{err: fmt.Errorf("rules store unavailable")}
	svc := newTestService(cl, li, ev, engine, &stubGateway{})
	c := seedClaim(t, cl, li, StatusNew, PathInternal, 10)

	if err := svc.ProcessClaim(context.Background(), c.ID, ProcessOptions{}); err == nil {
		t.Fatal("expected processing error")
	}

	got, _ := cl.GetByID(context.Background(), c.ID)
	if got.Status != StatusError {
		t.Errorf("expected ERROR, got %s", got.Status)
	}
	found := false
	for _, typ := range ev.types(c.ID) {
		if typ == EventProcessingError {
			found = true
		}
	}
	if !found {
		t.Error("expected PROCESSING_ERROR event")
	}
}

func TestProcessClaim_GatewayFailureSetsError(t *testing.T) {
	cl, li, ev := newMockClaimRepo(), newMockItemRepo(), newMockEventRepo()
	gw := &stubGateway{err: fmt.Errorf("no payer connection configured")}
	svc := newTestService(cl, li, ev, approveEngine(), gw)
	c := seedClaim(t, cl, li, StatusNew, PathExternal, 10)

	if err := svc.ProcessClaim(context.Background(), c.ID, ProcessOptions{}); err == nil {
		t.Fatal("expected processing error")
	}
	got, _ := cl.GetByID(context.Background(), c.ID)
	if got.Status != StatusError {
		t.Errorf("expected ERROR, got %s", got.Status)
	}
}

func TestProcessClaim_EngineDecidesRejection(t *testing.T) {
	cl, li, ev := newMockClaimRepo(), newMockItemRepo(), newMockEventRepo()
	engine := &stubEngine{result: &RulesResult{Success: true, Status: StatusRejected, Outcome: "denied: over coverage"}}
	svc := newTestService(cl, li, ev, engine, &stubGateway{})
	c := seedClaim(t, cl, li, StatusNew, PathInternal, 10)

	if err := svc.ProcessClaim(context.Background(), c.ID, ProcessOptions{}); err != nil {
		t.Fatalf("ProcessClaim: %v", err)
	}
	got, _ := cl.GetByID(context.Background(), c.ID)
	if got.Status != StatusRejected {
		t.Errorf("expected REJECTED, got %s", got.Status)
	}
}

func TestProcessClaim_PathSelectedEventRecorded(t *testing.T) {
	cl, li, ev := newMockClaimRepo(), newMockItemRepo(), newMockEventRepo()
	svc := newTestService(cl, li, ev, approveEngine(), &stubGateway{}, WithAutoThreshold(100))
	c := seedClaim(t, cl, li, StatusNew, PathAuto, 40)

	if err := svc.ProcessClaim(context.Background(), c.ID, ProcessOptions{}); err != nil {
		t.Fatalf("ProcessClaim: %v", err)
	}

	found := false
	for _, typ := range ev.types(c.ID) {
		if typ == EventPathSelected {
			found = true
		}
	}
	if !found {
		t.Error("expected PATH_SELECTED event for auto path")
	}
}

// -- Cancel --

func TestCancelClaim(t *testing.T) {
	cl, li, ev := newMockClaimRepo(), newMockItemRepo(), newMockEventRepo()
	svc := newTestService(cl, li, ev, approveEngine(), &stubGateway{})

	for _, status := range []ClaimStatus{StatusNew, StatusProcessing, StatusPending, StatusError} {
		c := seedClaim(t, cl, li, status, PathInternal, 10)
		if err := svc.CancelClaim(context.Background(), c.ID, "patient request"); err != nil {
			t.Errorf("cancel from %s: %v", status, err)
			continue
		}
		got, _ := cl.GetByID(context.Background(), c.ID)
		if got.Status != StatusCanceled {
			t.Errorf("expected CANCELED from %s, got %s", status, got.Status)
		}
	}
}

func TestCancelClaim_TerminalStatusConflicts(t *testing.T) {
	cl, li, ev := newMockClaimRepo(), newMockItemRepo(), newMockEventRepo()
	svc := newTestService(cl, li, ev, approveEngine(), &stubGateway{})

	for _, status := range []ClaimStatus{StatusComplete, StatusRejected, StatusFailed, StatusCanceled, StatusSimulated} {
		c := seedClaim(t, cl, li, status, PathInternal, 10)
		err := svc.CancelClaim(context.Background(), c.ID, "too late")
		if !errors.Is(err, ErrStateConflict) {
			t.Errorf("cancel from %s: expected state conflict, got %v", status, err)
		}
	}
}

func TestCancelClaim_NotFound(t *testing.T) {
	svc := newTestService(newMockClaimRepo(), newMockItemRepo(), newMockEventRepo(), approveEngine(), &stubGateway{})
	if err := svc.CancelClaim(context.Background(), uuid.New(), "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

// -- Resubmit --

func TestResubmitClaim(t *testing.T) {
	cl, li, ev := newMockClaimRepo(), newMockItemRepo(), newMockEventRepo()
	svc := newTestService(cl, li, ev, approveEngine(), &stubGateway{})
	c := seedClaim(t, cl, li, StatusFailed, PathInternal, 10)

	original := time.Now().Add(-48 * time.Hour)
	c.SubmissionDate = original
	cl.Update(context.Background(), c)

	if err := svc.ResubmitClaim(context.Background(), c.ID, ResubmitOptions{}); err != nil {
		t.Fatalf("ResubmitClaim: %v", err)
	}

	// Background reprocessing runs the claim through to completion.
	waitForStatus(t, cl, c.ID, StatusComplete)

	got, _ := cl.GetByID(context.Background(), c.ID)
	if !got.SubmissionDate.After(original) {
		t.Errorf("expected submission date reset on resubmit, still %v", got.SubmissionDate)
	}
}

func TestResubmitClaim_PathOverride(t *testing.T) {
	cl, li, ev := newMockClaimRepo(), newMockItemRepo(), newMockEventRepo()
	gw := &stubGateway{accept: func(claimID uuid.UUID) {
		c, _ := cl.GetByID(context.Background(), claimID)
		c.Status = StatusSubmitted
		cl.Update(context.Background(), c)
	}}
	svc := newTestService(cl, li, ev, approveEngine(), gw)
	c := seedClaim(t, cl, li, StatusRejected, PathInternal, 10)

	path := PathExternal
	if err := svc.ResubmitClaim(context.Background(), c.ID, ResubmitOptions{Path: &path}); err != nil {
		t.Fatalf("ResubmitClaim: %v", err)
	}
	waitForStatus(t, cl, c.ID, StatusSubmitted)
}

func TestResubmitClaim_ActiveStatusConflicts(t *testing.T) {
	cl, li, ev := newMockClaimRepo(), newMockItemRepo(), newMockEventRepo()
	svc := newTestService(cl, li, ev, approveEngine(), &stubGateway{})

	for _, status := range []ClaimStatus{StatusNew, StatusProcessing, StatusPending, StatusComplete} {
		c := seedClaim(t, cl, li, status, PathInternal, 10)
		err := svc.ResubmitClaim(context.Background(), c.ID, ResubmitOptions{})
		if !errors.Is(err, ErrStateConflict) {
			t.Errorf("resubmit from %s: expected state conflict, got %v", status, err)
		}
	}
}

// -- Queries --

func TestGetClaim_NotFound(t *testing.T) {
	svc := newTestService(newMockClaimRepo(), newMockItemRepo(), newMockEventRepo(), approveEngine(), &stubGateway{})
	if _, err := svc.GetClaim(context.Background(), uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestStatistics_EmptyStore(t *testing.T) {
	svc := newTestService(newMockClaimRepo(), newMockItemRepo(), newMockEventRepo(), approveEngine(), &stubGateway{})
	stats, err := svc.Statistics(context.Background())
	if err != nil {
		t.Fatalf("Statistics: %v", err)
	}
	if stats.TotalClaims != 0 {
		t.Errorf("expected zero claims, got %d", stats.TotalClaims)
	}
}

// -- Audit trail resilience --

func TestSubmitClaim_EventWriteFailureDoesNotAbort(t *testing.T) {
	cl, li, ev := newMockClaimRepo(), newMockItemRepo(), newMockEventRepo()
	ev.fail = true
	svc := newTestService(cl, li, ev, approveEngine(), &stubGateway{})

	c, err := svc.SubmitClaim(context.Background(), &Claim{
		PatientID:  "pat-1",
		ProviderID: "prov-1",
		ClaimType:  "professional",
	}, testItems(50), SubmitOptions{})
	if err != nil {
		t.Fatalf("SubmitClaim must survive audit failures: %v", err)
	}
	waitForStatus(t, cl, c.ID, StatusComplete)
}
