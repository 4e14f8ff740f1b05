package claims

import "testing"

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to ClaimStatus }{
		{StatusNew, StatusProcessing},
		{StatusNew, StatusCanceled},
		{StatusProcessing, StatusSubmitted},
		{StatusProcessing, StatusSimulated},
		{StatusProcessing, StatusComplete},
		{StatusSubmitted, StatusPending},
		{StatusPending, StatusComplete},
		{StatusPending, StatusRejected},
		{StatusPending, StatusCanceled},
		{StatusFailed, StatusResubmitted},
		{StatusError, StatusResubmitted},
		{StatusRejected, StatusResubmitted},
		{StatusCanceled, StatusResubmitted},
		{StatusResubmitted, StatusProcessing},
	}
	for _, tc := range allowed {
		if !CanTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be allowed", tc.from, tc.to)
		}
	}

	denied := []struct{ from, to ClaimStatus }{
		{StatusNew, StatusComplete},
		{StatusComplete, StatusProcessing},
		{StatusComplete, StatusCanceled},
		{StatusSimulated, StatusResubmitted},
		{StatusCanceled, StatusCanceled},
		{StatusPending, StatusProcessing},
		{StatusProcessing, StatusResubmitted},
	}
	for _, tc := range denied {
		if CanTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be denied", tc.from, tc.to)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	terminal := []ClaimStatus{StatusComplete, StatusSimulated, StatusFailed, StatusRejected, StatusCanceled}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	active := []ClaimStatus{StatusNew, StatusProcessing, StatusSubmitted, StatusPending, StatusError, StatusResubmitted}
	for _, s := range active {
		if s.IsTerminal() {
			t.Errorf("expected %s to be active", s)
		}
	}
}

func TestTotalAmount(t *testing.T) {
	items := []*ClaimLineItem{
		{ServiceCode: "A100", Amount: 100.25},
		{ServiceCode: "B200", Amount: 49.75},
	}
	if got := TotalAmount(items); got != 150.0 {
		t.Errorf("expected 150.0, got %f", got)
	}
	if got := TotalAmount(nil); got != 0 {
		t.Errorf("expected 0 for no items, got %f", got)
	}
}
