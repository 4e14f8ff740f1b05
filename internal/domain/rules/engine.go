// Package rules implements internal claim adjudication. The engine runs a
// fixed ordered rule set against a claim's line items and decides the final
// claim status without any external calls.
package rules

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/claims/claims/internal/domain/claims"
)

// DefaultCoverageLimit is the per-claim amount above which internal
// adjudication denies the claim.
const DefaultCoverageLimit = 10000.0

// rule checks one aspect of a claim. A non-empty return is a denial reason.
type rule func(c *claims.Claim, items []*claims.ClaimLineItem) string

// Engine adjudicates claims against an ordered rule set. It implements the
// orchestrator's RulesEngine interface.
type Engine struct {
	claims claims.ClaimRepository
	items  claims.LineItemRepository
	log    zerolog.Logger

	coverageLimit float64
	rules         []rule
}

type EngineOption func(*Engine)

// WithCoverageLimit overrides the per-claim coverage cap.
func WithCoverageLimit(limit float64) EngineOption {
	return func(e *Engine) { e.coverageLimit = limit }
}

func NewEngine(cl claims.ClaimRepository, li claims.LineItemRepository, logger zerolog.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		claims:        cl,
		items:         li,
		log:           logger,
		coverageLimit: DefaultCoverageLimit,
	}
	for _, o := range opts {
		o(e)
	}
	e.rules = []rule{
		rulePositiveAmounts,
		ruleValidQuantities,
		ruleServiceDateNotFuture,
		ruleServiceCodeFormat,
		e.ruleWithinCoverage,
	}
	return e
}

// ProcessClaim runs every rule and reports the decision. A denial is a
// successful adjudication with a REJECTED status; only infrastructure
// failures return an error.
func (e *Engine) ProcessClaim(ctx context.Context, claimID uuid.UUID) (*claims.RulesResult, error) {
	c, err := e.claims.GetByID(ctx, claimID)
	if err != nil {
		return nil, fmt.Errorf("load claim: %w", err)
	}
	items, err := e.items.ListByClaim(ctx, claimID)
	if err != nil {
		return nil, fmt.Errorf("load line items: %w", err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("claim %s has no line items", claimID)
	}

	var denials []string
	for _, r := range e.rules {
		if reason := r(c, items); reason != "" {
			denials = append(denials, reason)
		}
	}

	total := claims.TotalAmount(items)
	if len(denials) > 0 {
		e.log.Info().
			Str("claim_id", claimID.String()).
			Strs("denials", denials).
			Msg("claim denied by internal rules")
		return &claims.RulesResult{
			Success: true,
			Status:  claims.StatusRejected,
			Outcome: "denied: " + strings.Join(denials, "; "),
			Details: map[string]interface{}{
				"denials":      denials,
				"total_amount": total,
			},
		}, nil
	}

	return &claims.RulesResult{
		Success: true,
		Status:  claims.StatusComplete,
		Outcome: "approved",
		Details: map[string]interface{}{
			"total_amount": total,
			"line_items":   len(items),
		},
	}, nil
}

func rulePositiveAmounts(_ *claims.Claim, items []*claims.ClaimLineItem) string {
	for _, it := range items {
		if it.Amount <= 0 {
			return fmt.Sprintf("line item %s has non-positive amount", it.ServiceCode)
		}
	}
	return ""
}

func ruleValidQuantities(_ *claims.Claim, items []*claims.ClaimLineItem) string {
	for _, it := range items {
		if it.Quantity < 1 {
			return fmt.Sprintf("line item %s has invalid quantity %d", it.ServiceCode, it.Quantity)
		}
	}
	return ""
}

func ruleServiceDateNotFuture(_ *claims.Claim, items []*claims.ClaimLineItem) string {
	now := time.Now()
	for _, it := range items {
		if it.ServiceDate.After(now) {
			return fmt.Sprintf("line item %s has a future service date", it.ServiceCode)
		}
	}
	return ""
}

// Service codes are 4 to 8 alphanumeric characters, letters upper case.
func ruleServiceCodeFormat(_ *claims.Claim, items []*claims.ClaimLineItem) string {
	for _, it := range items {
		if !validServiceCode(it.ServiceCode) {
			return fmt.Sprintf("unrecognized service code %q", it.ServiceCode)
		}
	}
	return ""
}

func validServiceCode(code string) bool {
	if len(code) < 4 || len(code) > 8 {
		return false
	}
	for _, r := range code {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'A' && r <= 'Z':
		default:
			return false
		}
	}
	return true
}

func (e *Engine) ruleWithinCoverage(_ *claims.Claim, items []*claims.ClaimLineItem) string {
	if total := claims.TotalAmount(items); total > e.coverageLimit {
		return fmt.Sprintf("total amount %.2f exceeds coverage limit %.2f", total, e.coverageLimit)
	}
	return ""
}
