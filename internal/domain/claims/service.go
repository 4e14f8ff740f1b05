// Package claims implements the claims lifecycle: submission, processing-path
// selection, internal adjudication dispatch, external forwarding dispatch,
// cancel/resubmit, and the append-only audit trail.
package claims

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/claims/claims/internal/platform/keylock"
)

// RulesResult is the outcome of internal adjudication. Status, when set, is
// the final claim status the engine decided on.
type RulesResult struct {
	Success bool                   `json:"success"`
	Status  ClaimStatus            `json:"status,omitempty"`
	Outcome string                 `json:"outcome,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// RulesEngine adjudicates a claim internally. Implementations are local and
// fast; the orchestrator treats them as opaque.
type RulesEngine interface {
	ProcessClaim(ctx context.Context, claimID uuid.UUID) (*RulesResult, error)
}

// ForwardReceipt is the gateway's answer to an external submission request.
type ForwardReceipt struct {
	Success     bool       `json:"success"`
	ForwardID   uuid.UUID  `json:"forward_id"`
	Status      string     `json:"status"`
	Message     string     `json:"message,omitempty"`
	NextAttempt *time.Time `json:"next_attempt,omitempty"`
}

// ForwardGateway hands a claim to the external payer pipeline. The gateway
// owns every claim status transition after a successful hand-off.
type ForwardGateway interface {
	SubmitClaim(ctx context.Context, claimID uuid.UUID) (*ForwardReceipt, error)
}

// TxRunner executes fn transactionally. The default runner executes fn
// directly; production wiring supplies one backed by the database pool.
type TxRunner func(ctx context.Context, fn func(ctx context.Context) error) error

// DefaultAutoThreshold is the line-item total below which an auto-path claim
// is adjudicated internally.
const DefaultAutoThreshold = 500.0

type SubmitOptions struct {
	Path         *ProcessingPath `json:"path,omitempty"`
	SimulateOnly bool            `json:"simulate_only,omitempty"`
}

type ProcessOptions struct {
	SimulateOnly bool `json:"simulate_only,omitempty"`
}

type ResubmitOptions struct {
	Path         *ProcessingPath `json:"path,omitempty"`
	SimulateOnly bool            `json:"simulate_only,omitempty"`
}

// Service orchestrates the claim lifecycle. All mutating operations for a
// claim are serialized through a keyed mutex shared with the payer gateway.
type Service struct {
	claims  ClaimRepository
	items   LineItemRepository
	events  EventRepository
	rules   RulesEngine
	gateway ForwardGateway

	tx            TxRunner
	locks         *keylock.KeyedMutex
	log           zerolog.Logger
	autoThreshold float64
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithAutoThreshold overrides the automatic path-selection amount threshold.
func WithAutoThreshold(amount float64) ServiceOption {
	return func(s *Service) { s.autoThreshold = amount }
}

// WithTxRunner supplies a transactional runner for claim+line-item inserts.
func WithTxRunner(tx TxRunner) ServiceOption {
	return func(s *Service) { s.tx = tx }
}

// WithLocks shares a keyed mutex with other components mutating claims.
func WithLocks(locks *keylock.KeyedMutex) ServiceOption {
	return func(s *Service) { s.locks = locks }
}

func NewService(cl ClaimRepository, li LineItemRepository, ev EventRepository, engine RulesEngine, gw ForwardGateway, logger zerolog.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		claims:        cl,
		items:         li,
		events:        ev,
		rules:         engine,
		gateway:       gw,
		tx:            func(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) },
		locks:         keylock.New(),
		log:           logger,
		autoThreshold: DefaultAutoThreshold,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SubmitClaim validates required fields, persists the claim and its line
// items transactionally, records the creation event, and schedules background
// processing. It returns as soon as the claim is persisted; processing
// failures surface only through claim status and the event log.
func (s *Service) SubmitClaim(ctx context.Context, c *Claim, items []*ClaimLineItem, opts SubmitOptions) (*Claim, error) {
	if c.PatientID == "" {
		return nil, fmt.Errorf("patient_id is required")
	}
	if c.ProviderID == "" {
		return nil, fmt.Errorf("provider_id is required")
	}
	if c.ClaimType == "" {
		return nil, fmt.Errorf("claim_type is required")
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("at least one line item is required")
	}
	for _, it := range items {
		if it.ServiceCode == "" {
			return nil, fmt.Errorf("service_code is required on every line item")
		}
	}
	if c.Priority == "" {
		c.Priority = PriorityNormal
	}
	if !validPriorities[c.Priority] {
		return nil, fmt.Errorf("invalid priority: %s", c.Priority)
	}

	path := PathAuto
	if opts.SimulateOnly {
		path = PathInternal
	} else if opts.Path != nil {
		if !validPaths[*opts.Path] {
			return nil, fmt.Errorf("invalid processing path: %s", *opts.Path)
		}
		path = *opts.Path
	}

	now := time.Now()
	c.Status = StatusNew
	c.ProcessingPath = path
	c.SubmissionDate = now
	c.LastStatusUpdate = now
	if c.ServiceDate.IsZero() {
		c.ServiceDate = now
	}

	err := s.tx(ctx, func(txCtx context.Context) error {
		if err := s.claims.Create(txCtx, c); err != nil {
			return fmt.Errorf("insert claim: %w", err)
		}
		for _, it := range items {
			it.ClaimID = c.ID
			if it.Quantity <= 0 {
				it.Quantity = 1
			}
			if it.ServiceDate.IsZero() {
				it.ServiceDate = c.ServiceDate
			}
		}
		if err := s.items.CreateBatch(txCtx, items); err != nil {
			return fmt.Errorf("insert line items: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.appendEvent(ctx, c.ID, nil, EventClaimCreated, c.Status, map[string]interface{}{
		"processing_path": string(path),
		"simulate_only":   opts.SimulateOnly,
		"line_items":      len(items),
	})

	s.processAsync(c.ID, ProcessOptions{SimulateOnly: opts.SimulateOnly})

	return c, nil
}

// processAsync runs ProcessClaim in a supervised background goroutine. A
// failure or panic is logged and captured into claim state; it never reaches
// the submitter.
func (s *Service) processAsync(claimID uuid.UUID, opts ProcessOptions) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error().
					Str("claim_id", claimID.String()).
					Interface("panic", r).
					Msg("claim processing panicked")
			}
		}()
		if err := s.ProcessClaim(context.Background(), claimID, opts); err != nil {
			s.log.Error().
				Str("claim_id", claimID.String()).
				Err(err).
				Msg("claim processing failed")
		}
	}()
}

// ProcessClaim moves a claim from NEW or RESUBMITTED into PROCESSING,
// resolves the auto path if needed, and dispatches to the rules engine or
// the payer gateway. Any failure transitions the claim to ERROR; internal
// failures are not retried automatically.
func (s *Service) ProcessClaim(ctx context.Context, claimID uuid.UUID, opts ProcessOptions) error {
	unlock := s.locks.Lock(claimID.String())
	defer unlock()

	c, err := s.claims.GetByID(ctx, claimID)
	if err != nil {
		return ErrNotFound
	}
	if c.Status != StatusNew && c.Status != StatusResubmitted {
		return fmt.Errorf("%w: cannot process claim in status %s", ErrStateConflict, c.Status)
	}

	if err := s.setStatus(ctx, c, StatusProcessing); err != nil {
		return err
	}

	path := c.ProcessingPath
	if path == PathAuto {
		items, err := s.items.ListByClaim(ctx, claimID)
		if err != nil {
			return s.failProcessing(ctx, c, fmt.Errorf("load line items: %w", err))
		}
		total := TotalAmount(items)
		if total < s.autoThreshold || opts.SimulateOnly {
			path = PathInternal
		} else {
			path = PathExternal
		}
		c.ProcessingPath = path
		if err := s.claims.Update(ctx, c); err != nil {
			return s.failProcessing(ctx, c, fmt.Errorf("persist path decision: %w", err))
		}
		s.appendEvent(ctx, c.ID, nil, EventPathSelected, c.Status, map[string]interface{}{
			"path":          string(path),
			"total_amount":  total,
			"threshold":     s.autoThreshold,
			"simulate_only": opts.SimulateOnly,
		})
	}

	switch path {
	case PathInternal:
		if err := s.processInternal(ctx, c, opts); err != nil {
			return s.failProcessing(ctx, c, err)
		}
	case PathExternal:
		if _, err := s.gateway.SubmitClaim(ctx, c.ID); err != nil {
			return s.failProcessing(ctx, c, err)
		}
	default:
		return s.failProcessing(ctx, c, fmt.Errorf("unresolved processing path %q", path))
	}

	return nil
}

func (s *Service) processInternal(ctx context.Context, c *Claim, opts ProcessOptions) error {
	result, err := s.rules.ProcessClaim(ctx, c.ID)
	if err != nil {
		return fmt.Errorf("rules engine: %w", err)
	}
	if !result.Success {
		return fmt.Errorf("rules engine reported failure: %s", result.Outcome)
	}

	now := time.Now()
	if opts.SimulateOnly {
		raw, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal simulation result: %w", err)
		}
		sim := string(raw)
		c.SimulationResult = &sim
		c.ProcessedDate = &now
		if err := s.setStatus(ctx, c, StatusSimulated); err != nil {
			return err
		}
		s.appendEvent(ctx, c.ID, nil, EventInternalRulesComplete, c.Status, map[string]interface{}{
			"outcome":   result.Outcome,
			"simulated": true,
		})
		return nil
	}

	// The engine decides the final status for non-simulated internal claims.
	final := result.Status
	if final == "" {
		final = StatusComplete
	}
	c.ProcessedDate = &now
	if err := s.setStatus(ctx, c, final); err != nil {
		return err
	}
	s.appendEvent(ctx, c.ID, nil, EventInternalRulesComplete, c.Status, map[string]interface{}{
		"outcome": result.Outcome,
	})
	return nil
}

// failProcessing captures a background processing failure into claim state.
func (s *Service) failProcessing(ctx context.Context, c *Claim, cause error) error {
	if err := s.setStatus(ctx, c, StatusError); err != nil {
		s.log.Error().
			Str("claim_id", c.ID.String()).
			Err(err).
			Msg("could not record processing error status")
	}
	s.appendEvent(ctx, c.ID, nil, EventProcessingError, c.Status, map[string]interface{}{
		"error": cause.Error(),
	})
	return cause
}

var cancelableStatuses = map[ClaimStatus]bool{
	StatusNew: true, StatusProcessing: true, StatusPending: true, StatusError: true,
}

// CancelClaim cancels a claim. Canceling a claim that is already terminal,
// including an already-canceled one, is a state conflict.
func (s *Service) CancelClaim(ctx context.Context, claimID uuid.UUID, reason string) error {
	unlock := s.locks.Lock(claimID.String())
	defer unlock()

	c, err := s.claims.GetByID(ctx, claimID)
	if err != nil {
		return ErrNotFound
	}
	if !cancelableStatuses[c.Status] {
		return fmt.Errorf("%w: cannot cancel claim in status %s", ErrStateConflict, c.Status)
	}

	if err := s.setStatus(ctx, c, StatusCanceled); err != nil {
		return err
	}
	s.appendEvent(ctx, c.ID, nil, EventClaimCanceled, c.Status, map[string]interface{}{
		"reason": reason,
	})
	return nil
}

var resubmittableStatuses = map[ClaimStatus]bool{
	StatusFailed: true, StatusError: true, StatusRejected: true, StatusCanceled: true,
}

// ResubmitClaim resets a failed, errored, rejected, or canceled claim and
// schedules it for reprocessing.
func (s *Service) ResubmitClaim(ctx context.Context, claimID uuid.UUID, opts ResubmitOptions) error {
	unlock := s.locks.Lock(claimID.String())
	defer unlock()

	c, err := s.claims.GetByID(ctx, claimID)
	if err != nil {
		return ErrNotFound
	}
	if !resubmittableStatuses[c.Status] {
		return fmt.Errorf("%w: cannot resubmit claim in status %s", ErrStateConflict, c.Status)
	}

	if opts.Path != nil {
		if !validPaths[*opts.Path] {
			return fmt.Errorf("invalid processing path: %s", *opts.Path)
		}
		c.ProcessingPath = *opts.Path
	}
	c.SubmissionDate = time.Now()
	c.ProcessedDate = nil

	if err := s.setStatus(ctx, c, StatusResubmitted); err != nil {
		return err
	}
	s.appendEvent(ctx, c.ID, nil, EventClaimResubmitted, c.Status, map[string]interface{}{
		"processing_path": string(c.ProcessingPath),
		"simulate_only":   opts.SimulateOnly,
	})

	s.processAsync(c.ID, ProcessOptions{SimulateOnly: opts.SimulateOnly})
	return nil
}

func (s *Service) GetClaim(ctx context.Context, id uuid.UUID) (*Claim, error) {
	c, err := s.claims.GetByID(ctx, id)
	if err != nil {
		return nil, ErrNotFound
	}
	return c, nil
}

func (s *Service) GetLineItems(ctx context.Context, claimID uuid.UUID) ([]*ClaimLineItem, error) {
	if _, err := s.claims.GetByID(ctx, claimID); err != nil {
		return nil, ErrNotFound
	}
	return s.items.ListByClaim(ctx, claimID)
}

func (s *Service) ListEvents(ctx context.Context, claimID uuid.UUID) ([]*ClaimEvent, error) {
	if _, err := s.claims.GetByID(ctx, claimID); err != nil {
		return nil, ErrNotFound
	}
	return s.events.ListByClaim(ctx, claimID)
}

func (s *Service) SearchClaims(ctx context.Context, filters SearchFilters, limit, offset int) ([]*Claim, int, error) {
	return s.claims.List(ctx, filters, limit, offset)
}

// Statistics aggregates the store. An empty store yields zero-valued
// aggregates, not an error.
func (s *Service) Statistics(ctx context.Context) (*Statistics, error) {
	return s.claims.Statistics(ctx)
}

// setStatus enforces the state machine and stamps status-update times.
func (s *Service) setStatus(ctx context.Context, c *Claim, to ClaimStatus) error {
	if !CanTransition(c.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrStateConflict, c.Status, to)
	}
	c.Status = to
	c.LastStatusUpdate = time.Now()
	if err := s.claims.Update(ctx, c); err != nil {
		return fmt.Errorf("update claim status: %w", err)
	}
	return nil
}

// appendEvent writes an audit event. Failures are logged and swallowed so a
// broken audit write never aborts the triggering operation.
func (s *Service) appendEvent(ctx context.Context, claimID uuid.UUID, forwardID *uuid.UUID, eventType string, status ClaimStatus, details map[string]interface{}) {
	e := &ClaimEvent{
		ClaimID:   claimID,
		ForwardID: forwardID,
		EventType: eventType,
		Status:    status,
		Details:   details,
	}
	if err := s.events.Append(ctx, e); err != nil {
		s.log.Warn().
			Str("claim_id", claimID.String()).
			Str("event_type", eventType).
			Err(err).
			Msg("audit event write failed")
	}
}
