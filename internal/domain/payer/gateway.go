package payer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/claims/claims/internal/domain/claims"
	"github.com/claims/claims/internal/platform/keylock"
)

// nonRealtimeDelay is how long a queued forward waits before first delivery
// when the connection is not marked realtime.
const nonRealtimeDelay = 5 * time.Second

// DefaultSweepInterval is how often the durability sweep re-examines
// forwards whose timers may have been lost.
const DefaultSweepInterval = 5 * time.Minute

// Gateway forwards claims to external payers and owns every claim status
// transition after a successful hand-off: delivery, retry with backoff,
// status polling, and the durability sweep that survives restarts.
type Gateway struct {
	forwards ForwardRepository
	claims   claims.ClaimRepository
	items    claims.LineItemRepository
	events   claims.EventRepository
	conns    *Connections
	client   *Client

	sched           Scheduler
	locks           *keylock.KeyedMutex
	log             zerolog.Logger
	sweepInterval   time.Duration
	maxStatusChecks int
}

type GatewayOption func(*Gateway)

// WithScheduler substitutes the timer scheduler, used by tests to run jobs
// synchronously.
func WithScheduler(s Scheduler) GatewayOption {
	return func(g *Gateway) { g.sched = s }
}

// WithLocks shares the per-claim mutex with the orchestrator.
func WithLocks(locks *keylock.KeyedMutex) GatewayOption {
	return func(g *Gateway) { g.locks = locks }
}

func WithSweepInterval(d time.Duration) GatewayOption {
	return func(g *Gateway) { g.sweepInterval = d }
}

// WithMaxStatusChecks bounds polling per forward; zero means unlimited.
func WithMaxStatusChecks(n int) GatewayOption {
	return func(g *Gateway) { g.maxStatusChecks = n }
}

func NewGateway(fw ForwardRepository, cl claims.ClaimRepository, li claims.LineItemRepository, ev claims.EventRepository, conns *Connections, logger zerolog.Logger, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		forwards:      fw,
		claims:        cl,
		items:         li,
		events:        ev,
		conns:         conns,
		client:        NewClient(),
		sched:         newTimerScheduler(),
		locks:         keylock.New(),
		log:           logger,
		sweepInterval: DefaultSweepInterval,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// SubmitClaim creates a durable forward for the claim, moves the claim to
// SUBMITTED, and schedules delivery. The caller already holds the claim
// lock; this method must not take it again.
func (g *Gateway) SubmitClaim(ctx context.Context, claimID uuid.UUID) (*claims.ForwardReceipt, error) {
	c, err := g.claims.GetByID(ctx, claimID)
	if err != nil {
		return nil, claims.ErrNotFound
	}

	payerID := ""
	if c.PayerID != nil {
		payerID = *c.PayerID
	}
	conn, err := g.conns.Resolve(payerID)
	if err != nil {
		return nil, err
	}

	f := &Forward{
		ClaimID:      claimID,
		PayerID:      conn.PayerID,
		Endpoint:     conn.Endpoint,
		Status:       ForwardQueued,
		AttemptCount: 1,
		MaxRetries:   conn.MaxRetries,
	}
	delay := nonRealtimeDelay
	if conn.Realtime {
		delay = 0
	}
	next := time.Now().Add(delay)
	f.NextAttempt = &next

	if err := g.forwards.Create(ctx, f); err != nil {
		return nil, fmt.Errorf("create forward: %w", err)
	}

	if err := g.setClaimStatus(ctx, c, claims.StatusSubmitted); err != nil {
		return nil, err
	}
	g.appendEvent(ctx, claimID, &f.ID, claims.EventExternalPayerQueued, c.Status, map[string]interface{}{
		"payer_id": conn.PayerID,
		"realtime": conn.Realtime,
	})

	g.sched.Schedule(jobDeliver, f.ID, delay, func() { g.deliverForward(f.ID) })

	return &claims.ForwardReceipt{
		Success:     true,
		ForwardID:   f.ID,
		Status:      string(f.Status),
		NextAttempt: f.NextAttempt,
	}, nil
}

// deliverForward performs one delivery attempt. Runs from a timer or the
// sweep, so it takes the claim lock itself.
func (g *Gateway) deliverForward(forwardID uuid.UUID) {
	ctx := context.Background()

	f, err := g.forwards.GetByID(ctx, forwardID)
	if err != nil {
		g.log.Error().Str("forward_id", forwardID.String()).Err(err).Msg("forward load failed")
		return
	}

	unlock := g.locks.Lock(f.ClaimID.String())
	defer unlock()

	f, err = g.forwards.GetByID(ctx, forwardID)
	if err != nil || f.Status.IsTerminal() {
		return
	}
	if f.Status != ForwardQueued && f.Status != ForwardFailedRetry && f.Status != ForwardSending {
		return
	}

	c, err := g.claims.GetByID(ctx, f.ClaimID)
	if err != nil {
		g.log.Error().Str("forward_id", forwardID.String()).Err(err).Msg("claim load failed")
		return
	}
	if c.Status != claims.StatusSubmitted && c.Status != claims.StatusPending {
		g.abandonForward(ctx, f, fmt.Sprintf("claim no longer active (status %s)", c.Status))
		return
	}

	f.Status = ForwardSending
	f.NextAttempt = nil
	if err := g.forwards.Update(ctx, f); err != nil {
		g.log.Error().Str("forward_id", forwardID.String()).Err(err).Msg("forward update failed")
		return
	}

	conn, err := g.conns.Resolve(f.PayerID)
	if err != nil {
		g.failDelivery(ctx, f, c, err)
		return
	}

	ref, sendErr := g.send(ctx, conn, c, f)
	if sendErr != nil {
		g.failDelivery(ctx, f, c, sendErr)
		return
	}

	now := time.Now()
	pollAt := now.Add(conn.RetryInterval())
	f.Status = ForwardSent
	f.ExternalRef = &ref
	f.LastError = nil
	f.NextAttempt = &pollAt
	if err := g.forwards.Update(ctx, f); err != nil {
		g.log.Error().Str("forward_id", f.ID.String()).Err(err).Msg("forward update failed")
		return
	}

	if err := g.setClaimStatus(ctx, c, claims.StatusPending); err != nil {
		g.log.Warn().Str("claim_id", c.ID.String()).Err(err).Msg("claim status update failed after send")
	}
	g.appendEvent(ctx, c.ID, &f.ID, claims.EventExternalPayerSent, c.Status, map[string]interface{}{
		"payer_id":     f.PayerID,
		"external_ref": ref,
		"attempt":      f.AttemptCount,
	})

	g.sched.Schedule(jobPoll, f.ID, conn.RetryInterval(), func() { g.pollForward(f.ID) })
}

// send performs the wire delivery, or simulates it for connections without
// an endpoint.
func (g *Gateway) send(ctx context.Context, conn *Connection, c *claims.Claim, f *Forward) (string, error) {
	if conn.Simulated() {
		return "SIM-" + f.ID.String(), nil
	}

	items, err := g.items.ListByClaim(ctx, c.ID)
	if err != nil {
		return "", fmt.Errorf("load line items: %w", err)
	}
	payload := &SubmissionPayload{
		ClaimID:     c.ID,
		PatientID:   c.PatientID,
		ProviderID:  c.ProviderID,
		ClaimType:   c.ClaimType,
		ServiceDate: c.ServiceDate,
		TotalAmount: claims.TotalAmount(items),
	}
	for _, it := range items {
		payload.LineItems = append(payload.LineItems, PayloadItem{
			ServiceCode: it.ServiceCode,
			Amount:      it.Amount,
			Quantity:    it.Quantity,
		})
	}

	resp, err := g.client.Submit(ctx, conn, payload)
	if err != nil {
		return "", err
	}
	ref := resp.Reference
	if ref == "" {
		ref = f.ID.String()
	}
	return ref, nil
}

// failDelivery records a failed attempt and either schedules a retry with
// backoff or gives up when the attempt budget is spent. AttemptCount is the
// number of the attempt that just ran; it only advances when another attempt
// is actually scheduled.
func (g *Gateway) failDelivery(ctx context.Context, f *Forward, c *claims.Claim, cause error) {
	msg := cause.Error()
	f.LastError = &msg

	conn, connErr := g.conns.Resolve(f.PayerID)

	if connErr != nil || f.AttemptCount >= f.MaxRetries {
		now := time.Now()
		f.Status = ForwardFailed
		f.NextAttempt = nil
		f.CompletedAt = &now
		if err := g.forwards.Update(ctx, f); err != nil {
			g.log.Error().Str("forward_id", f.ID.String()).Err(err).Msg("forward update failed")
			return
		}
		if err := g.setClaimStatus(ctx, c, claims.StatusFailed); err != nil {
			g.log.Warn().Str("claim_id", c.ID.String()).Err(err).Msg("claim status update failed")
		}
		g.appendEvent(ctx, c.ID, &f.ID, claims.EventExternalPayerFailed, c.Status, map[string]interface{}{
			"attempts": f.AttemptCount,
			"error":    msg,
		})
		return
	}

	f.AttemptCount++
	delay := retryDelay(conn.RetryInterval(), f.AttemptCount)
	next := time.Now().Add(delay)
	f.Status = ForwardFailedRetry
	f.NextAttempt = &next
	if err := g.forwards.Update(ctx, f); err != nil {
		g.log.Error().Str("forward_id", f.ID.String()).Err(err).Msg("forward update failed")
		return
	}
	g.appendEvent(ctx, c.ID, &f.ID, claims.EventExternalPayerRetryScheduled, c.Status, map[string]interface{}{
		"attempt":      f.AttemptCount,
		"next_attempt": next,
		"error":        msg,
	})

	g.sched.Schedule(jobDeliver, f.ID, delay, func() { g.deliverForward(f.ID) })
}

// pollForward asks the payer for the claim's current state. Poll failures
// never consume delivery attempts; polling continues until the payer gives
// a terminal answer or the optional check bound is hit.
func (g *Gateway) pollForward(forwardID uuid.UUID) {
	ctx := context.Background()

	f, err := g.forwards.GetByID(ctx, forwardID)
	if err != nil {
		g.log.Error().Str("forward_id", forwardID.String()).Err(err).Msg("forward load failed")
		return
	}

	unlock := g.locks.Lock(f.ClaimID.String())
	defer unlock()

	f, err = g.forwards.GetByID(ctx, forwardID)
	if err != nil || (f.Status != ForwardSent && f.Status != ForwardAcknowledged) {
		return
	}

	c, err := g.claims.GetByID(ctx, f.ClaimID)
	if err != nil {
		g.log.Error().Str("forward_id", forwardID.String()).Err(err).Msg("claim load failed")
		return
	}
	if c.Status != claims.StatusPending {
		g.abandonForward(ctx, f, fmt.Sprintf("claim no longer active (status %s)", c.Status))
		return
	}

	conn, err := g.conns.Resolve(f.PayerID)
	if err != nil {
		g.abandonForward(ctx, f, err.Error())
		return
	}

	status, checkErr := g.checkStatus(ctx, conn, f)
	f.StatusChecks++

	if checkErr != nil {
		msg := checkErr.Error()
		f.LastError = &msg
		g.log.Warn().
			Str("forward_id", f.ID.String()).
			Str("payer_id", f.PayerID).
			Err(checkErr).
			Msg("status check failed")
		g.reschedulePoll(ctx, f, conn)
		return
	}
	f.LastError = nil

	switch status {
	case "COMPLETED", "APPROVED", "PAID":
		g.finishForward(ctx, f, c, ForwardCompleted, claims.StatusComplete, claims.EventExternalPayerCompleted, status)
	case "REJECTED", "DENIED":
		g.finishForward(ctx, f, c, ForwardRejected, claims.StatusRejected, claims.EventExternalPayerRejected, status)
	case "ACKNOWLEDGED":
		f.Status = ForwardAcknowledged
		g.appendEvent(ctx, c.ID, &f.ID, claims.EventExternalPayerStatus, c.Status, map[string]interface{}{
			"payer_status": status,
		})
		g.reschedulePoll(ctx, f, conn)
	default:
		g.appendEvent(ctx, c.ID, &f.ID, claims.EventExternalPayerStatus, c.Status, map[string]interface{}{
			"payer_status": status,
		})
		g.reschedulePoll(ctx, f, conn)
	}
}

func (g *Gateway) checkStatus(ctx context.Context, conn *Connection, f *Forward) (string, error) {
	if conn.Simulated() {
		if f.StatusChecks == 0 {
			return "ACKNOWLEDGED", nil
		}
		return "COMPLETED", nil
	}
	if f.ExternalRef == nil {
		return "", fmt.Errorf("forward has no external reference")
	}
	return g.client.CheckStatus(ctx, conn, *f.ExternalRef)
}

func (g *Gateway) reschedulePoll(ctx context.Context, f *Forward, conn *Connection) {
	if g.maxStatusChecks > 0 && f.StatusChecks >= g.maxStatusChecks {
		c, err := g.claims.GetByID(ctx, f.ClaimID)
		if err != nil {
			g.log.Error().Str("forward_id", f.ID.String()).Err(err).Msg("claim load failed")
			return
		}
		now := time.Now()
		f.Status = ForwardFailed
		f.NextAttempt = nil
		f.CompletedAt = &now
		msg := fmt.Sprintf("status check limit reached after %d checks", f.StatusChecks)
		f.LastError = &msg
		if err := g.forwards.Update(ctx, f); err != nil {
			g.log.Error().Str("forward_id", f.ID.String()).Err(err).Msg("forward update failed")
			return
		}
		if err := g.setClaimStatus(ctx, c, claims.StatusFailed); err != nil {
			g.log.Warn().Str("claim_id", c.ID.String()).Err(err).Msg("claim status update failed")
		}
		g.appendEvent(ctx, c.ID, &f.ID, claims.EventExternalPayerFailed, c.Status, map[string]interface{}{
			"status_checks": f.StatusChecks,
			"error":         msg,
		})
		return
	}

	next := time.Now().Add(conn.RetryInterval())
	f.NextAttempt = &next
	if err := g.forwards.Update(ctx, f); err != nil {
		g.log.Error().Str("forward_id", f.ID.String()).Err(err).Msg("forward update failed")
		return
	}
	g.sched.Schedule(jobPoll, f.ID, conn.RetryInterval(), func() { g.pollForward(f.ID) })
}

func (g *Gateway) finishForward(ctx context.Context, f *Forward, c *claims.Claim, fs ForwardStatus, cs claims.ClaimStatus, eventType, payerStatus string) {
	now := time.Now()
	f.Status = fs
	f.NextAttempt = nil
	f.CompletedAt = &now
	if err := g.forwards.Update(ctx, f); err != nil {
		g.log.Error().Str("forward_id", f.ID.String()).Err(err).Msg("forward update failed")
		return
	}

	c.ProcessedDate = &now
	if err := g.setClaimStatus(ctx, c, cs); err != nil {
		g.log.Warn().Str("claim_id", c.ID.String()).Err(err).Msg("claim status update failed")
	}
	g.appendEvent(ctx, c.ID, &f.ID, eventType, c.Status, map[string]interface{}{
		"payer_status":  payerStatus,
		"status_checks": f.StatusChecks,
	})
}

// abandonForward stops work on a forward whose claim left the active path,
// typically after a cancel.
func (g *Gateway) abandonForward(ctx context.Context, f *Forward, reason string) {
	now := time.Now()
	f.Status = ForwardFailed
	f.NextAttempt = nil
	f.CompletedAt = &now
	f.LastError = &reason
	if err := g.forwards.Update(ctx, f); err != nil {
		g.log.Error().Str("forward_id", f.ID.String()).Err(err).Msg("forward update failed")
		return
	}
	g.sched.Cancel(f.ID)
	g.log.Info().
		Str("forward_id", f.ID.String()).
		Str("claim_id", f.ClaimID.String()).
		Str("reason", reason).
		Msg("forward abandoned")
}

// CheckClaimStatus triggers an immediate status poll for the claim's active
// forward and returns the forward afterwards.
func (g *Gateway) CheckClaimStatus(ctx context.Context, claimID uuid.UUID) (*Forward, error) {
	f, err := g.forwards.GetActiveByClaim(ctx, claimID)
	if err != nil {
		return nil, err
	}
	if f.Status != ForwardSent && f.Status != ForwardAcknowledged {
		return nil, fmt.Errorf("%w: forward %s is %s", ErrNotPollable, f.ID, f.Status)
	}
	g.pollForward(f.ID)
	return g.forwards.GetByID(ctx, f.ID)
}

// ActiveForward returns the claim's current non-terminal forward.
func (g *Gateway) ActiveForward(ctx context.Context, claimID uuid.UUID) (*Forward, error) {
	return g.forwards.GetActiveByClaim(ctx, claimID)
}

// GetForward returns a forward by ID.
func (g *Gateway) GetForward(ctx context.Context, id uuid.UUID) (*Forward, error) {
	return g.forwards.GetByID(ctx, id)
}

// ProcessPendingForwards is the durability sweep: it finds every
// non-terminal forward whose action time has passed and runs the
// appropriate action. It runs at startup to rebuild state lost with
// in-process timers, then periodically from Run.
func (g *Gateway) ProcessPendingForwards(ctx context.Context) error {
	pending, err := g.forwards.ListNeedingAction(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("list pending forwards: %w", err)
	}

	for _, f := range pending {
		switch f.Status {
		case ForwardQueued, ForwardFailedRetry, ForwardSending:
			g.sched.Schedule(jobDeliver, f.ID, 0, func(id uuid.UUID) func() {
				return func() { g.deliverForward(id) }
			}(f.ID))
		case ForwardSent, ForwardAcknowledged:
			g.sched.Schedule(jobPoll, f.ID, 0, func(id uuid.UUID) func() {
				return func() { g.pollForward(id) }
			}(f.ID))
		}
	}

	if len(pending) > 0 {
		g.log.Info().Int("count", len(pending)).Msg("pending forwards scheduled")
	}
	return nil
}

// Run executes the sweep immediately and then on every tick until the
// context is canceled.
func (g *Gateway) Run(ctx context.Context) {
	if err := g.ProcessPendingForwards(ctx); err != nil {
		g.log.Error().Err(err).Msg("startup forward sweep failed")
	}

	ticker := time.NewTicker(g.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			g.sched.Stop()
			return
		case <-ticker.C:
			if err := g.ProcessPendingForwards(ctx); err != nil {
				g.log.Error().Err(err).Msg("forward sweep failed")
			}
		}
	}
}

// Cleanup deletes terminal forwards older than the retention window.
func (g *Gateway) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	return g.forwards.DeleteTerminalBefore(ctx, time.Now().Add(-retention))
}

func (g *Gateway) setClaimStatus(ctx context.Context, c *claims.Claim, to claims.ClaimStatus) error {
	if !claims.CanTransition(c.Status, to) {
		return fmt.Errorf("invalid claim transition %s -> %s", c.Status, to)
	}
	c.Status = to
	c.LastStatusUpdate = time.Now()
	return g.claims.Update(ctx, c)
}

func (g *Gateway) appendEvent(ctx context.Context, claimID uuid.UUID, forwardID *uuid.UUID, eventType string, status claims.ClaimStatus, details map[string]interface{}) {
	e := &claims.ClaimEvent{
		ClaimID:   claimID,
		ForwardID: forwardID,
		EventType: eventType,
		Status:    status,
		Details:   details,
	}
	if err := g.events.Append(ctx, e); err != nil {
		g.log.Warn().
			Str("claim_id", claimID.String()).
			Str("event_type", eventType).
			Err(err).
			Msg("audit event write failed")
	}
}
