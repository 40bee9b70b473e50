package commission

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"smallbiznis-commission/pkg/db/option"
	"smallbiznis-commission/pkg/errutil"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const payoutResolveConcurrency = 8

var payoutTransitions = map[PayoutStatus][]PayoutStatus{
	PayoutPending:    {PayoutApproved, PayoutCancelled},
	PayoutApproved:   {PayoutProcessing, PayoutCancelled},
	PayoutProcessing: {PayoutPaid, PayoutFailed},
}

// CanTransition reports whether a payout may move from one status to another.
func CanTransition(from, to PayoutStatus) bool {
	for _, s := range payoutTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// sourcesOf lists the statuses a payout may be in to move to target.
func sourcesOf(target PayoutStatus) []PayoutStatus {
	var out []PayoutStatus
	for from := range payoutTransitions {
		if CanTransition(from, target) {
			out = append(out, from)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// PayoutWindow is the window of an aggregation period that contains the
// instant just before periodEnd.
func PayoutWindow(period Period, periodEnd time.Time, loc *time.Location) (time.Time, time.Time, error) {
	return period.Window(periodEnd.Add(-time.Nanosecond), loc)
}

// payoutCycle identifies one payout cycle: a staff member's calculations of
// one aggregation period in [start, end), whichever config produced them.
type payoutCycle struct {
	venueID string
	staffID string
	period  Period
	start   time.Time
	end     time.Time
}

// ResolvePayouts creates or refreshes the payouts of every staff member with
// at least one calculation in the aggregation window ending at periodEnd.
// Configs sharing an aggregation period pay out together. PENDING amounts are
// recomputed from the calculations; payouts past PENDING are left as they
// are. Running it twice yields the same payouts.
func (s *Service) ResolvePayouts(ctx context.Context, venueID string, periodEnd time.Time) ([]*Payout, error) {
	if venueID == "" {
		return nil, errutil.BadRequest("venue_id is required", nil)
	}
	if periodEnd.IsZero() {
		return nil, errutil.BadRequest("period_end is required", nil)
	}

	ctx, span := tracer.Start(ctx, "commission.ResolvePayouts")
	defer span.End()

	zapLog := withTrace(ctx, zap.L()).With(zap.String("venue_id", venueID), zap.Time("period_end", periodEnd))

	var periods []Period
	if err := s.db.WithContext(ctx).Model(&Config{}).
		Where("venue_id = ?", venueID).
		Distinct().
		Order("aggregation_period").
		Pluck("aggregation_period", &periods).Error; err != nil {
		return nil, errutil.Internal("failed to load aggregation periods", err)
	}

	var cycles []payoutCycle
	for _, period := range periods {
		start, end, err := PayoutWindow(period, periodEnd, s.loc)
		if err != nil {
			zapLog.Warn("skipping invalid aggregation period", zap.String("aggregation_period", string(period)), zap.Error(err))
			continue
		}

		var staff []string
		if err := s.db.WithContext(ctx).Model(&Calculation{}).
			Where("venue_id = ? AND aggregation_period = ? AND sale_at >= ? AND sale_at < ?", venueID, period, start.UTC(), end.UTC()).
			Distinct().
			Order("staff_id").
			Pluck("staff_id", &staff).Error; err != nil {
			return nil, errutil.Internal("failed to list staff with calculations", err)
		}
		for _, staffID := range staff {
			cycles = append(cycles, payoutCycle{venueID: venueID, staffID: staffID, period: period, start: start, end: end})
		}
	}

	payouts := make([]*Payout, len(cycles))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(payoutResolveConcurrency)
	for i, c := range cycles {
		g.Go(func() error {
			p, err := s.resolveStaffPayout(gctx, c)
			if err != nil {
				return fmt.Errorf("resolve %s payout of staff %s: %w", c.period, c.staffID, err)
			}
			payouts[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		zapLog.Error("payout resolution failed", zap.Error(err))
		return nil, asServiceError("failed to resolve payouts", err)
	}

	zapLog.Info("payouts resolved", zap.Int("periods", len(periods)), zap.Int("payouts", len(payouts)))
	return payouts, nil
}

// resolveStaffPayout handles one cycle. A concurrent resolver winning the
// insert race is absorbed by running once more.
func (s *Service) resolveStaffPayout(ctx context.Context, c payoutCycle) (*Payout, error) {
	p, err := s.resolveStaffPayoutOnce(ctx, c)
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return s.resolveStaffPayoutOnce(ctx, c)
	}
	return p, err
}

func (s *Service) resolveStaffPayoutOnce(ctx context.Context, c payoutCycle) (*Payout, error) {
	var out *Payout
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		latest, err := s.latestAttempt(ctx, tx, c)
		if err != nil {
			return err
		}

		if latest != nil && latest.Status != PayoutPending {
			out = latest
			return nil
		}

		amount, count, err := s.sumCalculations(ctx, tx, c)
		if err != nil {
			return err
		}
		now := time.Now().UTC()

		if latest != nil {
			out = latest
			if latest.Amount.Equal(amount) && latest.CalculationCount == count {
				return nil
			}
			latest.Amount = amount
			latest.CalculationCount = count
			latest.UpdatedAt = now
			return s.payouts.WithTrx(tx).Update(ctx, latest.ID, map[string]any{
				"amount":            amount,
				"calculation_count": count,
				"updated_at":        now,
			})
		}

		out = &Payout{
			ID:                s.node.Generate().String(),
			VenueID:           c.venueID,
			StaffID:           c.staffID,
			AggregationPeriod: c.period,
			PeriodStart:       c.start.UTC(),
			PeriodEnd:         c.end.UTC(),
			Attempt:           1,
			Amount:            amount,
			CalculationCount:  count,
			Status:            PayoutPending,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		out.Code = s.payoutCode(ctx, out)
		return s.payouts.WithTrx(tx).Create(ctx, out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) latestAttempt(ctx context.Context, tx *gorm.DB, c payoutCycle) (*Payout, error) {
	return s.payouts.WithTrx(tx).FindOne(ctx, &Payout{VenueID: c.venueID, StaffID: c.staffID, AggregationPeriod: c.period},
		option.ApplyOperator(option.Condition{Field: "period_start", Operator: option.EQ, Value: c.start.UTC()}),
		option.WithSortBy(option.QuerySortBy{SortBy: "attempt", OrderBy: "desc"}),
		option.WithLockingUpdate(),
	)
}

// sumCalculations totals the final commissions of a cycle across every config
// sharing its aggregation period.
func (s *Service) sumCalculations(ctx context.Context, tx *gorm.DB, c payoutCycle) (decimal.Decimal, int64, error) {
	var amounts []decimal.Decimal
	if err := tx.WithContext(ctx).Model(&Calculation{}).
		Where("venue_id = ? AND staff_id = ? AND aggregation_period = ? AND sale_at >= ? AND sale_at < ?",
			c.venueID, c.staffID, c.period, c.start.UTC(), c.end.UTC()).
		Pluck("final_commission", &amounts).Error; err != nil {
		return decimal.Zero, 0, err
	}

	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total, int64(len(amounts)), nil
}

func cycleOf(p *Payout) payoutCycle {
	return payoutCycle{venueID: p.VenueID, staffID: p.StaffID, period: p.AggregationPeriod, start: p.PeriodStart, end: p.PeriodEnd}
}

// payoutCode draws a human readable code from the sequence generator and
// falls back to the payout id when none is available.
func (s *Service) payoutCode(ctx context.Context, p *Payout) string {
	if s.sequence == nil {
		return p.ID
	}
	code, err := s.sequence.NextPayoutCode(ctx, p.VenueID)
	if err != nil {
		zap.L().Warn("payout code generation failed, using id", zap.String("payout_id", p.ID), zap.Error(err))
		return p.ID
	}
	return code
}

// transition moves a payout to target with a compare-and-set update.
func (s *Service) transition(ctx context.Context, payoutID string, target PayoutStatus, fields map[string]any) (*Payout, error) {
	now := time.Now().UTC()
	fields["status"] = target
	fields["updated_at"] = now

	res := s.db.WithContext(ctx).Model(&Payout{}).
		Where("id = ? AND status IN ?", payoutID, sourcesOf(target)).
		Updates(fields)
	if res.Error != nil {
		return nil, errutil.Internal("failed to update payout", res.Error)
	}

	payout, err := s.payouts.FindOne(ctx, &Payout{ID: payoutID})
	if err != nil {
		return nil, errutil.Internal("failed to load payout", err)
	}
	if payout == nil {
		return nil, errutil.NotFound("payout not found", nil)
	}
	if res.RowsAffected == 0 {
		return nil, errutil.Conflict(fmt.Sprintf("payout %s is %s and cannot move to %s", payoutID, payout.Status, target), ErrIllegalTransition)
	}

	payoutTransitionsTotal.WithLabelValues(string(target)).Inc()
	zap.L().Info("payout transitioned",
		zap.String("payout_id", payoutID),
		zap.String("venue_id", payout.VenueID),
		zap.String("staff_id", payout.StaffID),
		zap.String("status", string(target)),
	)
	return payout, nil
}

func (s *Service) ApprovePayout(ctx context.Context, payoutID, approvedBy string) (*Payout, error) {
	now := time.Now().UTC()
	return s.transition(ctx, payoutID, PayoutApproved, map[string]any{
		"approved_by": approvedBy,
		"approved_at": now,
	})
}

func (s *Service) CancelPayout(ctx context.Context, payoutID string) (*Payout, error) {
	now := time.Now().UTC()
	return s.transition(ctx, payoutID, PayoutCancelled, map[string]any{
		"cancelled_at": now,
	})
}

// DispatchPayout moves an approved payout to PROCESSING and hands it to the
// payment dispatcher. A dispatcher error marks the payout FAILED. A payout
// already PROCESSING with the same payment method is handed over again, so a
// redelivered dispatch task finishes the hand-off of a worker that stopped
// after the transition; the dispatcher dedups on the payout id.
func (s *Service) DispatchPayout(ctx context.Context, payoutID, paymentMethod string) (*Payout, error) {
	now := time.Now().UTC()
	fields := map[string]any{"processing_at": now}
	if paymentMethod != "" {
		fields["payment_method"] = paymentMethod
	}

	payout, err := s.transition(ctx, payoutID, PayoutProcessing, fields)
	if err != nil {
		if !errors.Is(err, ErrIllegalTransition) {
			return nil, err
		}
		current, lerr := s.GetPayout(ctx, payoutID)
		if lerr != nil || current.Status != PayoutProcessing ||
			(paymentMethod != "" && paymentMethod != current.PaymentMethod) {
			return nil, err
		}
		zap.L().Warn("resuming payout dispatch", zap.String("payout_id", payoutID))
		payout = current
	}

	dispatchErr := errors.New("no payment dispatcher configured")
	if s.dispatcher != nil {
		dispatchErr = s.dispatcher.Dispatch(ctx, payout)
	}
	if dispatchErr == nil {
		return payout, nil
	}

	failed, err := s.transition(ctx, payoutID, PayoutFailed, map[string]any{
		"failure_reason": dispatchErr.Error(),
	})
	if err != nil {
		return nil, err
	}
	zap.L().Error("payout dispatch failed", zap.String("payout_id", failed.ID), zap.Error(dispatchErr))
	return failed, errutil.BadGateway("payout dispatch failed", fmt.Errorf("%w: %v", ErrDispatchFailed, dispatchErr))
}

// RequestDispatch queues an approved payout for dispatch by the worker. It
// dispatches inline when no task queue is wired.
func (s *Service) RequestDispatch(ctx context.Context, payoutID, paymentMethod string) (*Payout, bool, error) {
	payout, err := s.GetPayout(ctx, payoutID)
	if err != nil {
		return nil, false, err
	}
	if !CanTransition(payout.Status, PayoutProcessing) {
		return nil, false, errutil.Conflict(fmt.Sprintf("payout %s is %s and cannot be dispatched", payoutID, payout.Status), ErrIllegalTransition)
	}

	if s.enqueuer == nil {
		p, err := s.DispatchPayout(ctx, payoutID, paymentMethod)
		return p, false, err
	}

	t, err := NewPayoutDispatchTask(PayoutDispatchPayload{PayoutID: payoutID, PaymentMethod: paymentMethod})
	if err != nil {
		return nil, false, errutil.Internal("failed to build dispatch task", err)
	}
	opts := []asynq.Option{asynq.TaskID("payout-dispatch:" + payoutID)}
	if s.payoutQueue != "" {
		opts = append(opts, asynq.Queue(s.payoutQueue))
	}
	if _, err := s.enqueuer.Enqueue(t, opts...); err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil, false, errutil.ServiceUnavailable("failed to queue payout dispatch", err)
	}
	return payout, true, nil
}

// CompletePayout records the payment service's verdict on a PROCESSING payout.
func (s *Service) CompletePayout(ctx context.Context, payoutID string, success bool, reason string) (*Payout, error) {
	now := time.Now().UTC()
	if success {
		return s.transition(ctx, payoutID, PayoutPaid, map[string]any{"paid_at": now})
	}
	if reason == "" {
		reason = "payment failed"
	}
	return s.transition(ctx, payoutID, PayoutFailed, map[string]any{"failure_reason": reason})
}

// RetryPayout opens a new PENDING cycle for a FAILED payout with a freshly
// computed amount. Only the latest attempt of a cycle can be retried.
func (s *Service) RetryPayout(ctx context.Context, payoutID string) (*Payout, error) {
	var retry *Payout
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		failed, err := s.payouts.WithTrx(tx).FindOne(ctx, &Payout{ID: payoutID}, option.WithLockingUpdate())
		if err != nil {
			return err
		}
		if failed == nil {
			return errutil.NotFound("payout not found", nil)
		}
		if failed.Status != PayoutFailed {
			return errutil.Conflict(fmt.Sprintf("payout %s is %s, only FAILED payouts can be retried", payoutID, failed.Status), ErrIllegalTransition)
		}

		latest, err := s.latestAttempt(ctx, tx, cycleOf(failed))
		if err != nil {
			return err
		}
		if latest != nil && latest.ID != failed.ID {
			return errutil.Conflict(fmt.Sprintf("payout %s was already retried as %s", payoutID, latest.ID), ErrIllegalTransition)
		}

		amount, count, err := s.sumCalculations(ctx, tx, cycleOf(failed))
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		retry = &Payout{
			ID:                s.node.Generate().String(),
			VenueID:           failed.VenueID,
			StaffID:           failed.StaffID,
			AggregationPeriod: failed.AggregationPeriod,
			PeriodStart:       failed.PeriodStart,
			PeriodEnd:         failed.PeriodEnd,
			Attempt:           failed.Attempt + 1,
			Amount:            amount,
			CalculationCount:  count,
			PaymentMethod:     failed.PaymentMethod,
			Status:            PayoutPending,
			RetryOf:           &failed.ID,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		retry.Code = s.payoutCode(ctx, retry)
		if err := s.payouts.WithTrx(tx).Create(ctx, retry); err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return errutil.Conflict(fmt.Sprintf("payout %s was already retried", payoutID), err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, asServiceError("failed to retry payout", err)
	}

	payoutTransitionsTotal.WithLabelValues(string(PayoutPending)).Inc()
	zap.L().Info("payout retried",
		zap.String("payout_id", retry.ID),
		zap.String("retry_of", payoutID),
		zap.Int("attempt", retry.Attempt),
	)
	return retry, nil
}

// EnqueueDuePayoutResolutions queues a resolve task for every venue with an
// aggregation period ending at the start of now's day. Task ids make repeated
// runs on the same day no-ops.
func (s *Service) EnqueueDuePayoutResolutions(ctx context.Context, now time.Time) (int, error) {
	if s.enqueuer == nil {
		return 0, errutil.ServiceUnavailable("task queue is not configured", nil)
	}

	local := now.In(s.loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.loc)

	type cadence struct {
		VenueID           string
		AggregationPeriod Period
	}
	var rows []cadence
	if err := s.db.WithContext(ctx).Model(&Config{}).
		Distinct("venue_id", "aggregation_period").
		Order("venue_id").
		Scan(&rows).Error; err != nil {
		return 0, errutil.Internal("failed to list venue cadences", err)
	}

	due := map[string]bool{}
	var venues []string
	for _, r := range rows {
		if due[r.VenueID] {
			continue
		}
		_, end, err := r.AggregationPeriod.Window(midnight.Add(-time.Nanosecond), s.loc)
		if err != nil || !end.Equal(midnight) {
			continue
		}
		due[r.VenueID] = true
		venues = append(venues, r.VenueID)
	}

	enqueued := 0
	for _, venueID := range venues {
		t, err := NewPayoutResolveTask(PayoutResolvePayload{VenueID: venueID, PeriodEnd: midnight})
		if err != nil {
			return enqueued, errutil.Internal("failed to build resolve task", err)
		}
		opts := []asynq.Option{asynq.TaskID(fmt.Sprintf("payout-resolve:%s:%s", venueID, midnight.Format("20060102")))}
		if s.payoutQueue != "" {
			opts = append(opts, asynq.Queue(s.payoutQueue))
		}
		if _, err := s.enqueuer.Enqueue(t, opts...); err != nil {
			if errors.Is(err, asynq.ErrTaskIDConflict) {
				continue
			}
			return enqueued, errutil.ServiceUnavailable("failed to queue payout resolution", err)
		}
		enqueued++
	}

	zap.L().Info("payout resolutions queued", zap.Time("period_end", midnight), zap.Int("venues", enqueued))
	return enqueued, nil
}
