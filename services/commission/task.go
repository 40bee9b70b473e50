package commission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"smallbiznis-commission/pkg/errutil"
	"smallbiznis-commission/pkg/taskname"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type PayoutResolvePayload struct {
	VenueID   string    `json:"venue_id"`
	PeriodEnd time.Time `json:"period_end"`
}

type PayoutDispatchPayload struct {
	PayoutID      string `json:"payout_id"`
	PaymentMethod string `json:"payment_method"`
}

// PaymentRequestedPayload is handed to the payment service, which reports the
// result back through the payout completion endpoint.
type PaymentRequestedPayload struct {
	PayoutID      string          `json:"payout_id"`
	PayoutCode    string          `json:"payout_code"`
	VenueID       string          `json:"venue_id"`
	StaffID       string          `json:"staff_id"`
	Amount        decimal.Decimal `json:"amount"`
	PaymentMethod string          `json:"payment_method"`
	PeriodStart   time.Time       `json:"period_start"`
	PeriodEnd     time.Time       `json:"period_end"`
}

func NewSaleCompletedTask(p Sale, opts ...asynq.Option) (*asynq.Task, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskname.SaleCompleted, payload, opts...), nil
}

func NewPayoutResolveTask(p PayoutResolvePayload, opts ...asynq.Option) (*asynq.Task, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskname.PayoutResolve, payload, opts...), nil
}

func NewPayoutDispatchTask(p PayoutDispatchPayload, opts ...asynq.Option) (*asynq.Task, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskname.PayoutDispatch, payload, opts...), nil
}

func NewPaymentRequestedTask(p PaymentRequestedPayload, opts ...asynq.Option) (*asynq.Task, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskname.PaymentPayoutRequested, payload, opts...), nil
}

// Task consumes the commission queues.
type Task struct {
	service *Service
}

func NewTask(svc *Service) *Task {
	return &Task{service: svc}
}

func (t *Task) HandleSaleCompleted(ctx context.Context, task *asynq.Task) error {
	var payload Sale
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid payload: %v: %w", err, asynq.SkipRetry)
	}

	zapLog := zap.L().With(
		zap.String("task_type", task.Type()),
		zap.String("venue_id", payload.VenueID),
		zap.String("sale_id", payload.SaleID),
		zap.String("staff_id", payload.StaffID),
	)

	calc, err := t.service.CalculateCommission(ctx, payload)
	if err != nil {
		return retryable(zapLog, "calculate commission", err)
	}

	zapLog.Info("commission calculated",
		zap.String("calculation_id", calc.ID),
		zap.String("outcome", string(calc.Outcome)),
		zap.String("final_commission", calc.FinalCommission.String()),
	)
	return nil
}

func (t *Task) HandlePayoutResolve(ctx context.Context, task *asynq.Task) error {
	var payload PayoutResolvePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid payload: %v: %w", err, asynq.SkipRetry)
	}

	zapLog := zap.L().With(
		zap.String("task_type", task.Type()),
		zap.String("venue_id", payload.VenueID),
		zap.Time("period_end", payload.PeriodEnd),
	)

	payouts, err := t.service.ResolvePayouts(ctx, payload.VenueID, payload.PeriodEnd)
	if err != nil {
		return retryable(zapLog, "resolve payouts", err)
	}

	zapLog.Info("payouts resolved", zap.Int("payouts", len(payouts)))
	return nil
}

func (t *Task) HandlePayoutDispatch(ctx context.Context, task *asynq.Task) error {
	var payload PayoutDispatchPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid payload: %v: %w", err, asynq.SkipRetry)
	}

	zapLog := zap.L().With(
		zap.String("task_type", task.Type()),
		zap.String("payout_id", payload.PayoutID),
	)

	payout, err := t.service.DispatchPayout(ctx, payload.PayoutID, payload.PaymentMethod)
	if err != nil {
		// a failed dispatch is terminal for this cycle; retries open a new payout
		if errors.Is(err, ErrDispatchFailed) {
			zapLog.Error("payout dispatch failed", zap.Error(err))
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		// the payout moved on without this task; redelivery cannot change that
		if errors.Is(err, ErrIllegalTransition) {
			zapLog.Warn("payout dispatch rejected", zap.Error(err))
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return retryable(zapLog, "dispatch payout", err)
	}

	zapLog.Info("payout dispatched", zap.String("status", string(payout.Status)))
	return nil
}

// retryable lets asynq retry infrastructure failures and data conflicts that
// an administrator can fix, and skips retries for requests that can never
// succeed.
func retryable(zapLog *zap.Logger, action string, err error) error {
	switch errutil.StatusOf(err) {
	case errutil.StatusBadRequest, errutil.StatusValidationFailed, errutil.StatusNotFound, errutil.StatusUnprocessableEntity:
		zapLog.Warn(action+" rejected", zap.Error(err))
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	zapLog.Error(action+" failed", zap.Error(err))
	return err
}
