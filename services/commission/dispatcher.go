package commission

import (
	"context"
	"errors"
	"time"

	"smallbiznis-commission/pkg/task"

	"github.com/hibiken/asynq"
)

// PaymentDispatcher hands an approved payout to the payment method handler.
// A nil error only means the request was accepted; the outcome arrives later
// through CompletePayout.
type PaymentDispatcher interface {
	Dispatch(ctx context.Context, payout *Payout) error
}

type asynqDispatcher struct {
	enqueuer task.Enqueuer
	queue    string
	timeout  time.Duration
}

func NewAsynqPaymentDispatcher(enqueuer task.Enqueuer, queue string, timeout time.Duration) PaymentDispatcher {
	return &asynqDispatcher{enqueuer: enqueuer, queue: queue, timeout: timeout}
}

func (d *asynqDispatcher) Dispatch(ctx context.Context, payout *Payout) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t, err := NewPaymentRequestedTask(PaymentRequestedPayload{
		PayoutID:      payout.ID,
		PayoutCode:    payout.Code,
		VenueID:       payout.VenueID,
		StaffID:       payout.StaffID,
		Amount:        payout.Amount,
		PaymentMethod: payout.PaymentMethod,
		PeriodStart:   payout.PeriodStart,
		PeriodEnd:     payout.PeriodEnd,
	})
	if err != nil {
		return err
	}

	opts := []asynq.Option{
		asynq.TaskID(payout.ID),
		asynq.MaxRetry(0),
	}
	if d.queue != "" {
		opts = append(opts, asynq.Queue(d.queue))
	}
	if d.timeout > 0 {
		opts = append(opts, asynq.Timeout(d.timeout))
	}

	// a conflicting task id means the request was already handed over
	if _, err = d.enqueuer.Enqueue(t, opts...); err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) {
		return err
	}
	return nil
}
