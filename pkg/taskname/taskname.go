package taskname

const (
	// Sale events consumed from the order service
	SaleCompleted = "commission:sale:completed"

	// Payout tasks
	PayoutResolve  = "commission:payout:resolve"
	PayoutDispatch = "commission:payout:dispatch"

	// Payment hand-off, handled by the payment service
	PaymentPayoutRequested = "payment:payout:requested"
)
