package commission

import "errors"

var (
	ErrUnknownCalcType     = errors.New("unknown calc type")
	ErrRateLocked          = errors.New("config rate fields are locked by existing calculations")
	ErrIllegalTransition   = errors.New("illegal payout transition")
	ErrDispatchFailed      = errors.New("payout dispatch failed")
	errCalculationRecorded = errors.New("calculation already recorded")
)
