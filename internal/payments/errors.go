package payments

import (
	"context"
	"errors"
	"fmt"

	"pishop.app/internal/ledger"
	"pishop.app/internal/platform"
)

var (
	ErrUpstreamUnavailable = errors.New("payments: payment platform unavailable")
	ErrAlreadyTerminal     = errors.New("payments: payment already in a terminal state")
	ErrNotFound            = errors.New("payments: payment not found")
	ErrAmountMismatch      = errors.New("payments: amount does not match package price")
	ErrNotApproved         = errors.New("payments: payment not approved")
	ErrRejected            = errors.New("payments: rejected by payment platform")
)

// upstreamErr maps platform client failures onto the orchestrator's errors.
func upstreamErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, platform.ErrNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, platform.ErrRejected):
		return fmt.Errorf("%w: %s: %v", ErrRejected, op, err)
	case errors.Is(err, context.Canceled):
		return err
	default:
		return fmt.Errorf("%w: %s: %v", ErrUpstreamUnavailable, op, err)
	}
}

// storeErr maps ledger absence onto ErrNotFound and wraps everything else.
func storeErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ledger.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrNotFound, op)
	default:
		return fmt.Errorf("payments: %s: %w", op, err)
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUpstreamUnavailable):
		return "upstream_unavailable"
	case errors.Is(err, ErrAlreadyTerminal):
		return "already_terminal"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAmountMismatch):
		return "amount_mismatch"
	case errors.Is(err, ErrNotApproved):
		return "not_approved"
	case errors.Is(err, ErrRejected):
		return "rejected"
	case errors.Is(err, ledger.ErrConflict):
		return "conflict"
	default:
		return "error"
	}
}
