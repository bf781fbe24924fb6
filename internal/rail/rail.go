// Package rail abstracts the external settlement rail that holds value while
// a trade is in flight.
//
// The exchange never moves value itself. It asks the rail to lock a payer's
// funds, then later to release them to the payee or refund them to the payer.
// Every operation takes an idempotency key (the trade ID); calling an
// operation twice with the same key must return the original outcome without
// moving funds again.
//
// Errors are classified so callers know whether retrying can help:
// *RetryableError for transient faults (network, rate limits, upstream 5xx)
// and *FatalError for permanent rejections (declined, invalid reference).
package rail

import (
	"context"
	"errors"
	"fmt"
	"math/big"
)

// Rail is the settlement rail seam. Implementations must be idempotent by key.
type Rail interface {
	// Lock places amount under the rail's control, debiting payerRef.
	// Returns a contract reference used by Release and Refund.
	Lock(ctx context.Context, key string, amount *big.Int, currency, payerRef string) (contractRef string, err error)

	// Release pays the locked funds out to payeeRef.
	Release(ctx context.Context, key, contractRef, payeeRef string) (settlementRef string, err error)

	// Refund returns the locked funds to payerRef.
	Refund(ctx context.Context, key, contractRef, payerRef string) (settlementRef string, err error)

	// Name identifies the rail in logs and metrics.
	Name() string
}

// RetryableError marks a transient rail failure. The caller may retry the
// same operation with the same idempotency key.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return fmt.Sprintf("rail (retryable): %v", e.Err) }
func (e *RetryableError) Unwrap() error { return e.Err }

// FatalError marks a permanent rail failure. Retrying cannot succeed; the
// caller must compensate instead.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("rail (fatal): %v", e.Err) }
func (e *FatalError) Unwrap() error { return e.Err }

// Retryable wraps err as transient.
func Retryable(err error) error {
	return &RetryableError{Err: err}
}

// Fatal wraps err as permanent.
func Fatal(err error) error {
	return &FatalError{Err: err}
}

// IsRetryable reports whether err is classified transient.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// IsFatal reports whether err is classified permanent.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
