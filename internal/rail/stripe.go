package rail

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	stripe "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

// Stripe settles trades through manual-capture PaymentIntents: Lock creates
// and confirms an intent that authorizes the payer without capturing,
// Release captures it, and Refund cancels the authorization. Stripe's own
// idempotency keys carry the exactly-once guarantee, so this rail keeps no
// local state.
type Stripe struct {
	api *client.API
}

// NewStripe creates a Stripe rail with the given secret key.
func NewStripe(apiKey string) *Stripe {
	api := &client.API{}
	api.Init(apiKey, nil)
	return &Stripe{api: api}
}

var _ Rail = (*Stripe)(nil)

func (s *Stripe) Name() string { return "stripe" }

// minorUnits converts a 6-decimal smallest-unit amount to Stripe's 2-decimal
// minor units. Amounts with sub-cent precision are rejected outright.
func minorUnits(amount *big.Int) (int64, error) {
	if amount == nil || amount.Sign() <= 0 {
		return 0, fmt.Errorf("non-positive amount")
	}
	minor, rem := new(big.Int).QuoRem(amount, big.NewInt(10000), new(big.Int))
	if rem.Sign() != 0 {
		return 0, fmt.Errorf("amount has sub-cent precision")
	}
	if !minor.IsInt64() {
		return 0, fmt.Errorf("amount out of range")
	}
	return minor.Int64(), nil
}

func (s *Stripe) Lock(ctx context.Context, key string, amount *big.Int, currency, payerRef string) (string, error) {
	minor, err := minorUnits(amount)
	if err != nil {
		return "", Fatal(fmt.Errorf("lock %s: %w", key, err))
	}

	params := &stripe.PaymentIntentParams{
		Params: stripe.Params{
			Context:        ctx,
			IdempotencyKey: stripe.String("peerswap-lock-" + key),
		},
		Amount:        stripe.Int64(minor),
		Currency:      stripe.String(strings.ToLower(currency)),
		Customer:      stripe.String(payerRef),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
	}

	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return "", classify(err)
	}
	if pi.Status != stripe.PaymentIntentStatusRequiresCapture {
		return "", Fatal(fmt.Errorf("lock %s: intent %s in status %s", key, pi.ID, pi.Status))
	}
	return pi.ID, nil
}

func (s *Stripe) Release(ctx context.Context, key, contractRef, _ string) (string, error) {
	params := &stripe.PaymentIntentCaptureParams{
		Params: stripe.Params{
			Context:        ctx,
			IdempotencyKey: stripe.String("peerswap-release-" + key),
		},
	}

	pi, err := s.api.PaymentIntents.Capture(contractRef, params)
	if err != nil {
		return "", classify(err)
	}
	if pi.LatestCharge != nil {
		return pi.LatestCharge.ID, nil
	}
	return pi.ID, nil
}

func (s *Stripe) Refund(ctx context.Context, key, contractRef, _ string) (string, error) {
	params := &stripe.PaymentIntentCancelParams{
		Params: stripe.Params{
			Context:        ctx,
			IdempotencyKey: stripe.String("peerswap-refund-" + key),
		},
	}

	pi, err := s.api.PaymentIntents.Cancel(contractRef, params)
	if err != nil {
		return "", classify(err)
	}
	return pi.ID, nil
}

// classify maps Stripe errors onto the retryable/fatal split. Connection
// faults, rate limits, and upstream 5xx are worth retrying with the same
// idempotency key; everything else is a permanent rejection.
func classify(err error) error {
	var sErr *stripe.Error
	if !errors.As(err, &sErr) {
		// Transport-level failure before Stripe answered.
		return Retryable(err)
	}

	if sErr.HTTPStatusCode == 429 || sErr.HTTPStatusCode >= 500 {
		return Retryable(err)
	}
	if sErr.Type == stripe.ErrorTypeAPI {
		return Retryable(err)
	}
	return Fatal(err)
}
