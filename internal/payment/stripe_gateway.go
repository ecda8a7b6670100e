package payment

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/paymentintent"
	"github.com/stripe/stripe-go/v81/refund"
)

const tokenMetadataKey = "idempotency_token"

// StripeGateway charges through Stripe PaymentIntents. The order's payment
// token is sent both as the Idempotency-Key header and as metadata, so a
// lost response can be found again with the search API.
type StripeGateway struct {
	intents       paymentintent.Client
	refunds       refund.Client
	paymentMethod string
}

// NewStripeGateway uses the live API backend when backend is nil.
func NewStripeGateway(key, paymentMethod string, backend stripe.Backend) *StripeGateway {
	if backend == nil {
		backend = stripe.GetBackend(stripe.APIBackend)
	}
	return &StripeGateway{
		intents:       paymentintent.Client{B: backend, Key: key},
		refunds:       refund.Client{B: backend, Key: key},
		paymentMethod: paymentMethod,
	}
}

func (g *StripeGateway) Charge(ctx context.Context, req ChargeRequest) (Outcome, error) {
	params := &stripe.PaymentIntentParams{
		Amount:             stripe.Int64(minorUnits(req.Amount)),
		Currency:           stripe.String(strings.ToLower(req.Currency)),
		PaymentMethod:      stripe.String(g.paymentMethod),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		Confirm:            stripe.Bool(true),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.Token)
	params.AddMetadata(tokenMetadataKey, req.Token)
	params.AddMetadata("order_id", req.OrderID)

	pi, err := g.intents.New(params)
	if err != nil {
		if out, ok := declineFromError(err); ok {
			return out, nil
		}
		return Outcome{}, errors.Wrap(err, "stripe create payment intent")
	}
	return outcomeFromIntent(pi), nil
}

func (g *StripeGateway) QueryStatus(ctx context.Context, token string) (Outcome, error) {
	params := &stripe.PaymentIntentSearchParams{}
	params.Context = ctx
	params.Query = fmt.Sprintf("metadata['%s']:'%s'", tokenMetadataKey, token)

	iter := g.intents.Search(params)
	if iter.Next() {
		return outcomeFromIntent(iter.PaymentIntent()), nil
	}
	if err := iter.Err(); err != nil {
		return Outcome{}, errors.Wrap(err, "stripe search payment intents")
	}
	return Outcome{Status: StatusNotFound}, nil
}

func (g *StripeGateway) Refund(ctx context.Context, receiptID, token string) error {
	params := &stripe.RefundParams{PaymentIntent: stripe.String(receiptID)}
	params.Context = ctx
	params.SetIdempotencyKey("refund-" + token)

	if _, err := g.refunds.New(params); err != nil {
		return errors.Wrapf(err, "stripe refund %s", receiptID)
	}
	return nil
}

func outcomeFromIntent(pi *stripe.PaymentIntent) Outcome {
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return Outcome{Status: StatusSucceeded, ReceiptID: pi.ID}
	case stripe.PaymentIntentStatusRequiresPaymentMethod, stripe.PaymentIntentStatusCanceled:
		reason := string(pi.Status)
		if pi.LastPaymentError != nil && pi.LastPaymentError.Msg != "" {
			reason = pi.LastPaymentError.Msg
		}
		return Outcome{Status: StatusDeclined, ReceiptID: pi.ID, Reason: reason}
	default:
		// processing, requires_action, requires_capture...
		return Outcome{Status: StatusPending, ReceiptID: pi.ID}
	}
}

// declineFromError separates definitive rejections from unknown outcomes.
func declineFromError(err error) (Outcome, bool) {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return Outcome{}, false
	}
	switch {
	case se.Type == stripe.ErrorTypeCard:
		return Outcome{Status: StatusDeclined, Reason: se.Msg}, true
	case se.Type == stripe.ErrorTypeInvalidRequest && se.HTTPStatusCode < http.StatusInternalServerError:
		return Outcome{Status: StatusDeclined, Reason: se.Msg}, true
	}
	return Outcome{}, false
}

// minorUnits converts 12.34 to 1234.
func minorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}
