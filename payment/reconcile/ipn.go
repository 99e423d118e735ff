package reconcile

import (
	"context"
	"errors"
	"net/url"

	"go.uber.org/zap"

	"shopsifu/payment/gateway"
	"shopsifu/payment/ledger"
	"shopsifu/payment/reference"
)

// IPNResponse is the body the gateway expects back from the IPN endpoint.
type IPNResponse struct {
	RspCode string `json:"RspCode"`
	Message string `json:"Message"`
}

var (
	ipnConfirmed        = IPNResponse{"00", "Confirm Success"}
	ipnNotFound         = IPNResponse{"01", "Order not found"}
	ipnAlreadyConfirmed = IPNResponse{"02", "Order already confirmed"}
	ipnInvalidAmount    = IPNResponse{"04", "Invalid amount"}
	ipnInvalidChecksum  = IPNResponse{"97", "Invalid Checksum"}
	ipnUnknown          = IPNResponse{"99", "Unknown error"}
)

func ToIPNResponse(res *Result, err error) IPNResponse {
	switch {
	case err == nil && res != nil && res.Outcome == OutcomeAlreadyConfirmed:
		return ipnAlreadyConfirmed
	case err == nil && res != nil:
		return ipnConfirmed
	case errors.Is(err, gateway.ErrInvalidChecksum):
		return ipnInvalidChecksum
	case errors.Is(err, reference.ErrIdentifierNotFound), errors.Is(err, ledger.ErrPaymentNotFound):
		return ipnNotFound
	case errors.Is(err, ErrAmountMismatch):
		return ipnInvalidAmount
	default:
		return ipnUnknown
	}
}

// Acknowledge handles an IPN and always produces a well-formed response,
// including when processing panics.
func (o *Orchestrator) Acknowledge(ctx context.Context, params url.Values) (resp IPNResponse) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("panic while handling IPN", zap.Any("panic", r), zap.Stack("stack"))
			resp = ipnUnknown
		}
	}()

	res, err := o.HandleNotification(ctx, params)
	return ToIPNResponse(res, err)
}
