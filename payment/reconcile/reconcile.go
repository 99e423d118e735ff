// Package reconcile turns gateway callbacks into exactly one payment transition.
package reconcile

import (
	"context"
	"fmt"
	"net/url"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"shopsifu/payment/db"
	"shopsifu/payment/gateway"
	"shopsifu/payment/ledger"
	"shopsifu/payment/notify"
	"shopsifu/payment/reference"
)

type Channel string

const (
	// ChannelNotification is the authoritative server-to-server IPN.
	ChannelNotification Channel = "ipn"
	// ChannelReturn is the browser redirect. It may confirm success but never records a failure.
	ChannelReturn Channel = "return"
)

type Outcome string

const (
	OutcomeConfirmed        Outcome = "CONFIRMED"
	OutcomeFailed           Outcome = "FAILED"
	OutcomeAlreadyConfirmed Outcome = "ALREADY_CONFIRMED"
	// OutcomeDeclined: the return channel reported a failure. Nothing was written.
	OutcomeDeclined Outcome = "DECLINED"
)

type Result struct {
	Outcome   Outcome
	PaymentID uint
	Status    db.PaymentStatus
	Orders    []db.Order
	Callback  gateway.Callback
}

type Orchestrator struct {
	gateway  Verifier
	ledger   *ledger.Ledger
	notifier notify.Notifier
	log      *zap.Logger
}

func New(gw Verifier, l *ledger.Ledger, n notify.Notifier, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{gateway: gw, ledger: l, notifier: n, log: log}
}

func (o *Orchestrator) HandleNotification(ctx context.Context, params url.Values) (*Result, error) {
	return o.reconcile(ctx, ChannelNotification, params)
}

func (o *Orchestrator) HandleReturn(ctx context.Context, params url.Values) (*Result, error) {
	return o.reconcile(ctx, ChannelReturn, params)
}

func (o *Orchestrator) reconcile(ctx context.Context, channel Channel, params url.Values) (*Result, error) {
	log := o.log.With(zap.String("channel", string(channel)), zap.String("txn_ref", params.Get("vnp_TxnRef")))

	if err := o.gateway.Verify(params); err != nil {
		log.Warn("callback signature rejected")
		return nil, err
	}
	cb, parseErr := o.gateway.ParseCallback(params)

	paymentID, err := reference.Decode(params.Get("vnp_TxnRef"), params.Get("vnp_OrderInfo"))
	if err != nil {
		log.Warn("callback carries no payment reference")
		return nil, err
	}
	log = log.With(zap.Uint("payment_id", paymentID))

	payment, err := o.ledger.LoadPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	if parseErr != nil {
		log.Warn("callback amount unreadable", zap.Error(parseErr))
		return nil, fmt.Errorf("%w: %v", ErrAmountMismatch, parseErr)
	}
	if err := ValidateAmount(payment.Total(), cb.Amount); err != nil {
		log.Warn("callback amount rejected", zap.Error(err))
		return nil, err
	}

	success := cb.Success()
	result := &Result{PaymentID: paymentID, Status: payment.Status, Orders: payment.Orders, Callback: cb}

	if channel == ChannelReturn && !success {
		result.Outcome = OutcomeDeclined
		return result, nil
	}
	if payment.Status.Terminal() {
		result.Outcome = OutcomeAlreadyConfirmed
		return result, nil
	}

	body, err := cb.Payload()
	if err != nil {
		return nil, err
	}
	record := &db.GatewayTransaction{
		Gateway:         o.gateway.Name(),
		ReferenceNumber: referenceNumber(cb),
		Code:            cb.TxnRef,
		PaymentID:       paymentID,
		AmountIn:        cb.Amount,
		TransactionDate: cb.PayDate,
		Body:            datatypes.JSON(body),
	}

	var res *ledger.Resolution
	err = o.ledger.Transaction(ctx, func(tx *ledger.Ledger) error {
		locked, err := tx.LockPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		if locked.Status.Terminal() {
			result.Status = locked.Status
			return nil
		}

		created, err := tx.RecordTransactionIfNew(ctx, record)
		if err != nil {
			return err
		}
		if !created {
			return nil
		}

		if success {
			res, err = tx.ResolvePaymentSuccess(ctx, paymentID)
		} else {
			res, err = tx.ResolvePaymentFailed(ctx, paymentID)
		}
		return err
	})
	if err != nil {
		log.Error("reconciliation failed", zap.Error(err))
		return nil, err
	}

	if res == nil || !res.Changed {
		log.Info("callback already applied")
		result.Outcome = OutcomeAlreadyConfirmed
		if res != nil {
			result.Status = res.Payment.Status
			result.Orders = res.Orders
		}
		return result, nil
	}

	result.Status = res.Payment.Status
	result.Orders = res.Orders
	if !success {
		result.Outcome = OutcomeFailed
		log.Info("payment failed", zap.String("response_code", cb.ResponseCode))
		return result, nil
	}

	result.Outcome = OutcomeConfirmed
	log.Info("payment confirmed", zap.Int64("amount", cb.Amount))

	ev := notify.Event{Status: "success", Gateway: o.gateway.Name(), PaymentID: paymentID}
	if err := o.notifier.Notify(ctx, paymentID, ev); err != nil {
		log.Warn("payment event not delivered", zap.Error(err))
	}
	return result, nil
}

// referenceNumber is the idempotency key of a callback. Cancelled or failed
// transactions may carry no gateway transaction number, in which case the
// payment reference stands in.
func referenceNumber(cb gateway.Callback) string {
	if cb.TransactionNo != "" && cb.TransactionNo != "0" {
		return cb.TransactionNo
	}
	return cb.TxnRef
}
