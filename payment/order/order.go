// Checkout is a minimal stand-in for the cart module: it turns per-shop totals
// into one PENDING payment that the gateway is asked to collect.

package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"shopsifu/payment/db"
	"shopsifu/payment/ledger"
)

var (
	ErrEmptyCheckout = errors.New("checkout has no orders")
	ErrInvalidTotal  = errors.New("order total must be positive")
)

type Input struct {
	ShopID     uint            `json:"shopId" binding:"required"`
	TotalPrice decimal.Decimal `json:"totalPrice"`
}

type Config struct {
	Gateway       string
	TTL           time.Duration // lifetime of a PENDING payment that has no pay URL yet
	SweepInterval time.Duration
}

type Service struct {
	ledger *ledger.Ledger
	cfg    Config
	log    *zap.Logger
	now    func() time.Time
}

func NewService(l *ledger.Ledger, cfg Config, log *zap.Logger) *Service {
	if cfg.TTL == 0 {
		cfg.TTL = defaultPaymentTTL
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{ledger: l, cfg: cfg, log: log, now: time.Now}
}

func (s *Service) Checkout(ctx context.Context, userID uint, items []Input) (*db.Payment, error) {
	if len(items) == 0 {
		return nil, ErrEmptyCheckout
	}

	orders := make([]db.Order, 0, len(items))
	for _, item := range items {
		if !item.TotalPrice.IsPositive() {
			return nil, fmt.Errorf("%w: shop %d", ErrInvalidTotal, item.ShopID)
		}
		orders = append(orders, db.Order{
			ShopID:     item.ShopID,
			TotalPrice: item.TotalPrice.Round(2),
		})
	}

	payment := &db.Payment{UserID: userID, Gateway: s.cfg.Gateway}
	if err := s.ledger.CreatePayment(ctx, payment, orders); err != nil {
		return nil, fmt.Errorf("failed to create payment: %w", err)
	}

	s.log.Info("checkout created",
		zap.Uint("payment_id", payment.ID),
		zap.Uint("user_id", userID),
		zap.String("total", payment.Total().String()))
	return payment, nil
}
