// Package ledger owns every write to payments, orders and gateway transactions.
// Correctness under concurrent callbacks rests on three database facts: the
// payment row lock, the conditional status update and the unique index on
// (gateway, reference_number).
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"shopsifu/payment/db"
)

var (
	ErrPaymentNotFound = errors.New("payment not found")
	ErrOrderNotFound   = errors.New("order not found")

	ErrPaymentNotPending = errors.New("payment is no longer pending")
)

type Ledger struct {
	db  *gorm.DB
	log *zap.Logger
}

func New(conn *gorm.DB, log *zap.Logger) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{db: conn, log: log}
}

// Resolution is the state after a resolve call. Changed is true only for the
// call that actually moved the payment out of PENDING.
type Resolution struct {
	Payment *db.Payment
	Orders  []db.Order
	Changed bool
}

// Transaction runs fn against a ledger bound to one database transaction.
// Ledger calls made on the bound ledger inside fn nest as savepoints. fn must
// not use the outer ledger.
func (l *Ledger) Transaction(ctx context.Context, fn func(tx *Ledger) error) error {
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Ledger{db: tx, log: l.log})
	})
}

// LoadPayment returns the payment with its orders.
func (l *Ledger) LoadPayment(ctx context.Context, id uint) (*db.Payment, error) {
	var p db.Payment
	err := l.db.WithContext(ctx).
		Preload("Orders", func(tx *gorm.DB) *gorm.DB { return tx.Order("id") }).
		First(&p, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrPaymentNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// LockPayment reloads the payment row with SELECT ... FOR UPDATE. Only
// meaningful inside Transaction. Orders are not loaded.
func (l *Ledger) LockPayment(ctx context.Context, id uint) (*db.Payment, error) {
	var p db.Payment
	err := l.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&p, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrPaymentNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// RecordTransactionIfNew inserts rec unless a row with the same gateway and
// reference number exists. created is false for the duplicate.
func (l *Ledger) RecordTransactionIfNew(ctx context.Context, rec *db.GatewayTransaction) (bool, error) {
	if rec.Gateway == "" || rec.ReferenceNumber == "" {
		return false, fmt.Errorf("gateway and reference number are required")
	}

	result := l.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "gateway"}, {Name: "reference_number"}},
			DoNothing: true,
		}).
		Create(rec)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (l *Ledger) ResolvePaymentSuccess(ctx context.Context, paymentID uint) (*Resolution, error) {
	return l.resolve(ctx, paymentID, db.PaymentSuccess, db.OrderPendingPackaging, nil)
}

func (l *Ledger) ResolvePaymentFailed(ctx context.Context, paymentID uint) (*Resolution, error) {
	return l.resolve(ctx, paymentID, db.PaymentFailed, db.OrderCancelled, nil)
}

// ExpirePayment fails the payment only if it is still expired once its row is
// locked. A pay URL issued after the sweep listed the payment keeps it alive.
func (l *Ledger) ExpirePayment(ctx context.Context, paymentID uint, cutoff, now time.Time) (*Resolution, error) {
	return l.resolve(ctx, paymentID, db.PaymentFailed, db.OrderCancelled, func(p *db.Payment) bool {
		return p.Expired(cutoff, now)
	})
}

func (l *Ledger) resolve(ctx context.Context, paymentID uint, to db.PaymentStatus, orderTo db.OrderStatus, guard func(*db.Payment) bool) (*Resolution, error) {
	var res Resolution

	err := l.Transaction(ctx, func(tx *Ledger) error {
		p, err := tx.LockPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		res.Payment = p

		if p.Status == db.PaymentPending && (guard == nil || guard(p)) {
			if res.Payment, res.Changed, err = tx.transition(ctx, p, to, orderTo); err != nil {
				return err
			}
		}

		return tx.db.WithContext(ctx).
			Where("payment_id = ?", paymentID).
			Order("id").
			Find(&res.Orders).Error
	})
	if err != nil {
		return nil, err
	}

	res.Payment.Orders = res.Orders
	if res.Changed {
		l.log.Info("payment resolved",
			zap.Uint("payment_id", paymentID),
			zap.String("status", string(to)),
			zap.Int("orders", len(res.Orders)))
	}
	return &res, nil
}

// transition moves p from PENDING to the target status with a conditional
// update. When the row is no longer PENDING the stored payment is returned
// unchanged.
func (l *Ledger) transition(ctx context.Context, p *db.Payment, to db.PaymentStatus, orderTo db.OrderStatus) (*db.Payment, bool, error) {
	update := l.db.WithContext(ctx).Model(&db.Payment{}).
		Where("id = ? AND status = ?", p.ID, db.PaymentPending).
		Update("status", to)
	if update.Error != nil {
		return nil, false, update.Error
	}

	if update.RowsAffected == 0 {
		current, err := l.LockPayment(ctx, p.ID)
		if err != nil {
			return nil, false, err
		}
		return current, false, nil
	}

	err := l.db.WithContext(ctx).Model(&db.Order{}).
		Where("payment_id = ? AND status = ?", p.ID, db.OrderPendingPayment).
		Update("status", orderTo).Error
	if err != nil {
		return nil, false, err
	}
	p.Status = to
	return p, true, nil
}

// ExtendExpiry keeps a PENDING payment alive until at least until. It never
// moves ExpiresAt backwards.
func (l *Ledger) ExtendExpiry(ctx context.Context, paymentID uint, until time.Time) error {
	return l.Transaction(ctx, func(tx *Ledger) error {
		p, err := tx.LockPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		if p.Status != db.PaymentPending {
			return fmt.Errorf("%w: %d is %s", ErrPaymentNotPending, paymentID, p.Status)
		}
		if p.ExpiresAt != nil && !p.ExpiresAt.Before(until) {
			return nil
		}
		return tx.db.WithContext(ctx).Model(&db.Payment{}).
			Where("id = ?", paymentID).
			Update("expires_at", until).Error
	})
}

func (l *Ledger) GetOrder(ctx context.Context, id uint) (*db.Order, error) {
	var o db.Order
	err := l.db.WithContext(ctx).First(&o, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrOrderNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// CreatePayment stores a new PENDING payment and its orders atomically.
func (l *Ledger) CreatePayment(ctx context.Context, p *db.Payment, orders []db.Order) error {
	if len(orders) == 0 {
		return fmt.Errorf("payment needs at least one order")
	}
	p.Status = db.PaymentPending

	return l.Transaction(ctx, func(tx *Ledger) error {
		if err := tx.db.WithContext(ctx).Omit("Orders").Create(p).Error; err != nil {
			return err
		}
		for i := range orders {
			orders[i].PaymentID = p.ID
			orders[i].UserID = p.UserID
			orders[i].Status = db.OrderPendingPayment
		}
		if err := tx.db.WithContext(ctx).Create(&orders).Error; err != nil {
			return err
		}
		p.Orders = orders
		return nil
	})
}

// StalePending lists PENDING payments that are past their expiry: ExpiresAt
// when a pay URL was issued, otherwise a checkout older than cutoff.
func (l *Ledger) StalePending(ctx context.Context, cutoff, now time.Time) ([]uint, error) {
	var ids []uint
	err := l.db.WithContext(ctx).Model(&db.Payment{}).
		Where("status = ?", db.PaymentPending).
		Where("((expires_at IS NULL AND created_at < ?) OR expires_at < ?)", cutoff, now).
		Order("id").
		Pluck("id", &ids).Error
	return ids, err
}
