package order

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shopsifu/payment/db"
	"shopsifu/payment/db/dbtest"
	"shopsifu/payment/ledger"
)

func TestCheckout(t *testing.T) {
	conn := dbtest.Open(t)
	svc := NewService(ledger.New(conn, nil), Config{Gateway: "vnpay"}, nil)

	p, err := svc.Checkout(context.Background(), 5, []Input{
		{ShopID: 1, TotalPrice: decimal.RequireFromString("100000")},
		{ShopID: 2, TotalPrice: decimal.RequireFromString("50000.005")},
	})
	require.NoError(t, err)

	assert.NotZero(t, p.ID)
	assert.Equal(t, db.PaymentPending, p.Status)
	assert.Equal(t, "vnpay", p.Gateway)
	require.Len(t, p.Orders, 2)
	assert.True(t, p.Total().Equal(decimal.RequireFromString("150000.01")))

	var stored []db.Order
	require.NoError(t, conn.Where("payment_id = ?", p.ID).Find(&stored).Error)
	assert.Len(t, stored, 2)
	for _, o := range stored {
		assert.Equal(t, uint(5), o.UserID)
		assert.Equal(t, db.OrderPendingPayment, o.Status)
	}
}

func TestCheckoutRejectsBadInput(t *testing.T) {
	svc := NewService(ledger.New(dbtest.Open(t), nil), Config{}, nil)
	ctx := context.Background()

	_, err := svc.Checkout(ctx, 1, nil)
	assert.ErrorIs(t, err, ErrEmptyCheckout)

	_, err = svc.Checkout(ctx, 1, []Input{{ShopID: 1, TotalPrice: decimal.Zero}})
	assert.ErrorIs(t, err, ErrInvalidTotal)

	_, err = svc.Checkout(ctx, 1, []Input{{ShopID: 1, TotalPrice: decimal.NewFromInt(-5)}})
	assert.ErrorIs(t, err, ErrInvalidTotal)
}

func TestExpireStalePayments(t *testing.T) {
	conn := dbtest.Open(t)
	dbtest.SeedPayment(t, conn, 1, 1000)
	dbtest.SeedPayment(t, conn, 2, 1000)
	dbtest.SeedPayment(t, conn, 3, 1000)

	l := ledger.New(conn, nil)
	_, err := l.ResolvePaymentSuccess(context.Background(), 3)
	require.NoError(t, err)

	svc := NewService(l, Config{TTL: 30 * time.Minute}, nil)
	// pretend an hour has passed for payments 1 and 3
	require.NoError(t, conn.Model(&db.Payment{}).Where("id IN ?", []uint{1, 3}).
		Update("created_at", time.Now().Add(-time.Hour)).Error)

	n, err := svc.ExpireStalePayments(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	p, err := l.LoadPayment(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, db.PaymentFailed, p.Status)
	assert.Equal(t, db.OrderCancelled, p.Orders[0].Status)

	p, err = l.LoadPayment(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, db.PaymentPending, p.Status)

	p, err = l.LoadPayment(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, db.PaymentSuccess, p.Status)
}

func TestStartExpirySweep(t *testing.T) {
	conn := dbtest.Open(t)
	dbtest.SeedPayment(t, conn, 1, 1000)
	l := ledger.New(conn, nil)

	svc := NewService(l, Config{TTL: time.Minute, SweepInterval: 10 * time.Millisecond}, nil)
	svc.now = func() time.Time { return time.Now().Add(time.Hour) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.StartExpirySweep(ctx)

	assert.Eventually(t, func() bool {
		p, err := l.LoadPayment(context.Background(), 1)
		return err == nil && p.Status == db.PaymentFailed
	}, 2*time.Second, 20*time.Millisecond)
}

func TestHoldForPaymentURL(t *testing.T) {
	conn := dbtest.Open(t)
	dbtest.SeedPayment(t, conn, 1, 1000)
	l := ledger.New(conn, nil)
	ctx := context.Background()

	start := time.Now()
	svc := NewService(l, Config{TTL: 30 * time.Minute}, nil)

	p, err := l.LoadPayment(ctx, 1)
	require.NoError(t, err)

	// early in the checkout window the TTL is the floor
	until, err := svc.HoldForPaymentURL(ctx, p, 15*time.Minute)
	require.NoError(t, err)
	assert.WithinDuration(t, p.CreatedAt.Add(30*time.Minute), until, time.Second)

	// a URL issued at minute 29 outlives the checkout TTL
	svc.now = func() time.Time { return start.Add(29 * time.Minute) }
	until, err = svc.HoldForPaymentURL(ctx, p, 15*time.Minute)
	require.NoError(t, err)
	assert.WithinDuration(t, start.Add(29*time.Minute+15*time.Minute+urlGrace), until, time.Second)

	svc.now = func() time.Time { return start.Add(31 * time.Minute) }
	n, err := svc.ExpireStalePayments(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	svc.now = func() time.Time { return until.Add(time.Second) }
	n, err = svc.ExpireStalePayments(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = svc.HoldForPaymentURL(ctx, p, 15*time.Minute)
	assert.ErrorIs(t, err, ledger.ErrPaymentNotPending)
}
