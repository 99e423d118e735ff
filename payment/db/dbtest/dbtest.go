// Package dbtest opens throwaway sqlite databases for package tests.
package dbtest

import (
	"fmt"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"shopsifu/payment/db"
)

func Open(t testing.TB) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	conn, err := db.Connect("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.Sync(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	t.Cleanup(func() {
		if sqlDB, err := conn.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return conn
}

// SeedPayment inserts a PENDING payment with the given id and one awaiting-payment order per total.
func SeedPayment(t testing.TB, conn *gorm.DB, id uint, totals ...int64) *db.Payment {
	t.Helper()

	p := db.Payment{ID: id, UserID: 1, Gateway: "vnpay", Status: db.PaymentPending}
	if err := conn.Create(&p).Error; err != nil {
		t.Fatalf("seed payment: %v", err)
	}
	for i, total := range totals {
		o := db.Order{
			PaymentID:  id,
			UserID:     1,
			ShopID:     uint(i + 1),
			TotalPrice: decimal.NewFromInt(total),
			Status:     db.OrderPendingPayment,
		}
		if err := conn.Create(&o).Error; err != nil {
			t.Fatalf("seed order: %v", err)
		}
		p.Orders = append(p.Orders, o)
	}
	return &p
}
