package controllers

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"shopsifu/payment/gateway"
	"shopsifu/payment/ledger"
	"shopsifu/payment/notify"
	"shopsifu/payment/order"
	"shopsifu/payment/reconcile"
)

type Handler struct {
	db      *gorm.DB
	ledger  *ledger.Ledger
	orders  *order.Service
	gateway *gateway.Client
	orch    *reconcile.Orchestrator
	hub     *notify.Hub
	log     *zap.Logger
}

type Deps struct {
	DB           *gorm.DB
	Ledger       *ledger.Ledger
	Orders       *order.Service
	Gateway      *gateway.Client
	Orchestrator *reconcile.Orchestrator
	Hub          *notify.Hub
	Log          *zap.Logger
}

func New(d Deps) *Handler {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		db:      d.DB,
		ledger:  d.Ledger,
		orders:  d.Orders,
		gateway: d.Gateway,
		orch:    d.Orchestrator,
		hub:     d.Hub,
		log:     log,
	}
}

// Register mounts every route. Gateway callbacks stay unauthenticated, their
// signature is the authentication. The IPN and probes are not rate limited.
func (h *Handler) Register(r gin.IRouter, auth, limit gin.HandlerFunc) {
	r.GET("/healthz", h.Healthz)
	r.GET("/readyz", h.Readyz)
	r.GET("/ws", limit, gin.WrapF(h.hub.ServeWS))

	r.POST("/orders/checkout", limit, auth, h.Checkout)
	r.GET("/orders/:id", limit, auth, h.GetOrder)

	vnpay := r.Group("/payment/vnpay")
	vnpay.GET("/ipn", h.IPN)
	vnpay.GET("/return", limit, h.Return)
	vnpay.POST("/create", limit, auth, h.CreatePayment)
	vnpay.POST("/querydr", limit, auth, h.QueryDR)
	vnpay.POST("/refund", limit, auth, h.Refund)
}
