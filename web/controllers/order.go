package controllers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cast"
	"go.uber.org/zap"

	"shopsifu/payment/ledger"
	"shopsifu/payment/order"
	"shopsifu/web/middleware"
)

func (h *Handler) Checkout(c *gin.Context) {
	var body struct {
		Orders []order.Input `json:"orders" binding:"required,dive"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	payment, err := h.orders.Checkout(c.Request.Context(), middleware.UserID(c), body.Orders)
	if errors.Is(err, order.ErrEmptyCheckout) || errors.Is(err, order.ErrInvalidTotal) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		h.log.Error("checkout failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create payment"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"paymentId": payment.ID,
		"status":    payment.Status,
		"total":     payment.Total(),
		"orders":    payment.Orders,
	})
}

// GetOrder is what waiting clients poll. Only the owner may read an order.
func (h *Handler) GetOrder(c *gin.Context) {
	id, err := cast.ToUintE(c.Param("id"))
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid order id"})
		return
	}

	o, err := h.ledger.GetOrder(c.Request.Context(), id)
	if errors.Is(err, ledger.ErrOrderNotFound) || (err == nil && o.UserID != middleware.UserID(c)) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
		return
	}
	if err != nil {
		h.log.Error("failed to load order", zap.Uint("order_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load order"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":         o.ID,
		"paymentId":  o.PaymentID,
		"status":     o.Status,
		"totalPrice": o.TotalPrice,
	})
}
