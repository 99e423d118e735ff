package controllers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/spf13/cast"
	"go.uber.org/zap"

	"shopsifu/payment/db"
	"shopsifu/payment/gateway"
	"shopsifu/payment/ledger"
	"shopsifu/payment/qrcode"
	"shopsifu/payment/reconcile"
	"shopsifu/payment/reference"
	"shopsifu/utils"
	"shopsifu/web/middleware"
)

func (h *Handler) CreatePayment(c *gin.Context) {
	var body struct {
		PaymentID uint             `json:"paymentId" binding:"required"`
		Amount    *decimal.Decimal `json:"amount"`
		OrderInfo string           `json:"orderInfo"`
		Locale    string           `json:"locale"`
		BankCode  string           `json:"bankCode"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	payment, ok := h.ownedPayment(c, body.PaymentID)
	if !ok {
		return
	}
	if payment.Status != db.PaymentPending {
		c.JSON(http.StatusConflict, gin.H{"error": "Payment is no longer pending"})
		return
	}
	total := payment.Total()
	if body.Amount != nil && !body.Amount.Equal(total) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Amount does not match the order total"})
		return
	}

	// keep the sweep off the payment for as long as this URL can be paid
	expiresAt, err := h.orders.HoldForPaymentURL(c.Request.Context(), payment, gateway.PaymentURLTTL)
	if errors.Is(err, ledger.ErrPaymentNotPending) {
		c.JSON(http.StatusConflict, gin.H{"error": "Payment is no longer pending"})
		return
	}
	if err != nil {
		h.log.Error("failed to extend payment expiry", zap.Uint("payment_id", payment.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create payment"})
		return
	}

	paymentURL, err := h.gateway.BuildPaymentURL(gateway.PaymentRequest{
		PaymentID: payment.ID,
		Amount:    total,
		OrderInfo: body.OrderInfo,
		Locale:    body.Locale,
		BankCode:  body.BankCode,
		ClientIP:  utils.NormalizeIP(c.ClientIP()),
	})
	if err != nil {
		h.log.Error("failed to build payment url", zap.Uint("payment_id", payment.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create payment"})
		return
	}

	qr, err := qrcode.PaymentURLDataURI(paymentURL)
	if err != nil {
		h.log.Warn("failed to render payment qr code", zap.Uint("payment_id", payment.ID), zap.Error(err))
	}

	c.JSON(http.StatusOK, gin.H{"paymentUrl": paymentURL, "qrCode": qr, "expiresAt": expiresAt})
}

// Return is where the gateway sends the shopper's browser. It is advisory: a
// success here confirms the payment just like the IPN would, a failure is only
// reported back.
func (h *Handler) Return(c *gin.Context) {
	params := c.Request.URL.Query()
	res, err := h.orch.HandleReturn(c.Request.Context(), params)

	amount := gateway.DescaleAmount(cast.ToInt64(params.Get("vnp_Amount")))
	resp := gin.H{
		"isSuccess":         false,
		"isVerified":        true,
		"amount":            amount,
		"reference":         params.Get("vnp_TxnRef"),
		"transactionNo":     params.Get("vnp_TransactionNo"),
		"responseCode":      params.Get("vnp_ResponseCode"),
		"transactionStatus": params.Get("vnp_TransactionStatus"),
	}

	switch {
	case errors.Is(err, gateway.ErrInvalidChecksum):
		resp["isVerified"] = false
		resp["message"] = "Invalid signature"
		c.JSON(http.StatusBadRequest, resp)
	case errors.Is(err, reference.ErrIdentifierNotFound), errors.Is(err, ledger.ErrPaymentNotFound):
		resp["message"] = "Payment not found"
		c.JSON(http.StatusNotFound, resp)
	case errors.Is(err, reconcile.ErrAmountMismatch):
		resp["message"] = "Invalid amount"
		c.JSON(http.StatusBadRequest, resp)
	case err != nil:
		resp["message"] = "Failed to process payment"
		c.JSON(http.StatusInternalServerError, resp)
	default:
		success := res.Outcome == reconcile.OutcomeConfirmed ||
			(res.Outcome == reconcile.OutcomeAlreadyConfirmed && res.Status == db.PaymentSuccess)
		resp["isSuccess"] = success
		resp["paymentId"] = res.PaymentID
		resp["message"] = gateway.ResponseMessage(res.Callback.ResponseCode)
		if res.Outcome == reconcile.OutcomeAlreadyConfirmed && !success {
			resp["message"] = "Payment already closed"
		}
		c.JSON(http.StatusOK, resp)
	}
}

// IPN always answers 200 with a gateway response code.
func (h *Handler) IPN(c *gin.Context) {
	c.JSON(http.StatusOK, h.orch.Acknowledge(c.Request.Context(), c.Request.URL.Query()))
}

func (h *Handler) QueryDR(c *gin.Context) {
	var body struct {
		RequestID       string `json:"requestId"`
		OrderID         string `json:"orderId" binding:"required"`
		TransactionNo   string `json:"transactionNo"`
		OrderInfo       string `json:"orderInfo"`
		TransactionDate string `json:"transactionDate" binding:"required"`
		CreateDate      string `json:"createDate"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	payment, ok := h.ownedPayment(c, parseOrderID(body.OrderID))
	if !ok {
		return
	}
	if body.RequestID == "" {
		body.RequestID = utils.GenerateRequestID()
	}
	if body.OrderInfo == "" {
		body.OrderInfo = "Query transaction " + reference.Encode(payment.ID)
	}

	res, err := h.gateway.QueryDR(c.Request.Context(), gateway.QueryRequest{
		RequestID:       body.RequestID,
		TxnRef:          reference.Encode(payment.ID),
		TransactionNo:   body.TransactionNo,
		OrderInfo:       body.OrderInfo,
		TransactionDate: body.TransactionDate,
		CreateDate:      body.CreateDate,
		ClientIP:        utils.NormalizeIP(c.ClientIP()),
	})
	h.replyAPI(c, payment.ID, res, err)
}

func (h *Handler) Refund(c *gin.Context) {
	var body struct {
		RequestID       string          `json:"requestId"`
		OrderID         string          `json:"orderId" binding:"required"`
		TransactionNo   string          `json:"transactionNo"`
		Amount          decimal.Decimal `json:"amount"`
		OrderInfo       string          `json:"orderInfo"`
		CreateBy        string          `json:"createBy"`
		TransactionDate string          `json:"transactionDate" binding:"required"`
		TransactionType string          `json:"transactionType"`
		CreateDate      string          `json:"createDate"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	payment, ok := h.ownedPayment(c, parseOrderID(body.OrderID))
	if !ok {
		return
	}
	if payment.Status != db.PaymentSuccess {
		c.JSON(http.StatusConflict, gin.H{"error": "Only successful payments can be refunded"})
		return
	}
	if !body.Amount.IsPositive() || body.Amount.GreaterThan(payment.Total()) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid refund amount"})
		return
	}
	if body.TransactionType == "" {
		body.TransactionType = gateway.RefundFull
		if body.Amount.LessThan(payment.Total()) {
			body.TransactionType = gateway.RefundPartial
		}
	}
	if body.RequestID == "" {
		body.RequestID = utils.GenerateRequestID()
	}
	if body.CreateBy == "" {
		body.CreateBy = strconv.FormatUint(uint64(middleware.UserID(c)), 10)
	}
	if body.OrderInfo == "" {
		body.OrderInfo = "Refund " + reference.Encode(payment.ID)
	}

	res, err := h.gateway.Refund(c.Request.Context(), gateway.RefundRequest{
		RequestID:       body.RequestID,
		TxnRef:          reference.Encode(payment.ID),
		TransactionNo:   body.TransactionNo,
		Amount:          body.Amount,
		OrderInfo:       body.OrderInfo,
		CreateBy:        body.CreateBy,
		TransactionDate: body.TransactionDate,
		TransactionType: body.TransactionType,
		CreateDate:      body.CreateDate,
		ClientIP:        utils.NormalizeIP(c.ClientIP()),
	})
	h.replyAPI(c, payment.ID, res, err)
}

func (h *Handler) replyAPI(c *gin.Context, paymentID uint, res *gateway.APIResult, err error) {
	switch {
	case errors.Is(err, gateway.ErrServiceUnavailable):
		h.log.Warn("gateway api call failed", zap.Uint("payment_id", paymentID), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "Payment gateway unavailable"})
	case err != nil:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, res)
	}
}

// ownedPayment loads the payment and hides it from anyone but its owner.
// It writes the error response itself.
func (h *Handler) ownedPayment(c *gin.Context, id uint) (*db.Payment, bool) {
	if id == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "Payment not found"})
		return nil, false
	}

	payment, err := h.ledger.LoadPayment(c.Request.Context(), id)
	if errors.Is(err, ledger.ErrPaymentNotFound) || (err == nil && payment.UserID != middleware.UserID(c)) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Payment not found"})
		return nil, false
	}
	if err != nil {
		h.log.Error("failed to load payment", zap.Uint("payment_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load payment"})
		return nil, false
	}
	return payment, true
}

// parseOrderID accepts either a bare payment id or a gateway reference.
func parseOrderID(s string) uint {
	if id, err := reference.Decode(s); err == nil {
		return id
	}
	return cast.ToUint(s)
}
