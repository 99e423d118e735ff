package controllers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"shopsifu/payment/db"
	"shopsifu/payment/db/dbtest"
	"shopsifu/payment/gateway"
	"shopsifu/payment/ledger"
	"shopsifu/payment/notify"
	"shopsifu/payment/order"
	"shopsifu/payment/reconcile"
	"shopsifu/payment/reference"
	"shopsifu/web/middleware"
)

const (
	jwtSecret  = "jwt-secret"
	hashSecret = "SECRETKEY"
)

type env struct {
	conn    *gorm.DB
	hub     *notify.Hub
	orders  *order.Service
	router  *gin.Engine
	api     *httptest.Server
	apiDown atomic.Bool
}

func newEnv(t *testing.T) *env {
	gin.SetMode(gin.TestMode)
	e := &env{conn: dbtest.Open(t), hub: notify.NewHub(nil)}

	e.api = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if e.apiDown.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var req map[string]string
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(map[string]string{
			"vnp_ResponseCode":      "00",
			"vnp_Message":           req["vnp_Command"] + " ok",
			"vnp_TxnRef":            req["vnp_TxnRef"],
			"vnp_TransactionStatus": "00",
		})
	}))
	t.Cleanup(e.api.Close)

	gw := gateway.NewClient(gateway.Config{
		TmnCode:    "TMN01",
		HashSecret: hashSecret,
		PayURL:     "https://sandbox.vnpayment.vn/paymentv2/vpcpay.html",
		ReturnURL:  "https://shop.example/payment/return",
		APIURL:     e.api.URL,
		Timeout:    time.Second,
	})
	l := ledger.New(e.conn, nil)
	e.orders = order.NewService(l, order.Config{Gateway: gateway.Name}, nil)
	h := New(Deps{
		DB:           e.conn,
		Ledger:       l,
		Orders:       e.orders,
		Gateway:      gw,
		Orchestrator: reconcile.New(gw, l, e.hub, nil),
		Hub:          e.hub,
	})

	e.router = gin.New()
	h.Register(e.router, middleware.RequireAuth(jwtSecret), func(c *gin.Context) { c.Next() })
	return e
}

func (e *env) do(t *testing.T, method, path string, userID uint, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != 0 {
		token, err := middleware.IssueToken(jwtSecret, userID, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func signedQuery(paymentID uint, amount int64, code, txnNo string) string {
	ref := reference.Encode(paymentID)
	v := url.Values{}
	v.Set("vnp_TmnCode", "TMN01")
	v.Set("vnp_Amount", strconv.FormatInt(amount, 10))
	v.Set("vnp_TxnRef", ref)
	v.Set("vnp_OrderInfo", "Thanh toan don hang "+ref)
	v.Set("vnp_ResponseCode", code)
	v.Set("vnp_TransactionStatus", code)
	v.Set("vnp_TransactionNo", txnNo)
	v.Set("vnp_SecureHash", gateway.Sign(v, hashSecret))
	return v.Encode()
}

func TestCheckoutAndGetOrder(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, http.MethodPost, "/orders/checkout", 5, gin.H{
		"orders": []gin.H{{"shopId": 1, "totalPrice": "100000"}, {"shopId": 2, "totalPrice": 50000}},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode(t, w)
	assert.Equal(t, "PENDING", created["status"])
	assert.Equal(t, "150000", created["total"])

	orders := created["orders"].([]interface{})
	orderID := uint(orders[0].(map[string]interface{})["id"].(float64))

	w = e.do(t, http.MethodGet, "/orders/"+strconv.Itoa(int(orderID)), 5, nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode(t, w)
	assert.Equal(t, "PENDING_PAYMENT", got["status"])
	assert.Equal(t, created["paymentId"], got["paymentId"])

	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/orders/"+strconv.Itoa(int(orderID)), 6, nil).Code)
	assert.Equal(t, http.StatusUnauthorized, e.do(t, http.MethodGet, "/orders/1", 0, nil).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, "/orders/abc", 5, nil).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/orders/checkout", 5, gin.H{"orders": []gin.H{}}).Code)
}

func TestCreatePayment(t *testing.T) {
	e := newEnv(t)
	dbtest.SeedPayment(t, e.conn, 42, 100000, 50000)

	w := e.do(t, http.MethodPost, "/payment/vnpay/create", 1, gin.H{"paymentId": 42, "amount": 150000, "bankCode": "NCB"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := decode(t, w)

	u, err := url.Parse(out["paymentUrl"].(string))
	require.NoError(t, err)
	assert.Equal(t, "SHOPSIFU42", u.Query().Get("vnp_TxnRef"))
	assert.Equal(t, "15000000", u.Query().Get("vnp_Amount"))
	assert.NoError(t, gateway.Verify(u.Query(), hashSecret))
	assert.True(t, strings.HasPrefix(out["qrCode"].(string), "data:image/png;base64,"))
}

func TestCreatePaymentRejects(t *testing.T) {
	e := newEnv(t)
	dbtest.SeedPayment(t, e.conn, 42, 150000)
	dbtest.SeedPayment(t, e.conn, 43, 150000)
	_, err := ledger.New(e.conn, nil).ResolvePaymentFailed(context.Background(), 43)
	require.NoError(t, err)

	assert.Equal(t, http.StatusBadRequest,
		e.do(t, http.MethodPost, "/payment/vnpay/create", 1, gin.H{"paymentId": 42, "amount": 1000}).Code)
	assert.Equal(t, http.StatusNotFound,
		e.do(t, http.MethodPost, "/payment/vnpay/create", 2, gin.H{"paymentId": 42}).Code)
	assert.Equal(t, http.StatusNotFound,
		e.do(t, http.MethodPost, "/payment/vnpay/create", 1, gin.H{"paymentId": 999}).Code)
	assert.Equal(t, http.StatusConflict,
		e.do(t, http.MethodPost, "/payment/vnpay/create", 1, gin.H{"paymentId": 43}).Code)
	assert.Equal(t, http.StatusBadRequest,
		e.do(t, http.MethodPost, "/payment/vnpay/create", 1, gin.H{}).Code)
}

func TestLateURLSurvivesExpirySweep(t *testing.T) {
	e := newEnv(t)
	dbtest.SeedPayment(t, e.conn, 42, 150000)
	ctx := context.Background()
	age := func(d time.Duration) {
		require.NoError(t, e.conn.Model(&db.Payment{}).Where("id = ?", 42).
			Update("created_at", time.Now().Add(-d)).Error)
	}

	// the shopper asks for a pay URL one minute before the checkout TTL
	age(29 * time.Minute)
	w := e.do(t, http.MethodPost, "/payment/vnpay/create", 1, gin.H{"paymentId": 42})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotEmpty(t, decode(t, w)["expiresAt"])

	age(31 * time.Minute)
	n, err := e.orders.ExpireStalePayments(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	w = e.do(t, http.MethodGet, "/payment/vnpay/ipn?"+signedQuery(42, 15000000, "00", "14000009"), 0, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "00", decode(t, w)["RspCode"])

	p, err := ledger.New(e.conn, nil).LoadPayment(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, db.PaymentSuccess, p.Status)
	assert.Equal(t, db.OrderPendingPackaging, p.Orders[0].Status)
}

func TestIPN(t *testing.T) {
	e := newEnv(t)
	dbtest.SeedPayment(t, e.conn, 42, 100000, 50000)
	sub := e.hub.Subscribe(42)
	defer sub.Close()

	query := signedQuery(42, 15000000, "00", "14000001")

	w := e.do(t, http.MethodGet, "/payment/vnpay/ipn?"+query, 0, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"RspCode":"00","Message":"Confirm Success"}`, w.Body.String())

	select {
	case ev := <-sub.C:
		assert.Equal(t, notify.Event{Status: "success", Gateway: "vnpay", PaymentID: 42}, ev)
	case <-time.After(time.Second):
		t.Fatal("no push for payment 42")
	}

	w = e.do(t, http.MethodGet, "/payment/vnpay/ipn?"+query, 0, nil)
	assert.JSONEq(t, `{"RspCode":"02","Message":"Order already confirmed"}`, w.Body.String())
	select {
	case ev := <-sub.C:
		t.Fatalf("duplicate delivery pushed %+v", ev)
	default:
	}

	var o db.Order
	require.NoError(t, e.conn.Where("payment_id = ?", 42).First(&o).Error)
	assert.Equal(t, db.OrderPendingPackaging, o.Status)
}

func TestIPNErrors(t *testing.T) {
	e := newEnv(t)
	dbtest.SeedPayment(t, e.conn, 42, 150000)

	w := e.do(t, http.MethodGet, "/payment/vnpay/ipn?"+signedQuery(42, 15000000, "00", "1")+"&vnp_BankCode=X", 0, nil)
	assert.Equal(t, "97", decode(t, w)["RspCode"])

	w = e.do(t, http.MethodGet, "/payment/vnpay/ipn?"+signedQuery(42, 100, "00", "1"), 0, nil)
	assert.Equal(t, "04", decode(t, w)["RspCode"])

	w = e.do(t, http.MethodGet, "/payment/vnpay/ipn?"+signedQuery(77, 100, "00", "1"), 0, nil)
	assert.Equal(t, "01", decode(t, w)["RspCode"])
}

func TestReturn(t *testing.T) {
	e := newEnv(t)
	dbtest.SeedPayment(t, e.conn, 42, 150000)
	dbtest.SeedPayment(t, e.conn, 43, 20000)

	w := e.do(t, http.MethodGet, "/payment/vnpay/return?"+signedQuery(43, 2000000, "24", "0"), 0, nil)
	require.Equal(t, http.StatusOK, w.Code)
	out := decode(t, w)
	assert.Equal(t, false, out["isSuccess"])
	assert.Equal(t, true, out["isVerified"])
	assert.Equal(t, "Customer cancelled the transaction", out["message"])

	w = e.do(t, http.MethodGet, "/payment/vnpay/return?"+signedQuery(42, 15000000, "00", "14000001"), 0, nil)
	require.Equal(t, http.StatusOK, w.Code)
	out = decode(t, w)
	assert.Equal(t, true, out["isSuccess"])
	assert.Equal(t, "150000", out["amount"])
	assert.Equal(t, "SHOPSIFU42", out["reference"])

	// the browser reloading the return page still shows success
	w = e.do(t, http.MethodGet, "/payment/vnpay/return?"+signedQuery(42, 15000000, "00", "14000001"), 0, nil)
	assert.Equal(t, true, decode(t, w)["isSuccess"])

	tampered := strings.Replace(signedQuery(42, 15000000, "00", "1"), "vnp_Amount=15000000", "vnp_Amount=1", 1)
	w = e.do(t, http.MethodGet, "/payment/vnpay/return?"+tampered, 0, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, false, decode(t, w)["isVerified"])
}

func TestQueryDRAndRefund(t *testing.T) {
	e := newEnv(t)
	dbtest.SeedPayment(t, e.conn, 42, 150000)

	w := e.do(t, http.MethodPost, "/payment/vnpay/refund", 1, gin.H{
		"orderId": "42", "amount": 150000, "transactionDate": "20240501100000",
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = e.do(t, http.MethodPost, "/payment/vnpay/querydr", 1, gin.H{
		"orderId": "SHOPSIFU42", "transactionDate": "20240501100000",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := decode(t, w)
	assert.Equal(t, "00", out["responseCode"])
	assert.Equal(t, "SHOPSIFU42", out["txnRef"])

	_, err := ledger.New(e.conn, nil).ResolvePaymentSuccess(context.Background(), 42)
	require.NoError(t, err)

	w = e.do(t, http.MethodPost, "/payment/vnpay/refund", 1, gin.H{
		"orderId": "42", "amount": 50000, "transactionDate": "20240501100000", "transactionNo": "14000001",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "refund ok", decode(t, w)["message"])

	w = e.do(t, http.MethodPost, "/payment/vnpay/refund", 1, gin.H{
		"orderId": "42", "amount": 999999, "transactionDate": "20240501100000",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	e.apiDown.Store(true)
	w = e.do(t, http.MethodPost, "/payment/vnpay/querydr", 1, gin.H{
		"orderId": "42", "transactionDate": "20240501100000",
	})
	assert.Equal(t, http.StatusBadGateway, w.Code)

	w = e.do(t, http.MethodPost, "/payment/vnpay/querydr", 2, gin.H{
		"orderId": "42", "transactionDate": "20240501100000",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealth(t *testing.T) {
	e := newEnv(t)

	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/healthz", 0, nil).Code)

	w := e.do(t, http.MethodGet, "/readyz", 0, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["db"])
}
