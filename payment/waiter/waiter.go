// Package waiter is the client side of payment completion: wait a bounded time
// for a realtime push, then poll the order until it leaves PENDING_PAYMENT.
// A push that arrives while polling still wins.
package waiter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"shopsifu/payment/db"
	"shopsifu/payment/notify"
)

type Source string

const (
	SourcePush Source = "push"
	SourcePoll Source = "poll"
)

type Config struct {
	WSURL        string // e.g. ws://host/ws
	BaseURL      string // e.g. http://host
	Token        string // bearer token for GET /orders/:id
	PushTimeout  time.Duration
	PollInterval time.Duration
}

type Result struct {
	Source Source
	Status string // event status for push, order status for poll
	Paid   bool
}

type Waiter struct {
	cfg  Config
	http *fasthttp.Client
	log  *zap.Logger
}

func New(cfg Config, log *zap.Logger) *Waiter {
	if cfg.PushTimeout == 0 {
		cfg.PushTimeout = 8 * time.Second
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Waiter{cfg: cfg, http: &fasthttp.Client{}, log: log}
}

// Wait blocks until the payment is resolved or ctx ends.
func (w *Waiter) Wait(ctx context.Context, paymentID, orderID uint) (*Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pushed := make(chan notify.Event, 1)
	go w.listen(ctx, paymentID, pushed)

	timer := time.NewTimer(w.cfg.PushTimeout)
	defer timer.Stop()

	select {
	case ev := <-pushed:
		return pushResult(ev), nil
	case <-timer.C:
		w.log.Debug("no push received, polling", zap.Uint("order_id", orderID))
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		status, err := w.orderStatus(ctx, orderID)
		if err != nil {
			w.log.Debug("order poll failed", zap.Uint("order_id", orderID), zap.Error(err))
		} else if status != string(db.OrderPendingPayment) {
			return &Result{
				Source: SourcePoll,
				Status: status,
				Paid:   status == string(db.OrderPendingPackaging),
			}, nil
		}

		select {
		case ev := <-pushed:
			return pushResult(ev), nil
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func pushResult(ev notify.Event) *Result {
	return &Result{Source: SourcePush, Status: ev.Status, Paid: ev.Status == "success"}
}

// listen joins the payment's room. Socket errors only mean no push; polling
// covers for them.
func (w *Waiter) listen(ctx context.Context, paymentID uint, pushed chan<- notify.Event) {
	if w.cfg.WSURL == "" {
		return
	}

	url := fmt.Sprintf("%s?paymentId=%d", w.cfg.WSURL, paymentID)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, http.Header{})
	if err != nil {
		w.log.Debug("websocket unavailable", zap.Error(err))
		return
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var ev notify.Event
		if err := conn.ReadJSON(&ev); err != nil {
			return
		}
		if ev.PaymentID != paymentID {
			continue
		}
		select {
		case pushed <- ev:
		default:
		}
		return
	}
}

type orderView struct {
	ID     uint   `json:"id"`
	Status string `json:"status"`
}

func (w *Waiter) orderStatus(ctx context.Context, orderID uint) (string, error) {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(fmt.Sprintf("%s/orders/%d", w.cfg.BaseURL, orderID))
	req.Header.SetMethod(fasthttp.MethodGet)
	if w.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+w.cfg.Token)
	}

	deadline := time.Now().Add(w.cfg.PollInterval)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := w.http.DoDeadline(req, resp, deadline); err != nil {
		return "", err
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return "", fmt.Errorf("order %d: status %d", orderID, resp.StatusCode())
	}

	var view orderView
	if err := json.Unmarshal(resp.Body(), &view); err != nil {
		return "", err
	}
	return view.Status, nil
}
