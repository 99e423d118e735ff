package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cast"
	"github.com/valyala/fasthttp"
)

const (
	RefundFull    = "02"
	RefundPartial = "03"
)

type QueryRequest struct {
	RequestID       string
	TxnRef          string
	TransactionNo   string
	OrderInfo       string
	TransactionDate string // yyyyMMddHHmmss of the original payment
	CreateDate      string // defaults to now
	ClientIP        string
}

type RefundRequest struct {
	RequestID       string
	TxnRef          string
	TransactionNo   string
	Amount          decimal.Decimal // major units
	OrderInfo       string
	CreateBy        string
	TransactionDate string
	TransactionType string // RefundFull or RefundPartial
	CreateDate      string
	ClientIP        string
}

// APIResult is the gateway's answer to querydr or refund, passed through as-is.
type APIResult struct {
	ResponseCode      string                 `json:"responseCode"`
	Message           string                 `json:"message"`
	TxnRef            string                 `json:"txnRef"`
	TransactionNo     string                 `json:"transactionNo"`
	TransactionStatus string                 `json:"transactionStatus"`
	Amount            int64                  `json:"amount"`
	Raw               map[string]interface{} `json:"raw"`
}

func (c *Client) QueryDR(ctx context.Context, req QueryRequest) (*APIResult, error) {
	createDate := c.createDate(req.CreateDate)
	body := map[string]string{
		"vnp_RequestId":       req.RequestID,
		"vnp_Version":         c.cfg.Version,
		"vnp_Command":         "querydr",
		"vnp_TmnCode":         c.cfg.TmnCode,
		"vnp_TxnRef":          req.TxnRef,
		"vnp_OrderInfo":       req.OrderInfo,
		"vnp_TransactionNo":   req.TransactionNo,
		"vnp_TransactionDate": req.TransactionDate,
		"vnp_CreateDate":      createDate,
		"vnp_IpAddr":          req.ClientIP,
	}
	body["vnp_SecureHash"] = signPipe(c.cfg.HashSecret,
		req.RequestID, c.cfg.Version, "querydr", c.cfg.TmnCode, req.TxnRef,
		req.TransactionDate, createDate, req.ClientIP, req.OrderInfo)

	return c.post(ctx, body)
}

func (c *Client) Refund(ctx context.Context, req RefundRequest) (*APIResult, error) {
	if req.TransactionType != RefundFull && req.TransactionType != RefundPartial {
		return nil, fmt.Errorf("invalid refund transaction type %q", req.TransactionType)
	}
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("refund amount must be positive")
	}

	createDate := c.createDate(req.CreateDate)
	amount := ScaleAmount(req.Amount)
	body := map[string]string{
		"vnp_RequestId":       req.RequestID,
		"vnp_Version":         c.cfg.Version,
		"vnp_Command":         "refund",
		"vnp_TmnCode":         c.cfg.TmnCode,
		"vnp_TransactionType": req.TransactionType,
		"vnp_TxnRef":          req.TxnRef,
		"vnp_Amount":          amount,
		"vnp_OrderInfo":       req.OrderInfo,
		"vnp_TransactionNo":   req.TransactionNo,
		"vnp_TransactionDate": req.TransactionDate,
		"vnp_CreateBy":        req.CreateBy,
		"vnp_CreateDate":      createDate,
		"vnp_IpAddr":          req.ClientIP,
	}
	body["vnp_SecureHash"] = signPipe(c.cfg.HashSecret,
		req.RequestID, c.cfg.Version, "refund", c.cfg.TmnCode, req.TransactionType,
		req.TxnRef, amount, req.TransactionNo, req.TransactionDate, req.CreateBy,
		createDate, req.ClientIP, req.OrderInfo)

	return c.post(ctx, body)
}

func (c *Client) createDate(given string) string {
	if given != "" {
		return given
	}
	return c.now().In(vnLocation).Format(dateLayout)
}

func (c *Client) post(ctx context.Context, payload map[string]string) (*APIResult, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.cfg.APIURL)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(data)

	deadline := time.Now().Add(c.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.http.DoDeadline(req, resp, deadline); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrServiceUnavailable, resp.StatusCode())
	}

	raw := map[string]interface{}{}
	if err := json.Unmarshal(resp.Body(), &raw); err != nil {
		return nil, fmt.Errorf("%w: malformed response: %v", ErrServiceUnavailable, err)
	}

	return &APIResult{
		ResponseCode:      cast.ToString(raw["vnp_ResponseCode"]),
		Message:           cast.ToString(raw["vnp_Message"]),
		TxnRef:            cast.ToString(raw["vnp_TxnRef"]),
		TransactionNo:     cast.ToString(raw["vnp_TransactionNo"]),
		TransactionStatus: cast.ToString(raw["vnp_TransactionStatus"]),
		Amount:            cast.ToInt64(raw["vnp_Amount"]),
		Raw:               raw,
	}, nil
}
