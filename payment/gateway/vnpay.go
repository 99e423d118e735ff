// Package gateway speaks the VNPay protocol: pay URLs, callback signatures and the
// merchant web API. It holds no payment state.
package gateway

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
	"github.com/valyala/fasthttp"

	"shopsifu/payment/reference"
)

const (
	Name = "vnpay"

	ResponseCodeSuccess = "00"
	currencyVND         = "VND"
	dateLayout          = "20060102150405"

	// PaymentURLTTL is how long a built pay URL stays payable (vnp_ExpireDate).
	PaymentURLTTL = 15 * time.Minute
)

var (
	ErrInvalidChecksum    = errors.New("invalid checksum")
	ErrServiceUnavailable = errors.New("payment gateway unavailable")
)

// amountScale is the factor between major units and vnp_Amount.
var amountScale = decimal.NewFromInt(100)

// VNPay gateway timestamps are always Vietnam local time.
var vnLocation = time.FixedZone("ICT", 7*60*60)

type Config struct {
	TmnCode    string
	HashSecret string
	PayURL     string
	ReturnURL  string
	APIURL     string
	Version    string
	Timeout    time.Duration
}

type Client struct {
	cfg  Config
	http *fasthttp.Client
	now  func() time.Time
}

func NewClient(cfg Config) *Client {
	if cfg.Version == "" {
		cfg.Version = "2.1.0"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		cfg: cfg,
		http: &fasthttp.Client{
			Name:         "shopsifu-payment",
			ReadTimeout:  cfg.Timeout,
			WriteTimeout: cfg.Timeout,
		},
		now: time.Now,
	}
}

func (c *Client) Name() string {
	return Name
}

type PaymentRequest struct {
	PaymentID uint
	Amount    decimal.Decimal // major units
	OrderInfo string
	Locale    string // vn or en
	BankCode  string
	ClientIP  string
}

// BuildPaymentURL returns the signed redirect URL. The payment id travels in
// vnp_TxnRef and vnp_OrderInfo through the reference codec.
func (c *Client) BuildPaymentURL(req PaymentRequest) (string, error) {
	if req.PaymentID == 0 {
		return "", fmt.Errorf("payment id is required")
	}
	if !req.Amount.IsPositive() {
		return "", fmt.Errorf("amount must be positive")
	}

	ref := reference.Encode(req.PaymentID)
	orderInfo := req.OrderInfo
	if orderInfo == "" {
		orderInfo = "Thanh toan don hang " + ref
	} else if _, err := reference.Decode(orderInfo); err != nil {
		orderInfo = orderInfo + " " + ref
	}

	locale := req.Locale
	if locale != "en" {
		locale = "vn"
	}

	now := c.now().In(vnLocation)
	params := url.Values{}
	params.Set("vnp_Version", c.cfg.Version)
	params.Set("vnp_Command", "pay")
	params.Set("vnp_TmnCode", c.cfg.TmnCode)
	params.Set("vnp_Locale", locale)
	params.Set("vnp_CurrCode", currencyVND)
	params.Set("vnp_TxnRef", ref)
	params.Set("vnp_OrderInfo", orderInfo)
	params.Set("vnp_OrderType", "other")
	params.Set("vnp_Amount", ScaleAmount(req.Amount))
	params.Set("vnp_ReturnUrl", c.cfg.ReturnURL)
	params.Set("vnp_IpAddr", req.ClientIP)
	params.Set("vnp_CreateDate", now.Format(dateLayout))
	params.Set("vnp_ExpireDate", now.Add(PaymentURLTTL).Format(dateLayout))
	if req.BankCode != "" {
		params.Set("vnp_BankCode", req.BankCode)
	}

	params.Set("vnp_SecureHash", Sign(params, c.cfg.HashSecret))
	return c.cfg.PayURL + "?" + params.Encode(), nil
}

// ScaleAmount converts major units to the vnp_Amount wire form.
func ScaleAmount(amount decimal.Decimal) string {
	return amount.Mul(amountScale).Truncate(0).String()
}

// DescaleAmount converts a vnp_Amount value back to major units.
func DescaleAmount(raw int64) decimal.Decimal {
	return decimal.NewFromInt(raw).Div(amountScale)
}
