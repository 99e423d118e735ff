package gateway

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/cast"
)

// Callback is the parsed form of a return-channel or IPN query string.
type Callback struct {
	Amount            int64 // minor units, as sent
	BankCode          string
	BankTranNo        string
	CardType          string
	OrderInfo         string
	PayDate           *time.Time
	ResponseCode      string
	TmnCode           string
	TransactionNo     string
	TransactionStatus string
	TxnRef            string

	Raw url.Values
}

func (c *Client) ParseCallback(params url.Values) (Callback, error) {
	return ParseCallback(params)
}

func ParseCallback(params url.Values) (Callback, error) {
	amount, err := cast.ToInt64E(params.Get("vnp_Amount"))
	if err != nil {
		return Callback{}, fmt.Errorf("invalid vnp_Amount %q: %w", params.Get("vnp_Amount"), err)
	}

	cb := Callback{
		Amount:            amount,
		BankCode:          params.Get("vnp_BankCode"),
		BankTranNo:        params.Get("vnp_BankTranNo"),
		CardType:          params.Get("vnp_CardType"),
		OrderInfo:         params.Get("vnp_OrderInfo"),
		ResponseCode:      params.Get("vnp_ResponseCode"),
		TmnCode:           params.Get("vnp_TmnCode"),
		TransactionNo:     params.Get("vnp_TransactionNo"),
		TransactionStatus: params.Get("vnp_TransactionStatus"),
		TxnRef:            params.Get("vnp_TxnRef"),
		Raw:               params,
	}
	if raw := params.Get("vnp_PayDate"); raw != "" {
		if t, err := time.ParseInLocation(dateLayout, raw, vnLocation); err == nil {
			cb.PayDate = &t
		}
	}
	return cb, nil
}

// Success reports whether the gateway says the money moved.
func (cb Callback) Success() bool {
	return cb.ResponseCode == ResponseCodeSuccess &&
		(cb.TransactionStatus == "" || cb.TransactionStatus == ResponseCodeSuccess)
}

// Payload flattens the raw params for storage.
func (cb Callback) Payload() ([]byte, error) {
	flat := make(map[string]string, len(cb.Raw))
	for k := range cb.Raw {
		flat[k] = cb.Raw.Get(k)
	}
	return json.Marshal(flat)
}
