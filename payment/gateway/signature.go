package gateway

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
)

const (
	secureHashKey     = "vnp_SecureHash"
	secureHashTypeKey = "vnp_SecureHashType"
)

// signData builds the canonical string: vnp_* params sorted by key, values
// query-escaped, joined with '&'. Hash fields and empty values are skipped.
func signData(params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if k == secureHashKey || k == secureHashTypeKey || !strings.HasPrefix(k, "vnp_") {
			continue
		}
		if params.Get(k) == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(params.Get(k)))
	}
	return b.String()
}

func hmacSHA512(secret, data string) []byte {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write([]byte(data))
	return mac.Sum(nil)
}

func Sign(params url.Values, secret string) string {
	return hex.EncodeToString(hmacSHA512(secret, signData(params)))
}

// Verify recomputes vnp_SecureHash over params and compares in constant time.
func Verify(params url.Values, secret string) error {
	got, err := hex.DecodeString(strings.ToLower(params.Get(secureHashKey)))
	if err != nil || len(got) == 0 {
		return ErrInvalidChecksum
	}
	if !hmac.Equal(got, hmacSHA512(secret, signData(params))) {
		return ErrInvalidChecksum
	}
	return nil
}

func (c *Client) Verify(params url.Values) error {
	return Verify(params, c.cfg.HashSecret)
}

// signPipe signs the '|' joined field list used by the merchant web API.
func signPipe(secret string, fields ...string) string {
	return hex.EncodeToString(hmacSHA512(secret, strings.Join(fields, "|")))
}
