package qrcode

import (
	"encoding/base64"

	qrcode "github.com/skip2/go-qrcode"
)

const size = 256

// PaymentURLDataURI renders the gateway URL as a PNG QR code, ready for an <img src>.
func PaymentURLDataURI(paymentURL string) (string, error) {
	png, err := qrcode.Encode(paymentURL, qrcode.Medium, size)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
