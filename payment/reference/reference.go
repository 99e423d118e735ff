// Package reference carries a payment id through the gateway's free-text order
// reference fields using a reserved prefix, e.g. payment 42 <-> "SHOPSIFU42".
package reference

import (
	"errors"
	"strconv"
	"strings"
)

const Prefix = "SHOPSIFU"

var ErrIdentifierNotFound = errors.New("payment identifier not found")

func Encode(paymentID uint) string {
	return Prefix + strconv.FormatUint(uint64(paymentID), 10)
}

// Decode returns the payment id carried by the first candidate with a parsable prefixed id.
// The prefix may be surrounded by other text (bank transfer notes); the id is the token
// that follows it up to the next whitespace.
func Decode(candidates ...string) (uint, error) {
	for _, c := range candidates {
		idx := indexPrefix(c)
		if idx < 0 {
			continue
		}

		rest := c[idx+len(Prefix):]
		if end := strings.IndexFunc(rest, isSpace); end >= 0 {
			rest = rest[:end]
		}

		id, err := strconv.ParseUint(rest, 10, 0)
		if err != nil || id == 0 {
			continue
		}
		return uint(id), nil
	}
	return 0, ErrIdentifierNotFound
}

// indexPrefix is a case-insensitive strings.Index for the ASCII prefix that keeps
// byte offsets into the original string.
func indexPrefix(s string) int {
	for i := 0; i+len(Prefix) <= len(s); i++ {
		match := true
		for j := 0; j < len(Prefix); j++ {
			b := s[i+j]
			if 'a' <= b && b <= 'z' {
				b -= 'a' - 'A'
			}
			if b != Prefix[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}
