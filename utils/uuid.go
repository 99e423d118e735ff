package utils

import (
	"strings"

	"github.com/google/uuid"
)

// GenerateUUID returns a random uuid in its dashed form, used for connection ids.
func GenerateUUID() string {
	return uuid.New().String()
}

// GenerateRequestID returns a 32 character id, the width the gateway API accepts for vnp_RequestId.
func GenerateRequestID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}
