package tool

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

func GenerateRandomUUID() string {
	return uuid.New().String()
}

// GenerateToken returns n random bytes as lowercase hex. Used for capability
// tokens, so the error from the system RNG is never swallowed.
func GenerateToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random bytes failed: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// GenerateShortID returns an 8 character hex id for temp file names.
func GenerateShortID() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return GenerateRandomUUID()[:8] // fallback
	}
	return hex.EncodeToString(b)
}
