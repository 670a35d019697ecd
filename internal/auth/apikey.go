package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	APIKeyPrefix    = "mdk_"
	apiKeyRandBytes = 20
	apiKeyShownLen  = 12
)

// NewAPIKey returns a fresh key, the prefix shown in listings and the hash
// to store. The plaintext is never stored.
func NewAPIKey() (plaintext, prefix, hash string, err error) {
	buf := make([]byte, apiKeyRandBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", "", fmt.Errorf("NewAPIKey: %w", err)
	}
	plaintext = APIKeyPrefix + hex.EncodeToString(buf)
	return plaintext, plaintext[:apiKeyShownLen], HashAPIKey(plaintext), nil
}

func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func LooksLikeAPIKey(s string) bool {
	return strings.HasPrefix(s, APIKeyPrefix) && len(s) == len(APIKeyPrefix)+apiKeyRandBytes*2
}
