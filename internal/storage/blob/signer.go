package blob

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ternarybob/papyrus/internal/models"
)

// URLSigner issues and verifies time-limited download tokens. A token is
// base64url(path|expiryUnix) plus an HMAC-SHA256 tag over the same payload.
type URLSigner struct {
	key []byte
}

// NewURLSigner creates a signer. An empty key generates a random one, which
// invalidates outstanding URLs across restarts.
func NewURLSigner(key string) (*URLSigner, error) {
	if key == "" {
		generated := make([]byte, 32)
		if _, err := rand.Read(generated); err != nil {
			return nil, fmt.Errorf("failed to generate signing key: %w", err)
		}
		return &URLSigner{key: generated}, nil
	}
	return &URLSigner{key: []byte(key)}, nil
}

// Sign returns a token granting access to path until now+ttl.
func (s *URLSigner) Sign(path string, ttl time.Duration) (string, error) {
	if path == "" {
		return "", fmt.Errorf("cannot sign empty path")
	}
	expiry := time.Now().Add(ttl).Unix()
	payload := fmt.Sprintf("%s|%d", path, expiry)
	encoded := base64.RawURLEncoding.EncodeToString([]byte(payload))
	return encoded + "." + s.tag(payload), nil
}

// Verify checks the token signature and expiry, returning the blob path.
func (s *URLSigner) Verify(token string) (string, error) {
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return "", models.NewError(models.ErrInvalidInput, "malformed download token")
	}

	decoded, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return "", models.NewError(models.ErrInvalidInput, "malformed download token")
	}
	payload := string(decoded)

	if !hmac.Equal([]byte(s.tag(payload)), []byte(parts[1])) {
		return "", models.NewError(models.ErrInvalidInput, "download token signature mismatch")
	}

	sep := strings.LastIndex(payload, "|")
	if sep < 0 {
		return "", models.NewError(models.ErrInvalidInput, "malformed download token")
	}
	path := payload[:sep]
	expiry, err := strconv.ParseInt(payload[sep+1:], 10, 64)
	if err != nil {
		return "", models.NewError(models.ErrInvalidInput, "malformed download token")
	}
	if time.Now().Unix() > expiry {
		return "", models.NewError(models.ErrSessionExpired, "download token expired")
	}
	return path, nil
}

func (s *URLSigner) tag(payload string) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
