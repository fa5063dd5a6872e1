package common

import (
	"crypto/rand"
	"math/big"

	"github.com/google/uuid"
)

// NewSessionID generates a unique session ID with the "ses_" prefix
// Format: ses_<uuid>
func NewSessionID() string {
	return "ses_" + uuid.New().String()
}

// NewJobID generates a unique job ID with the "job_" prefix
// Format: job_<uuid>
func NewJobID() string {
	return "job_" + uuid.New().String()
}

// NewCleanupLogID generates a unique cleanup log ID with the "cln_" prefix
func NewCleanupLogID() string {
	return "cln_" + uuid.New().String()
}

const tokenAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// UniqueToken returns a random lowercase alphanumeric string of length n,
// used to keep blob names collision-free within a session prefix.
func UniqueToken(n int) string {
	b := make([]byte, n)
	max := big.NewInt(int64(len(tokenAlphabet)))
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand failing means the platform entropy source is
			// broken; fall back to a uuid-derived character.
			b[i] = uuid.New().String()[0]
			continue
		}
		b[i] = tokenAlphabet[idx.Int64()]
	}
	return string(b)
}
