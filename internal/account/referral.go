package account

import "math/rand"

const (
	referralAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	referralLength   = 8
)

// NewReferralCode returns a random code. Uniqueness is enforced by the store; callers
// retry on conflict.
func NewReferralCode() string {
	b := make([]byte, referralLength)
	for i := range b {
		b[i] = referralAlphabet[rand.Intn(len(referralAlphabet))]
	}
	return string(b)
}
