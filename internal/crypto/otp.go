package crypto

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// OTPLength is the fixed width of verification codes.
const OTPLength = 6

var otpMax = big.NewInt(1000000)

// NewOTP returns a cryptographically random numeric code, zero padded to
// OTPLength digits.
func NewOTP() (string, error) {
	n, err := rand.Int(rand.Reader, otpMax)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
