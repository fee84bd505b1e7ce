package signature

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrMissingField is returned when a field (or the secret) is empty; the
// engine never signs a partial concatenation.
var ErrMissingField = errors.New("signature: missing field")

// Sign returns the hex SHA-512 digest of the ordered field concatenation
// followed by the shared secret. Field order is significant and must match
// exactly between the signing and verifying sides.
func Sign(fields []string, secret string) (string, error) {
	if len(fields) == 0 {
		return "", fmt.Errorf("%w: no fields", ErrMissingField)
	}
	if secret == "" {
		return "", fmt.Errorf("%w: secret", ErrMissingField)
	}
	for i, f := range fields {
		if f == "" {
			return "", fmt.Errorf("%w: position %d", ErrMissingField, i)
		}
	}
	sum := sha512.Sum512([]byte(strings.Join(fields, "") + secret))
	return hex.EncodeToString(sum[:]), nil
}

// Verify recomputes the digest and compares it against the presented one in
// constant time.
func Verify(fields []string, secret, presented string) (bool, error) {
	want, err := Sign(fields, secret)
	if err != nil {
		return false, err
	}
	return hmac.Equal([]byte(want), []byte(presented)), nil
}

// ReconciliationFields assembles the field order used when signing an
// outbound gateway status query.
func ReconciliationFields(merchantID, invoiceNumber, timestamp, nonce string) []string {
	return []string{merchantID, invoiceNumber, timestamp, nonce}
}

// CallbackFields assembles the field order used to verify an inbound
// callback body.
func CallbackFields(invoiceNumber, nonce, refno, amount string) []string {
	return []string{invoiceNumber, nonce, refno, amount}
}
