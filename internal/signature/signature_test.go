package signature

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSign_Deterministic(t *testing.T) {
	fields := ReconciliationFields("M-1", "INV-100", "1700000000", "abc123")

	a, err := Sign(fields, "s3cret")
	assert.NoError(t, err)
	b, err := Sign(fields, "s3cret")
	assert.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 128) // hex sha-512
}

func TestSign_OrderSensitive(t *testing.T) {
	a, err := Sign([]string{"M-1", "INV-100", "1700000000", "abc123"}, "s3cret")
	assert.NoError(t, err)
	b, err := Sign([]string{"INV-100", "M-1", "1700000000", "abc123"}, "s3cret")
	assert.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestSign_FieldChangesDigest(t *testing.T) {
	base, _ := Sign([]string{"M-1", "INV-100", "1700000000", "abc123"}, "s3cret")

	changed, _ := Sign([]string{"M-1", "INV-101", "1700000000", "abc123"}, "s3cret")
	assert.NotEqual(t, base, changed)

	otherSecret, _ := Sign([]string{"M-1", "INV-100", "1700000000", "abc123"}, "other")
	assert.NotEqual(t, base, otherSecret)
}

func TestSign_FailsClosed(t *testing.T) {
	_, err := Sign([]string{"M-1", "", "1700000000", "abc123"}, "s3cret")
	assert.ErrorIs(t, err, ErrMissingField)

	_, err = Sign([]string{"M-1", "INV-100"}, "")
	assert.ErrorIs(t, err, ErrMissingField)

	_, err = Sign(nil, "s3cret")
	assert.ErrorIs(t, err, ErrMissingField)
}

func TestVerify(t *testing.T) {
	fields := CallbackFields("INV-100", "abc123", "REF-1", "150.00")
	sig, err := Sign(fields, "s3cret")
	assert.NoError(t, err)

	ok, err := Verify(fields, "s3cret", sig)
	assert.NoError(t, err)
	assert.True(t, ok)

	ok, err = Verify(fields, "s3cret", "deadbeef")
	assert.NoError(t, err)
	assert.False(t, ok)

	_, err = Verify(CallbackFields("INV-100", "", "REF-1", "150.00"), "s3cret", sig)
	assert.ErrorIs(t, err, ErrMissingField)
}
