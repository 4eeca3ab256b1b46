package cardvault

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sealedCard struct {
	Number string `json:"number"`
	CVV    string `json:"cvv"`
}

func TestSealOpenRoundTrip(t *testing.T) {
	v, err := New("local-development-secret")
	require.NoError(t, err)

	sealed, err := v.SealJSON(sealedCard{Number: "4111111111111111", CVV: "123"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sealed, "v1:"))
	assert.NotContains(t, sealed, "4111111111111111")

	var out sealedCard
	require.NoError(t, v.OpenJSON(sealed, &out))
	assert.Equal(t, "4111111111111111", out.Number)
	assert.Equal(t, "123", out.CVV)
}

func TestSealIsRandomized(t *testing.T) {
	v, err := New(base64.StdEncoding.EncodeToString(make([]byte, 32)))
	require.NoError(t, err)

	a, err := v.Seal([]byte("same"))
	require.NoError(t, err)
	b, err := v.Seal([]byte("same"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestOpenRejectsForeignKeyAndGarbage(t *testing.T) {
	a, _ := New("key-a")
	b, _ := New("key-b")

	sealed, err := a.Seal([]byte("secret"))
	require.NoError(t, err)

	_, err = b.Open(sealed)
	assert.ErrorIs(t, err, ErrInvalidSealed)

	_, err = a.Open("plain-text")
	assert.ErrorIs(t, err, ErrInvalidSealed)

	_, err = a.Open("v1:AAAA")
	assert.ErrorIs(t, err, ErrInvalidSealed)
}

func TestNewRequiresKey(t *testing.T) {
	_, err := New("  ")
	assert.ErrorIs(t, err, ErrKeyMissing)

	var nilVault *Vault
	_, err = nilVault.Seal([]byte("x"))
	assert.ErrorIs(t, err, ErrKeyMissing)
}

func TestPANHelpers(t *testing.T) {
	pan := "4111 1111 1111 1111"
	assert.Equal(t, "4111111111111111", Digits(pan))
	assert.Equal(t, "411111", BIN(pan))
	assert.Equal(t, "1111", Last4(pan))
	assert.Equal(t, "411111XXXXXX1111", Mask(pan))
	assert.Equal(t, "XXX", Mask("123"))
	assert.Equal(t, "", BIN("123"))
}

func TestBrand(t *testing.T) {
	cases := map[string]string{
		"4111111111111111": "Visa",
		"5555555555554444": "Mastercard",
		"2223003122003222": "Mastercard",
		"378282246310005":  "Amex",
		"30569309025904":   "Diners",
		"6011111111111117": "Discover",
		"3530111333300000": "JCB",
		"9999999999999999": "Unknown",
		"":                 "Unknown",
	}
	for pan, want := range cases {
		assert.Equal(t, want, Brand(pan), pan)
	}
}
