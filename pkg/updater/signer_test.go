package updater

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSigner(t *testing.T) (*Signer, string) {
	t.Helper()
	key, err := GenerateKey()
	require.NoError(t, err)
	signer, err := NewSigner(key, "")
	require.NoError(t, err)
	return signer, key
}

func TestSigner_SignAndVerify(t *testing.T) {
	signer, _ := newTestSigner(t)
	payload := []byte("release 1.2.3")

	sig, err := signer.Sign(payload)
	require.NoError(t, err)
	assert.NoError(t, signer.Verify(payload, sig))
	assert.NoError(t, signer.Verify(payload, sig+"\n"), "trailing whitespace is ignored")

	assert.Error(t, signer.Verify([]byte("release 1.2.4"), sig))
	assert.Error(t, signer.Verify(payload, "not base64!"))
	assert.Error(t, signer.Verify(payload, "c2hvcnQ="))
}

func TestSigner_KeyMaterial(t *testing.T) {
	signer, key := newTestSigner(t)

	assert.True(t, strings.HasPrefix(key, "AGE-SECRET-KEY-1"))
	assert.True(t, strings.HasPrefix(signer.Recipient(), "age1"))
	assert.NotEmpty(t, signer.PublicKeyBase64())

	// Same key derives the same pair
	again, err := NewSigner(key, signer.PublicKeyBase64())
	require.NoError(t, err)
	assert.Equal(t, signer.PublicKeyBase64(), again.PublicKeyBase64())

	other, _ := newTestSigner(t)
	_, err = NewSigner(key, other.PublicKeyBase64())
	assert.ErrorContains(t, err, "does not match")
}

func TestSigner_PublicKeyOnly(t *testing.T) {
	signer, _ := newTestSigner(t)
	sig, err := signer.Sign([]byte("payload"))
	require.NoError(t, err)

	verifyOnly, err := NewSigner("", signer.PublicKeyBase64())
	require.NoError(t, err)
	assert.False(t, verifyOnly.CanSign())
	assert.Empty(t, verifyOnly.Recipient())
	assert.NoError(t, verifyOnly.Verify([]byte("payload"), sig))

	_, err = verifyOnly.Sign([]byte("payload"))
	assert.Error(t, err)
}

func TestSigner_InvalidKeys(t *testing.T) {
	tests := []struct {
		name   string
		secret string
		public string
	}{
		{name: "nothing", secret: "", public: ""},
		{name: "not bech32", secret: "definitely-not-a-key"},
		{name: "wrong prefix", secret: "age1ql3z7hjy54pw3hyww5ayyfg7zqgvc7w3j2elw8zmrj2kg5sfn9aqmcac8p"},
		{name: "public not base64", public: "%%%"},
		{name: "public wrong size", public: "c2hvcnQ="},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSigner(tt.secret, tt.public)
			assert.Error(t, err)
		})
	}
}

func TestNewSignerFromEnv(t *testing.T) {
	_, key := newTestSigner(t)

	t.Setenv(EnvSigningKey, "")
	t.Setenv(EnvPublicKey, "")
	t.Setenv(envAgeSecretKey, "")
	t.Setenv(envAgePublicKey, "")
	_, err := NewSignerFromEnv()
	require.Error(t, err)

	t.Setenv(envAgeSecretKey, key)
	fromAge, err := NewSignerFromEnv()
	require.NoError(t, err)
	assert.True(t, fromAge.CanSign())

	t.Setenv(EnvSigningKey, key)
	fromAurora, err := NewSignerFromEnv()
	require.NoError(t, err)
	assert.Equal(t, fromAge.PublicKeyBase64(), fromAurora.PublicKeyBase64())
}
