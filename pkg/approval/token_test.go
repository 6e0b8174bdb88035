package approval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNonEmptyToken(t *testing.T) {
	v := NonEmptyToken{}

	approver, err := v.Validate(hashA, "carol:abc")
	require.NoError(t, err)
	assert.Equal(t, "carol", approver)

	approver, err = v.Validate(hashA, "abc")
	require.NoError(t, err)
	assert.Equal(t, DefaultApprover, approver)

	approver, err = v.Validate(hashA, ":abc")
	require.NoError(t, err)
	assert.Equal(t, DefaultApprover, approver)

	_, err = v.Validate(hashA, "")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestHMACTokenValidator(t *testing.T) {
	v := HMACTokenValidator{Secret: []byte("s3cret")}
	token := SignToken(v.Secret, "dave", hashA)

	approver, err := v.Validate(hashA, token)
	require.NoError(t, err)
	assert.Equal(t, "dave", approver)

	for _, bad := range []string{"", "dave", "dave:", ":abcd", "dave:zz", "eve" + token[4:]} {
		_, err := v.Validate(hashA, bad)
		assert.ErrorIs(t, err, ErrInvalidToken, "token %q", bad)
	}

	_, err = HMACTokenValidator{}.Validate(hashA, token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestFingerprint(t *testing.T) {
	assert.Equal(t, fingerprint("a"), fingerprint("a"))
	assert.NotEqual(t, fingerprint("a"), fingerprint("b"))
	assert.Len(t, fingerprint("a"), len("sha256:")+16)
}
