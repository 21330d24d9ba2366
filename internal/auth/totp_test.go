package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "JBSWY3DPEHPK3PXP"

func TestGenerateAndValidate(t *testing.T) {
	code, err := GenerateTOTP(testSecret)
	require.NoError(t, err)
	assert.Len(t, code, 6)

	ok, err := ValidateTOTP(code, "jbsw y3dp ehpk 3pxp")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = GenerateTOTP("")
	assert.Error(t, err)
	_, err = ValidateTOTP("", testSecret)
	assert.Error(t, err)
}

func TestVerifier(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	v := NewVerifier("owner-1", testSecret)
	v.now = func() time.Time { return at }

	code, err := generateAt(testSecret, at)
	require.NoError(t, err)

	assert.NoError(t, v.Verify("owner-1", code))
	assert.NoError(t, v.Verify("owner-1", " "+code+" "))
	assert.ErrorIs(t, v.Verify("someone-else", code), ErrNotOwner)
	assert.ErrorIs(t, v.Verify("owner-1", ""), ErrInvalidCode)

	stale, err := generateAt(testSecret, at.Add(-5*time.Minute))
	require.NoError(t, err)
	if stale != code {
		assert.ErrorIs(t, v.Verify("owner-1", stale), ErrInvalidCode)
	}
}

func TestVerifier_Disabled(t *testing.T) {
	assert.False(t, NewVerifier("", testSecret).Enabled())
	assert.False(t, NewVerifier("owner", "").Enabled())
	assert.ErrorIs(t, NewVerifier("owner", "").Verify("owner", "123456"), ErrAdminDisabled)
}
