package auth

import (
	"testing"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTOTPManager(t *testing.T) *TOTPManager {
	t.Helper()
	tm, err := NewTOTPManager([]byte("0123456789abcdef0123456789abcdef"), "Gatehouse")
	require.NoError(t, err)
	return tm
}

func TestNewTOTPManagerRejectsShortKey(t *testing.T) {
	_, err := NewTOTPManager([]byte("too short"), "Gatehouse")
	assert.Error(t, err)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	tm := testTOTPManager(t)

	encrypted, nonce, err := tm.EncryptSecret([]byte("JBSWY3DPEHPK3PXP"))
	require.NoError(t, err)
	assert.NotEqual(t, []byte("JBSWY3DPEHPK3PXP"), encrypted)

	plain, err := tm.DecryptSecret(encrypted, nonce)
	require.NoError(t, err)
	assert.Equal(t, "JBSWY3DPEHPK3PXP", string(plain))
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	tm := testTOTPManager(t)

	encrypted, nonce, err := tm.EncryptSecret([]byte("JBSWY3DPEHPK3PXP"))
	require.NoError(t, err)

	encrypted[0] ^= 0xff
	_, err = tm.DecryptSecret(encrypted, nonce)
	assert.Error(t, err)
}

func TestValidateTOTPAcceptsCurrentCode(t *testing.T) {
	tm := testTOTPManager(t)

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      "Gatehouse",
		AccountName: "alice",
		SecretSize:  32,
		Algorithm:   otp.AlgorithmSHA1,
	})
	require.NoError(t, err)

	code, err := totp.GenerateCode(key.Secret(), time.Now())
	require.NoError(t, err)

	valid, err := tm.ValidateTOTP(key.Secret(), code, nil)
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestValidateTOTPRejectsReplay(t *testing.T) {
	tm := testTOTPManager(t)

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      "Gatehouse",
		AccountName: "alice",
		SecretSize:  32,
		Algorithm:   otp.AlgorithmSHA1,
	})
	require.NoError(t, err)

	code, err := totp.GenerateCode(key.Secret(), time.Now())
	require.NoError(t, err)

	justUsed := time.Now().Add(-5 * time.Second)
	valid, err := tm.ValidateTOTP(key.Secret(), code, &justUsed)
	assert.Error(t, err)
	assert.False(t, valid)
}

func TestGenerateBackupCodes(t *testing.T) {
	tm := testTOTPManager(t)

	codes, err := tm.GenerateBackupCodes(10)
	require.NoError(t, err)
	assert.Len(t, codes, 10)

	seen := make(map[string]bool)
	for _, code := range codes {
		assert.Len(t, code, 8)
		assert.NotContains(t, code, "0")
		assert.NotContains(t, code, "O")
		assert.NotContains(t, code, "1")
		seen[code] = true
	}
	assert.Len(t, seen, 10, "codes should be unique")
}
