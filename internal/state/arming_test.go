package state

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/polyedge/internal/database"
)

// RFC 6238 base32 test seed.
const testTOTPSeed = "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ"

func testCeremony(t *testing.T) (*ArmingCeremony, *database.Database) {
	t.Helper()
	dir := t.TempDir()
	db, err := database.New(filepath.Join(dir, "arming.db"))
	require.NoError(t, err)

	a := NewArmingCeremony(db, testTOTPSeed, []byte("local-secret"),
		filepath.Join(dir, "armed"), "polyedge", time.Now().UnixMilli())
	return a, db
}

func TestNonceSingleUse(t *testing.T) {
	a, db := testCeremony(t)

	nonce, err := a.MintNonce1()
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, db.ConsumeNonce(nonce, 1, now))
	assert.ErrorIs(t, db.ConsumeNonce(nonce, 1, now), database.ErrAlreadyFinal)
}

func TestNonceExpiry(t *testing.T) {
	a, db := testCeremony(t)

	nonce, err := a.MintNonce1()
	require.NoError(t, err)

	late := time.Now().UTC().Add(3 * time.Minute) // past the 120s TTL
	assert.ErrorIs(t, db.ConsumeNonce(nonce, 1, late), database.ErrAlreadyFinal)
}

func TestNonceStepIsolation(t *testing.T) {
	a, db := testCeremony(t)

	nonce, err := a.MintNonce1()
	require.NoError(t, err)

	// a step-1 nonce cannot be consumed as step-2
	assert.ErrorIs(t, db.ConsumeNonce(nonce, 2, time.Now().UTC()), database.ErrAlreadyFinal)
}

func TestInvalidateAllNonces(t *testing.T) {
	a, db := testCeremony(t)

	nonce, err := a.MintNonce1()
	require.NoError(t, err)
	require.NoError(t, db.InvalidateAllNonces())

	assert.ErrorIs(t, db.ConsumeNonce(nonce, 1, time.Now().UTC()), database.ErrAlreadyFinal)
}

func TestTOTPReplayBlocked(t *testing.T) {
	a, _ := testCeremony(t)

	now := time.Now().UTC()
	code, err := totp.GenerateCode(testTOTPSeed, now)
	require.NoError(t, err)

	require.NoError(t, a.ValidateTOTP(code, now))
	assert.ErrorIs(t, a.ValidateTOTP(code, now.Add(10*time.Second)), ErrTOTPInvalid,
		"same code inside the replay guard must be rejected")
}

func TestTOTPGarbageRejected(t *testing.T) {
	a, _ := testCeremony(t)
	assert.ErrorIs(t, a.ValidateTOTP("000000", time.Now().UTC()), ErrTOTPInvalid)
}

func TestArmingFileSignature(t *testing.T) {
	a, _ := testCeremony(t)

	sig1 := a.FileSignature("nonce2", 1700000000, 12345)
	sig2 := a.FileSignature("nonce2", 1700000000, 12345)
	assert.Equal(t, sig1, sig2)

	assert.NotEqual(t, sig1, a.FileSignature("other", 1700000000, 12345))
	assert.NotEqual(t, sig1, a.FileSignature("nonce2", 1700000001, 12345))
	assert.NotEqual(t, sig1, a.FileSignature("nonce2", 1700000000, 12346))
}
