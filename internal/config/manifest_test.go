package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeManifest(t *testing.T, m *Manifest, secret []byte) string {
	t.Helper()
	m.Sign(secret)
	data, err := json.Marshal(m)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "manifest.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func baseManifest() *Manifest {
	return &Manifest{
		ArtifactHashes:      map[string]string{},
		OperatorChatIDs:     []int64{12345},
		ClientOrderIDMaxLen: 32,
		TickSize:            decimal.NewFromFloat(0.01),
		TakerVolSigmaMax:    decimal.NewFromFloat(0.015),
		ModelWorstCaseUSD: map[string]decimal.Decimal{
			"model-a": decimal.NewFromFloat(0.20),
		},
	}
}

func TestManifestRoundTrip(t *testing.T) {
	secret := []byte("manifest-secret")
	path := writeManifest(t, baseManifest(), secret)

	m, err := LoadManifest(path, secret)
	require.NoError(t, err)
	assert.Equal(t, 32, m.ClientOrderIDMaxLen)

	worst, ok := m.WorstCaseUSD("model-a")
	require.True(t, ok)
	assert.Equal(t, "0.2", worst.String())
}

func TestManifestRejectsWrongSecret(t *testing.T) {
	path := writeManifest(t, baseManifest(), []byte("right"))
	_, err := LoadManifest(path, []byte("wrong"))
	assert.Error(t, err)
}

func TestManifestRejectsTamperedField(t *testing.T) {
	secret := []byte("manifest-secret")
	m := baseManifest()
	path := writeManifest(t, m, secret)

	// tamper after signing
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	raw["client_order_id_max_len"] = 64
	tampered, err := json.Marshal(raw)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, tampered, 0o600))

	_, err = LoadManifest(path, secret)
	assert.Error(t, err)
}

func TestManifestVerifiesArtifactHashes(t *testing.T) {
	secret := []byte("manifest-secret")
	dir := t.TempDir()

	artifact := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(artifact, []byte(`{"a":1}`), 0o600))
	sum := sha256.Sum256([]byte(`{"a":1}`))

	m := baseManifest()
	m.ArtifactHashes = map[string]string{artifact: hex.EncodeToString(sum[:])}
	path := writeManifest(t, m, secret)

	_, err := LoadManifest(path, secret)
	require.NoError(t, err)

	// mutate the artifact out from under the manifest
	require.NoError(t, os.WriteFile(artifact, []byte(`{"a":2}`), 0o600))
	_, err = LoadManifest(path, secret)
	assert.Error(t, err)
}

func TestSecretFilePermissions(t *testing.T) {
	dir := t.TempDir()

	good := filepath.Join(dir, "good")
	require.NoError(t, os.WriteFile(good, []byte("s3cret\n"), 0o600))
	data, err := ReadSecretFile(good)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", string(data), "secret is trimmed")

	leaky := filepath.Join(dir, "leaky")
	require.NoError(t, os.WriteFile(leaky, []byte("s3cret"), 0o644))
	_, err = ReadSecretFile(leaky)
	assert.Error(t, err, "world-readable secrets are refused")
}
