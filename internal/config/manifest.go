package config

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/shopspring/decimal"
)

// Manifest is the signed configuration manifest. It pins the hashes of all
// config artifacts plus the venue and AI parameters that must not drift
// between what the operator reviewed and what the process runs with.
type Manifest struct {
	ArtifactHashes map[string]string `json:"artifact_hashes"` // path -> sha256 hex

	OperatorChatIDs []int64 `json:"operator_chat_ids"`
	OperatorUserIDs []int64 `json:"operator_user_ids"`

	// Venue parameters
	ClientOrderIDMaxLen int             `json:"client_order_id_max_len"`
	TickSize            decimal.Decimal `json:"tick_size"`

	// Taker-like marketable limits require realized 5-minute mid sigma at or
	// below this ceiling.
	TakerVolSigmaMax decimal.Decimal `json:"taker_vol_sigma_max"`

	// AI model pricing: model key -> USD per call worst case
	ModelWorstCaseUSD map[string]decimal.Decimal `json:"model_worst_case_usd"`

	Signature string `json:"sig"`
}

// LoadManifest reads, signature-verifies, and artifact-verifies the manifest.
// Any failure is terminal for startup (the caller transitions to HALTED).
func LoadManifest(path string, secret []byte) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	expected := m.computeSignature(secret)
	if !hmac.Equal([]byte(expected), []byte(m.Signature)) {
		return nil, fmt.Errorf("manifest signature mismatch")
	}

	for artifact, wantHex := range m.ArtifactHashes {
		raw, err := os.ReadFile(artifact)
		if err != nil {
			return nil, fmt.Errorf("read artifact %s: %w", artifact, err)
		}
		sum := sha256.Sum256(raw)
		if hex.EncodeToString(sum[:]) != wantHex {
			return nil, fmt.Errorf("artifact %s hash mismatch", artifact)
		}
	}

	if m.ClientOrderIDMaxLen <= 0 || m.ClientOrderIDMaxLen > 64 {
		return nil, fmt.Errorf("manifest client_order_id_max_len out of range: %d", m.ClientOrderIDMaxLen)
	}
	if m.TickSize.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("manifest tick_size must be positive")
	}

	return &m, nil
}

// computeSignature builds the canonical signing string. Field order is fixed;
// artifact hashes are folded in sorted-path order so the signature is stable
// across JSON serializations.
func (m *Manifest) computeSignature(secret []byte) string {
	paths := make([]string, 0, len(m.ArtifactHashes))
	for p := range m.ArtifactHashes {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	h := hmac.New(sha256.New, secret)
	for _, p := range paths {
		fmt.Fprintf(h, "artifact|%s|%s\n", p, m.ArtifactHashes[p])
	}
	for _, id := range m.OperatorChatIDs {
		fmt.Fprintf(h, "chat|%d\n", id)
	}
	for _, id := range m.OperatorUserIDs {
		fmt.Fprintf(h, "user|%d\n", id)
	}
	fmt.Fprintf(h, "coid_max|%d\n", m.ClientOrderIDMaxLen)
	fmt.Fprintf(h, "tick|%s\n", m.TickSize.String())
	fmt.Fprintf(h, "taker_vol|%s\n", m.TakerVolSigmaMax.String())

	models := make([]string, 0, len(m.ModelWorstCaseUSD))
	for k := range m.ModelWorstCaseUSD {
		models = append(models, k)
	}
	sort.Strings(models)
	for _, k := range models {
		fmt.Fprintf(h, "model|%s|%s\n", k, m.ModelWorstCaseUSD[k].String())
	}

	return hex.EncodeToString(h.Sum(nil))
}

// Sign computes and stores the manifest signature. Used by the operator
// tooling that produces the manifest file.
func (m *Manifest) Sign(secret []byte) {
	m.Signature = m.computeSignature(secret)
}

// WorstCaseUSD returns the pinned worst-case cost for a model key.
func (m *Manifest) WorstCaseUSD(model string) (decimal.Decimal, bool) {
	v, ok := m.ModelWorstCaseUSD[model]
	return v, ok
}
