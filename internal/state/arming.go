package state

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/user"
	"strconv"
	"syscall"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/polyedge/internal/core"
	"github.com/web3guy0/polyedge/internal/database"
)

// Two-step LIVE arming. Each step consumes a single-use nonce and a TOTP
// code; the second step additionally proves filesystem access on the host
// via the local arming file.

const (
	nonce1TTL       = 120 * time.Second
	totpReplayGuard = 60 * time.Second

	armingFileMode     = os.FileMode(0o640)
	armingFileMaxAge   = 900 * time.Second
	armingFileMaxSkew  = 300 * time.Second
	processStartSlack  = 5 * time.Second
)

var (
	ErrNonceInvalid   = errors.New("nonce invalid, expired, or already used")
	ErrTOTPInvalid    = errors.New("totp invalid or replayed")
	ErrNotArmed       = errors.New("not in LIVE_ARMED or arming window expired")
	ErrArmingFile     = errors.New("arming file missing or invalid")
)

// armingFilePayload is the one-line JSON the operator writes.
type armingFilePayload struct {
	Nonce2             string `json:"nonce2"`
	TsUTC              int64  `json:"ts_utc"`
	ProcessStartUnixMs int64  `json:"process_start_unix_ms"`
	Sig                string `json:"sig"`
}

// ArmingCeremony holds the ceremony inputs: the TOTP seed, the local-state
// secret for the file signature, and the pinned file path and group.
type ArmingCeremony struct {
	db               *database.Database
	totpSecret       string
	localStateSecret []byte
	filePath         string
	fileGroup        string
	processStartMs   int64
}

func NewArmingCeremony(db *database.Database, totpSecret string, localStateSecret []byte, filePath, fileGroup string, processStartMs int64) *ArmingCeremony {
	return &ArmingCeremony{
		db:               db,
		totpSecret:       totpSecret,
		localStateSecret: localStateSecret,
		filePath:         filePath,
		fileGroup:        fileGroup,
		processStartMs:   processStartMs,
	}
}

// MintNonce1 starts the ceremony (the /arm_live command).
func (a *ArmingCeremony) MintNonce1() (string, error) {
	return a.mintNonce(1, nonce1TTL)
}

// ValidateTOTP checks the code against the seed and the replay guard, then
// records the use.
func (a *ArmingCeremony) ValidateTOTP(code string, now time.Time) error {
	if !totp.Validate(code, a.totpSecret) {
		return ErrTOTPInvalid
	}
	sum := sha256.Sum256([]byte(code))
	codeHash := hex.EncodeToString(sum[:])
	used, err := a.db.TOTPUsedSince(codeHash, now.Add(-totpReplayGuard))
	if err != nil {
		return err
	}
	if used {
		return ErrTOTPInvalid
	}
	return a.db.RecordTOTPUse(codeHash, now)
}

// ConfirmStep1 consumes nonce1 and the TOTP, arms the machine for the
// confirmation window, and mints nonce2.
func (a *ArmingCeremony) ConfirmStep1(m *Machine, nonce1, code string) (string, error) {
	now := time.Now().UTC()

	if err := a.ValidateTOTP(code, now); err != nil {
		return "", err
	}
	if err := a.db.ConsumeNonce(nonce1, 1, now); err != nil {
		if errors.Is(err, database.ErrAlreadyFinal) {
			return "", ErrNonceInvalid
		}
		return "", err
	}

	armedUntil := now.Add(armedWindow)
	if err := m.Transition(LiveArmed, "arming step 1 confirmed", func(row *database.BotStateRow) {
		row.ArmedUntil = &armedUntil
	}); err != nil {
		return "", err
	}

	nonce2, err := a.mintNonce(2, armedWindow)
	if err != nil {
		return "", err
	}

	log.Warn().Time("armed_until", armedUntil).Msg("🔐 LIVE_ARMED; awaiting step 2")
	return nonce2, nil
}

// ConfirmStep2 performs the final validations and transitions to
// LIVE_TRADING. A failure to delete the arming file afterwards is a HALT.
func (a *ArmingCeremony) ConfirmStep2(m *Machine, nonce2, code string) error {
	now := time.Now().UTC()

	row, err := m.Current()
	if err != nil {
		return err
	}
	if TradingState(row.State) != LiveArmed || row.ArmedUntil == nil || now.After(*row.ArmedUntil) {
		return ErrNotArmed
	}

	if err := a.ValidateTOTP(code, now); err != nil {
		return err
	}

	if err := a.verifyArmingFile(nonce2, now); err != nil {
		return err
	}

	if err := a.db.ConsumeNonce(nonce2, 2, now); err != nil {
		if errors.Is(err, database.ErrAlreadyFinal) {
			return ErrNonceInvalid
		}
		return err
	}

	if err := m.Transition(LiveTrading, "arming step 2 confirmed", nil); err != nil {
		return err
	}

	if err := os.Remove(a.filePath); err != nil {
		log.Error().Err(err).Str("path", a.filePath).Msg("🚨 Arming file delete failed")
		return m.Halt(core.HaltArmingFileCleanup)
	}

	log.Warn().Msg("🟢 LIVE_TRADING entered")
	return nil
}

// RemoveArmingFile deletes a leftover file (startup step 6).
func (a *ArmingCeremony) RemoveArmingFile() error {
	err := os.Remove(a.filePath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove arming file: %w", err)
	}
	return nil
}

// FileSignature computes the expected arming-file HMAC.
func (a *ArmingCeremony) FileSignature(nonce2 string, tsUTC, processStartMs int64) string {
	h := hmac.New(sha256.New, a.localStateSecret)
	fmt.Fprintf(h, "%s|%d|%d", nonce2, tsUTC, processStartMs)
	return hex.EncodeToString(h.Sum(nil))
}

func (a *ArmingCeremony) verifyArmingFile(nonce2 string, now time.Time) error {
	info, err := os.Stat(a.filePath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrArmingFile, err)
	}
	if info.Mode().Perm() != armingFileMode {
		return fmt.Errorf("%w: mode %o, want %o", ErrArmingFile, info.Mode().Perm(), armingFileMode)
	}
	if err := a.verifyOwnership(info); err != nil {
		return err
	}

	data, err := os.ReadFile(a.filePath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrArmingFile, err)
	}
	var payload armingFilePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("%w: parse: %v", ErrArmingFile, err)
	}

	if payload.Nonce2 != nonce2 {
		return fmt.Errorf("%w: nonce2 mismatch", ErrArmingFile)
	}

	want := a.FileSignature(payload.Nonce2, payload.TsUTC, payload.ProcessStartUnixMs)
	if !hmac.Equal([]byte(want), []byte(payload.Sig)) {
		return fmt.Errorf("%w: signature mismatch", ErrArmingFile)
	}

	fileTime := time.Unix(payload.TsUTC, 0).UTC()
	age := now.Sub(fileTime)
	if age > armingFileMaxAge {
		return fmt.Errorf("%w: file too old (%s)", ErrArmingFile, age)
	}
	skew := age
	if skew < 0 {
		skew = -skew
	}
	if skew > armingFileMaxSkew {
		return fmt.Errorf("%w: timestamp skew %s", ErrArmingFile, skew)
	}

	delta := payload.ProcessStartUnixMs - a.processStartMs
	if delta < 0 {
		delta = -delta
	}
	if time.Duration(delta)*time.Millisecond > processStartSlack {
		return fmt.Errorf("%w: process start mismatch", ErrArmingFile)
	}

	return nil
}

func (a *ArmingCeremony) verifyOwnership(info os.FileInfo) error {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return fmt.Errorf("%w: ownership not inspectable", ErrArmingFile)
	}
	if stat.Uid != 0 {
		return fmt.Errorf("%w: owner uid %d, want root", ErrArmingFile, stat.Uid)
	}
	grp, err := user.LookupGroup(a.fileGroup)
	if err != nil {
		return fmt.Errorf("%w: group %s unknown: %v", ErrArmingFile, a.fileGroup, err)
	}
	gid, err := strconv.ParseUint(grp.Gid, 10, 32)
	if err != nil {
		return fmt.Errorf("%w: bad gid %s", ErrArmingFile, grp.Gid)
	}
	if uint64(stat.Gid) != gid {
		return fmt.Errorf("%w: group gid %d, want %d", ErrArmingFile, stat.Gid, gid)
	}
	return nil
}

func (a *ArmingCeremony) mintNonce(step int, ttl time.Duration) (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("mint nonce: %w", err)
	}
	nonce := hex.EncodeToString(buf)
	now := time.Now().UTC()
	if err := a.db.CreateNonce(&database.ArmingNonce{
		Nonce:     nonce,
		Step:      step,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}); err != nil {
		return "", err
	}
	return nonce, nil
}
