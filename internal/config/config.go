package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds all runtime settings. Values come from the environment
// (optionally seeded from a .env file); secrets live in secret files whose
// permissions are verified during startup.
type Config struct {
	Debug bool

	// Telegram control channel
	TelegramToken  string
	TelegramChatID int64
	AllowedChatIDs []int64
	AllowedUserIDs []int64

	// Venue endpoints
	VenueRESTURL  string
	VenueWSURL    string
	VenueGammaURL string

	// Database
	DatabaseDSN string

	// Durability
	WALPath string

	// Arming ceremony
	ArmingFilePath  string
	ArmingFileGroup string

	// Secret files (permission-checked at startup)
	StateSecretFile      string
	LocalStateSecretFile string
	TOTPSecretFile       string
	ManifestPath         string
	ManifestSecretFile   string

	// Wallet
	WalletPrivateKey string
	FunderAddress    string

	Risk      RiskConfig
	Budget    BudgetConfig
	Execution ExecConfig
}

// RiskConfig defines risk management parameters.
type RiskConfig struct {
	MaxPerMarketPct     decimal.Decimal // fraction of wallet per market
	MaxTotalExposurePct decimal.Decimal // fraction of wallet across all markets
	MaxOpenPositions    int
	DailyStopPct        decimal.Decimal // daily loss fraction triggering HALTED_DAILY
	TWAPWindow          time.Duration
	WalletStaleAfter    time.Duration
}

// BudgetConfig defines AI spend caps.
type BudgetConfig struct {
	DailyCapUSD       decimal.Decimal
	DailyCapWalletPct decimal.Decimal
	WindowSeconds     int
	WindowPctOfDaily  decimal.Decimal
	MaxAnalysesPerDay int
	ReservationTTL    time.Duration
	ReaperInterval    time.Duration
}

// ExecConfig defines execution engine parameters.
type ExecConfig struct {
	CandidateMaxAge      time.Duration
	DecisionToExecMax    time.Duration
	PendingUnknownPoll   time.Duration
	PendingUnknownMax    time.Duration
	ResidualMaxAge       time.Duration
	MarketBarAfterAbsent time.Duration
	SubmitTimeout        time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		Debug:         getEnvBool("DEBUG", false),
		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		VenueRESTURL:  getEnv("VENUE_CLOB_URL", "https://clob.polymarket.com"),
		VenueWSURL:    getEnv("VENUE_WS_URL", "wss://ws-subscriptions-clob.polymarket.com/ws/market"),
		VenueGammaURL: getEnv("VENUE_GAMMA_URL", "https://gamma-api.polymarket.com"),

		DatabaseDSN: getEnv("DATABASE_DSN", "data/polyedge.db"),
		WALPath:     getEnv("WAL_PATH", "data/polyedge.wal"),

		ArmingFilePath:  getEnv("ARMING_FILE_PATH", "/var/run/polyedge/armed"),
		ArmingFileGroup: getEnv("ARMING_FILE_GROUP", "polyedge"),

		StateSecretFile:      getEnv("STATE_SECRET_FILE", "/etc/polyedge/state_secret"),
		LocalStateSecretFile: getEnv("LOCAL_STATE_SECRET_FILE", "/etc/polyedge/local_state_secret"),
		TOTPSecretFile:       getEnv("TOTP_SECRET_FILE", "/etc/polyedge/totp_secret"),
		ManifestPath:         getEnv("MANIFEST_PATH", "/etc/polyedge/manifest.json"),
		ManifestSecretFile:   getEnv("MANIFEST_SECRET_FILE", "/etc/polyedge/manifest_secret"),

		WalletPrivateKey: os.Getenv("WALLET_PRIVATE_KEY"),
		FunderAddress:    os.Getenv("FUNDER_ADDRESS"),

		Risk: RiskConfig{
			MaxPerMarketPct:     getEnvDecimal("RISK_MAX_PER_MARKET_PCT", decimal.NewFromFloat(0.02)),
			MaxTotalExposurePct: getEnvDecimal("RISK_MAX_TOTAL_EXPOSURE_PCT", decimal.NewFromFloat(0.10)),
			MaxOpenPositions:    getEnvInt("RISK_MAX_OPEN_POSITIONS", 5),
			DailyStopPct:        getEnvDecimal("RISK_DAILY_STOP_PCT", decimal.NewFromFloat(0.03)),
			TWAPWindow:          getEnvDuration("RISK_TWAP_WINDOW", 300*time.Second),
			WalletStaleAfter:    getEnvDuration("RISK_WALLET_STALE_AFTER", time.Hour),
		},

		Budget: BudgetConfig{
			DailyCapUSD:       getEnvDecimal("AI_DAILY_CAP_USD", decimal.NewFromFloat(2.00)),
			DailyCapWalletPct: getEnvDecimal("AI_DAILY_CAP_WALLET_PCT", decimal.NewFromFloat(0.005)),
			WindowSeconds:     getEnvInt("AI_WINDOW_SECONDS", 600),
			WindowPctOfDaily:  getEnvDecimal("AI_WINDOW_PCT_OF_DAILY", decimal.NewFromFloat(0.20)),
			MaxAnalysesPerDay: getEnvInt("AI_MAX_ANALYSES_PER_DAY", 100),
			ReservationTTL:    getEnvDuration("AI_RESERVATION_TTL", 120*time.Second),
			ReaperInterval:    getEnvDuration("AI_REAPER_INTERVAL", 30*time.Second),
		},

		Execution: ExecConfig{
			CandidateMaxAge:      getEnvDuration("EXEC_CANDIDATE_MAX_AGE", 120*time.Second),
			DecisionToExecMax:    getEnvDuration("EXEC_DECISION_TO_EXEC_MAX", 8*time.Second),
			PendingUnknownPoll:   getEnvDuration("EXEC_PENDING_UNKNOWN_POLL", 5*time.Second),
			PendingUnknownMax:    getEnvDuration("EXEC_PENDING_UNKNOWN_MAX", 60*time.Second),
			ResidualMaxAge:       getEnvDuration("EXEC_RESIDUAL_MAX_AGE", 30*time.Second),
			MarketBarAfterAbsent: getEnvDuration("EXEC_MARKET_BAR_AFTER_ABSENT", 300*time.Second),
			SubmitTimeout:        getEnvDuration("EXEC_SUBMIT_TIMEOUT", 10*time.Second),
		},
	}

	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	var err error
	if cfg.AllowedChatIDs, err = parseIDList(os.Getenv("TELEGRAM_ALLOWED_CHAT_IDS")); err != nil {
		return nil, fmt.Errorf("invalid TELEGRAM_ALLOWED_CHAT_IDS: %w", err)
	}
	if cfg.AllowedUserIDs, err = parseIDList(os.Getenv("TELEGRAM_ALLOWED_USER_IDS")); err != nil {
		return nil, fmt.Errorf("invalid TELEGRAM_ALLOWED_USER_IDS: %w", err)
	}

	if cfg.TelegramToken == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}

	return cfg, nil
}

// ReadSecretFile reads a secret and enforces that the file is not
// world-readable. A permissive mode is a startup failure, not a warning.
func ReadSecretFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat secret %s: %w", path, err)
	}
	if info.Mode().Perm()&0o004 != 0 {
		return nil, fmt.Errorf("secret %s is world-readable (mode %o)", path, info.Mode().Perm())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read secret %s: %w", path, err)
	}
	return []byte(strings.TrimSpace(string(data))), nil
}

func parseIDList(s string) ([]int64, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}
