// Package bot is the Telegram control channel: operator commands for the
// trading-state lifecycle and deduplicated alert delivery. Only allowlisted
// chat and user ids are honored.
package bot

import (
	"fmt"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/polyedge/internal/budget"
	"github.com/web3guy0/polyedge/internal/config"
	"github.com/web3guy0/polyedge/internal/core"
	"github.com/web3guy0/polyedge/internal/database"
	"github.com/web3guy0/polyedge/internal/reconcile"
	"github.com/web3guy0/polyedge/internal/risk"
	"github.com/web3guy0/polyedge/internal/state"
)

// alertDedupWindow suppresses repeats of the same alert key.
const alertDedupWindow = 5 * time.Minute

// Bot handles operator commands and alerts.
type Bot struct {
	api     *tgbotapi.BotAPI
	cfg     *config.Config
	db      *database.Database
	machine *state.Machine
	arming  *state.ArmingCeremony
	coord   *core.Coordinator
	recon   *reconcile.Engine
	budget  *budget.Manager
	riskMgr *risk.Manager

	stopCh chan struct{}

	mu        sync.Mutex
	lastAlert map[string]time.Time
}

func New(cfg *config.Config, db *database.Database, machine *state.Machine,
	arming *state.ArmingCeremony, coord *core.Coordinator, recon *reconcile.Engine,
	budgetMgr *budget.Manager, riskMgr *risk.Manager) (*Bot, error) {

	api, err := tgbotapi.NewBotAPI(cfg.TelegramToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	log.Info().Str("username", api.Self.UserName).Msg("🤖 Telegram bot connected")

	return &Bot{
		api:       api,
		cfg:       cfg,
		db:        db,
		machine:   machine,
		arming:    arming,
		coord:     coord,
		recon:     recon,
		budget:    budgetMgr,
		riskMgr:   riskMgr,
		stopCh:    make(chan struct{}),
		lastAlert: make(map[string]time.Time),
	}, nil
}

// Start begins the command listener.
func (b *Bot) Start() {
	go b.listenForCommands()
}

// Stop stops the bot.
func (b *Bot) Stop() {
	close(b.stopCh)
}

// Alert sends a deduplicated operator alert; kind is the dedup key.
func (b *Bot) Alert(kind, message string) {
	b.mu.Lock()
	last, seen := b.lastAlert[kind]
	now := time.Now()
	if seen && now.Sub(last) < alertDedupWindow {
		b.mu.Unlock()
		return
	}
	b.lastAlert[kind] = now
	b.mu.Unlock()

	if b.cfg.TelegramChatID != 0 {
		b.sendText(b.cfg.TelegramChatID, fmt.Sprintf("🚨 [%s] %s", kind, message))
	}
}

func (b *Bot) listenForCommands() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case update := <-updates:
			if update.Message != nil {
				go b.handleMessage(update.Message)
			}
		case <-b.stopCh:
			return
		}
	}
}

func (b *Bot) allowed(msg *tgbotapi.Message) bool {
	chatOK := len(b.cfg.AllowedChatIDs) == 0 && msg.Chat.ID == b.cfg.TelegramChatID
	for _, id := range b.cfg.AllowedChatIDs {
		if msg.Chat.ID == id {
			chatOK = true
		}
	}
	if !chatOK {
		return false
	}
	if len(b.cfg.AllowedUserIDs) == 0 {
		return true
	}
	if msg.From == nil {
		return false
	}
	for _, id := range b.cfg.AllowedUserIDs {
		if msg.From.ID == id {
			return true
		}
	}
	return false
}

func (b *Bot) handleMessage(msg *tgbotapi.Message) {
	if !msg.IsCommand() {
		return
	}
	if !b.allowed(msg) {
		log.Warn().Int64("chat_id", msg.Chat.ID).Str("command", msg.Command()).
			Msg("Command from non-allowlisted source ignored")
		return
	}

	chatID := msg.Chat.ID
	args := strings.Fields(msg.CommandArguments())

	switch msg.Command() {
	case "status":
		b.cmdStatus(chatID)
	case "halt":
		b.cmdHalt(chatID)
	case "unhalt":
		b.cmdUnhalt(chatID, args)
	case "resume_paper":
		b.cmdResumePaper(chatID, args)
	case "arm_live":
		b.cmdArmLive(chatID)
	case "confirm_live_step1":
		b.cmdConfirmStep1(chatID, args)
	case "confirm_live_step2":
		b.cmdConfirmStep2(chatID, args)
	default:
		b.sendText(chatID, "❓ Unknown command. Available: /status /halt /unhalt /resume_paper /arm_live /confirm_live_step1 /confirm_live_step2")
	}
}

func (b *Bot) cmdStatus(chatID int64) {
	st, err := b.machine.State()
	if err != nil {
		b.sendText(chatID, fmt.Sprintf("⚠️ state read failed: %v", err))
		return
	}

	wallet, walletAt := b.coord.Wallet()
	green, _ := b.recon.Green(time.Now())
	pending, _ := b.db.CountPendingUnknown()
	day, _ := b.budget.DayTotals()
	if day == nil {
		day = &database.AIBudgetDay{}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "📊 *PolyEdge Status*\n")
	fmt.Fprintf(&sb, "State: `%s`\n", st)
	if blockers := b.machine.Blockers(); len(blockers) > 0 {
		strs := make([]string, len(blockers))
		for i, bl := range blockers {
			strs[i] = string(bl)
		}
		fmt.Fprintf(&sb, "Blockers: `%s`\n", strings.Join(strs, ", "))
	}
	fmt.Fprintf(&sb, "Barrier: %v (gen %d)\n", b.coord.BarrierActive(), b.coord.BarrierGeneration())
	fmt.Fprintf(&sb, "Reconcile green: %v\n", green)
	fmt.Fprintf(&sb, "Pending unknown: %d\n", pending)
	fmt.Fprintf(&sb, "Wallet: $%s (as of %s)\n", wallet.StringFixed(2), walletAt.Format("15:04:05"))
	fmt.Fprintf(&sb, "Daily PnL: %d¢\n", b.riskMgr.DailyPnLCents())
	fmt.Fprintf(&sb, "AI spend: %d¢ spent, %d¢ in flight, %d analyses\n",
		day.SpentCents, day.InFlightCents, day.AnalysesCount)

	b.sendMarkdown(chatID, sb.String())
}

func (b *Bot) cmdHalt(chatID int64) {
	if err := b.machine.Halt(core.HaltOperator); err != nil {
		b.sendText(chatID, fmt.Sprintf("⚠️ halt transition failed: %v", err))
		return
	}
	b.sendText(chatID, fmt.Sprintf("🛑 HALTED (barrier generation %d). /unhalt <totp> to recover.",
		b.coord.BarrierGeneration()))
}

func (b *Bot) cmdUnhalt(chatID int64, args []string) {
	if len(args) != 1 {
		b.sendText(chatID, "Usage: /unhalt <totp>")
		return
	}
	st, err := b.machine.State()
	if err != nil || st != state.Halted {
		b.sendText(chatID, "Not in HALTED.")
		return
	}
	if err := b.arming.ValidateTOTP(args[0], time.Now().UTC()); err != nil {
		b.sendText(chatID, "❌ TOTP rejected.")
		return
	}
	if err := b.machine.Transition(state.ObserveOnly, "operator unhalt", nil); err != nil {
		b.sendText(chatID, fmt.Sprintf("⚠️ unhalt failed: %v", err))
		return
	}
	b.coord.LowerBarrier()
	b.sendText(chatID, "✅ OBSERVE_ONLY. Use /resume_paper <totp> to trade on paper.")
}

func (b *Bot) cmdResumePaper(chatID int64, args []string) {
	if len(args) != 1 {
		b.sendText(chatID, "Usage: /resume_paper <totp>")
		return
	}
	st, err := b.machine.State()
	if err != nil || st != state.ObserveOnly {
		b.sendText(chatID, "PAPER_TRADING is reachable only from OBSERVE_ONLY.")
		return
	}
	if err := b.arming.ValidateTOTP(args[0], time.Now().UTC()); err != nil {
		b.sendText(chatID, "❌ TOTP rejected.")
		return
	}
	if err := b.machine.Transition(state.PaperTrading, "operator resume_paper", nil); err != nil {
		b.sendText(chatID, fmt.Sprintf("⚠️ transition failed: %v", err))
		return
	}
	b.sendText(chatID, "📝 PAPER_TRADING.")
}

func (b *Bot) cmdArmLive(chatID int64) {
	nonce1, err := b.arming.MintNonce1()
	if err != nil {
		b.sendText(chatID, fmt.Sprintf("⚠️ could not mint nonce: %v", err))
		return
	}
	b.sendMarkdown(chatID, fmt.Sprintf(
		"🔐 Arming started. Step 1 within 120s:\n`/confirm_live_step1 %s <totp>`", nonce1))
}

func (b *Bot) cmdConfirmStep1(chatID int64, args []string) {
	if len(args) != 2 {
		b.sendText(chatID, "Usage: /confirm_live_step1 <nonce1> <totp>")
		return
	}
	nonce2, err := b.arming.ConfirmStep1(b.machine, args[0], args[1])
	if err != nil {
		b.sendText(chatID, fmt.Sprintf("❌ step 1 rejected: %v", err))
		return
	}
	b.Alert("LIVE_ARMED", "step 1 confirmed; LIVE_ARMED for 300s")
	b.sendMarkdown(chatID, fmt.Sprintf(
		"🔐 LIVE\\_ARMED. Write the arming file on the host, then:\n`/confirm_live_step2 %s <totp>`", nonce2))
}

func (b *Bot) cmdConfirmStep2(chatID int64, args []string) {
	if len(args) != 2 {
		b.sendText(chatID, "Usage: /confirm_live_step2 <nonce2> <totp>")
		return
	}
	if err := b.arming.ConfirmStep2(b.machine, args[0], args[1]); err != nil {
		b.sendText(chatID, fmt.Sprintf("❌ step 2 rejected: %v", err))
		return
	}
	b.Alert("LIVE_TRADING", "LIVE_TRADING entered via two-step arming")
	b.sendText(chatID, "🟢 LIVE_TRADING. /halt stops everything.")
}

func (b *Bot) sendText(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}

func (b *Bot) sendMarkdown(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := b.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}
