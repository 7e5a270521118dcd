package execution

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polyedge/internal/database"
)

// Pessimistic PAPER fills: a resting limit is considered filled only after
// the book trades through its price by at least one tick and holds there
// for the persistence window. Touch-fills never count.

const paperHoldDuration = 3 * time.Second

const paperFeeMult = 2
const paperMinFeeBps = 10

type paperOrder struct {
	orderID      string
	marketID     string
	side         string
	price        decimal.Decimal
	sizeCents    int64
	feeRateBps   int
	throughSince time.Time // zero until the book first trades through
}

// PaperBook simulates fills from live book updates.
type PaperBook struct {
	mu       sync.Mutex
	tick     decimal.Decimal
	resting  map[string]*paperOrder // order id -> order
	onFill   func(orderID string, fillCents, feeCents int64)
}

func NewPaperBook(tickSize decimal.Decimal) *PaperBook {
	return &PaperBook{
		tick:    tickSize,
		resting: make(map[string]*paperOrder),
	}
}

// OnFill installs the fill sink.
func (p *PaperBook) OnFill(fn func(orderID string, fillCents, feeCents int64)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onFill = fn
}

// Rest registers a paper order.
func (p *PaperBook) Rest(order *database.OrderRow, feeRateBps int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resting[order.ID] = &paperOrder{
		orderID:    order.ID,
		marketID:   order.MarketID,
		side:       order.Side,
		price:      order.Price,
		sizeCents:  order.SizeCents,
		feeRateBps: feeRateBps,
	}
}

// Withdraw removes a paper order without filling it.
func (p *PaperBook) Withdraw(orderID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.resting, orderID)
}

// ObserveBook feeds the current best ask for one market side. A buy limit
// at P fills only once best_ask <= P - tick continuously for the hold
// window.
func (p *PaperBook) ObserveBook(marketID, side string, bestAsk decimal.Decimal, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, o := range p.resting {
		if o.marketID != marketID || o.side != side {
			continue
		}

		through := !bestAsk.IsZero() && bestAsk.LessThanOrEqual(o.price.Sub(p.tick))
		if !through {
			o.throughSince = time.Time{}
			continue
		}
		if o.throughSince.IsZero() {
			o.throughSince = now
			continue
		}
		if now.Sub(o.throughSince) < paperHoldDuration {
			continue
		}

		feeBps := o.feeRateBps
		if feeBps < paperMinFeeBps {
			feeBps = paperMinFeeBps
		}
		feeCents := o.sizeCents * int64(feeBps) * paperFeeMult / 10000

		delete(p.resting, o.orderID)
		log.Info().Str("order", o.orderID).Str("market", o.marketID).
			Str("price", o.price.StringFixed(4)).Int64("fee_cents", feeCents).
			Msg("✅ Order filled (PAPER)")

		if p.onFill != nil {
			go p.onFill(o.orderID, o.sizeCents, feeCents)
		}
	}
}

// executePaper records the paper order and rests it in the simulator. PAPER
// entries never touch the WAL.
func (e *Engine) executePaper(t *Ticket, now time.Time) error {
	order := &database.OrderRow{
		ID:            t.DecisionID,
		DecisionID:    t.DecisionID,
		MarketID:      t.MarketID,
		Side:          string(t.Side),
		Status:        StatusOpen,
		Mode:          ModePaper,
		ClientOrderID: t.ClientOrderID,
		Price:         t.LimitPrice,
		SizeCents:     usdToCents(t.SizeUSD),
		ResidualCents: usdToCents(t.SizeUSD),
		CreatedAt:     now,
	}
	if err := e.db.SaveOrder(order); err != nil {
		return err
	}
	if err := e.db.AppendEvent("ORDER_INTENT_PAPER", order.MarketID, order.ID, map[string]any{
		"order_id": order.ID, "price": t.LimitPrice.StringFixed(6), "size_cents": order.SizeCents,
	}); err != nil {
		return err
	}

	e.paper.Rest(order, 0)

	log.Info().Str("order", order.ID).Str("market", order.MarketID).
		Str("side", order.Side).Str("price", t.LimitPrice.StringFixed(4)).
		Msg("📤 Order resting (PAPER)")
	return nil
}
