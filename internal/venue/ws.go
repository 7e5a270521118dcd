package venue

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polyedge/internal/core"
)

const (
	reconnectDelay = 5 * time.Second
	pingInterval   = 30 * time.Second
)

// BookFrame is one decoded market-data frame with its local receive time.
type BookFrame struct {
	MarketID   string
	TokenID    string
	Bids       []PriceLevel
	Asks       []PriceLevel
	ReceivedMs int64
	Epoch      int64
	BookChange bool // true when the book content changed, not just a heartbeat
}

// PriceLevel is one side level in USD terms.
type PriceLevel struct {
	Price   decimal.Decimal
	SizeUSD decimal.Decimal
}

// Feed maintains the market WebSocket. Every disconnect bumps the
// coordinator's WS epoch; frames carry the epoch they arrived under so
// snapshot builders can pin it.
type Feed struct {
	mu sync.RWMutex

	wsURL   string
	coord   *core.Coordinator
	conn    *websocket.Conn
	running bool
	stopCh  chan struct{}

	markets     map[string][]string // market id -> token ids
	subscribers []chan BookFrame
}

func NewFeed(wsURL string, coord *core.Coordinator) *Feed {
	return &Feed{
		wsURL:   wsURL,
		coord:   coord,
		stopCh:  make(chan struct{}),
		markets: make(map[string][]string),
	}
}

// Subscribe returns a channel receiving decoded frames.
func (f *Feed) Subscribe() chan BookFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan BookFrame, 1000)
	f.subscribers = append(f.subscribers, ch)
	return ch
}

// Watch registers a market's token ids for subscription on (re)connect.
func (f *Feed) Watch(marketID string, tokenIDs []string) {
	f.mu.Lock()
	f.markets[marketID] = tokenIDs
	conn := f.conn
	f.mu.Unlock()

	if conn != nil {
		f.sendSubscription(conn, marketID, tokenIDs)
	}
}

// Start launches the connection loop.
func (f *Feed) Start() {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return
	}
	f.running = true
	f.mu.Unlock()

	go f.connectionLoop()
	log.Info().Msg("📡 Venue feed started")
}

// Stop closes the connection and stops reconnecting.
func (f *Feed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return
	}
	f.running = false
	close(f.stopCh)
	if f.conn != nil {
		f.conn.Close()
	}
}

func (f *Feed) connectionLoop() {
	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		if err := f.connect(); err != nil {
			log.Error().Err(err).Msg("Venue WS connect failed, retrying")
			time.Sleep(reconnectDelay)
			continue
		}

		f.readLoop()

		// readLoop returns on error or close: the epoch must move before
		// any reconnect so stale snapshots can never pass the health check.
		f.coord.WSDisconnected()
		time.Sleep(reconnectDelay)
	}
}

func (f *Feed) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL, nil)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.conn = conn
	markets := make(map[string][]string, len(f.markets))
	for k, v := range f.markets {
		markets[k] = v
	}
	f.mu.Unlock()

	epoch := f.coord.WSConnected()
	log.Info().Int64("epoch", epoch).Msg("🔌 Venue WS connected")

	for marketID, tokens := range markets {
		f.sendSubscription(conn, marketID, tokens)
	}

	go f.pingLoop(conn)
	return nil
}

func (f *Feed) sendSubscription(conn *websocket.Conn, marketID string, tokenIDs []string) {
	msg := map[string]any{
		"type":       "subscribe",
		"market":     marketID,
		"assets_ids": tokenIDs,
		"channel":    "market",
	}
	if err := conn.WriteJSON(msg); err != nil {
		log.Warn().Err(err).Str("market", marketID).Msg("Subscribe write failed")
	}
}

func (f *Feed) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-f.stopCh:
			return
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (f *Feed) readLoop() {
	f.mu.RLock()
	conn := f.conn
	f.mu.RUnlock()
	if conn == nil {
		return
	}

	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			log.Warn().Err(err).Msg("Venue WS read error")
			return
		}

		nowMs := time.Now().UnixMilli()
		f.coord.WSMessageReceived(nowMs)
		f.processMessage(message, nowMs)
	}
}

type wsMessage struct {
	EventType string     `json:"event_type"`
	Market    string     `json:"market"`
	AssetID   string     `json:"asset_id"`
	Bids      [][]string `json:"bids"`
	Asks      [][]string `json:"asks"`
}

func (f *Feed) processMessage(data []byte, nowMs int64) {
	var msgs []wsMessage
	if err := json.Unmarshal(data, &msgs); err != nil {
		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		msgs = []wsMessage{msg}
	}

	epoch := f.coord.WSEpoch()
	for _, msg := range msgs {
		switch msg.EventType {
		case "book", "price_change":
			frame := BookFrame{
				MarketID:   msg.Market,
				TokenID:    msg.AssetID,
				Bids:       parseLevels(msg.Bids),
				Asks:       parseLevels(msg.Asks),
				ReceivedMs: nowMs,
				Epoch:      epoch,
				BookChange: true,
			}
			f.broadcast(frame)
		case "last_trade_price":
			f.broadcast(BookFrame{
				MarketID:   msg.Market,
				TokenID:    msg.AssetID,
				ReceivedMs: nowMs,
				Epoch:      epoch,
			})
		}
	}
}

func parseLevels(raw [][]string) []PriceLevel {
	levels := make([]PriceLevel, 0, len(raw))
	for _, pair := range raw {
		if len(pair) < 2 {
			continue
		}
		price, err1 := decimal.NewFromString(pair[0])
		size, err2 := decimal.NewFromString(pair[1])
		if err1 != nil || err2 != nil {
			continue
		}
		levels = append(levels, PriceLevel{Price: price, SizeUSD: size.Mul(price)})
	}
	return levels
}

func (f *Feed) broadcast(frame BookFrame) {
	f.mu.RLock()
	subs := f.subscribers
	f.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- frame:
		default:
			// drop rather than block the read loop
		}
	}
}
