package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
)

// RESTClient talks to the CLOB REST API. Read endpoints run behind a
// circuit breaker; an open breaker tells the reconciliation layer the venue
// is unreadable without hammering it further. Submissions and cancels are
// NOT behind the breaker: their outcomes must reach the caller as-is so an
// ambiguous result can become PENDING_UNKNOWN.
type RESTClient struct {
	http    *resty.Client
	breaker *gobreaker.CircuitBreaker
	signer  *OrderSigner

	apiKey     string
	apiSecret  string
	passphrase string
	address    string
}

// ErrAmbiguousOutcome wraps transport outcomes where the request may or may
// not have reached the venue.
type ErrAmbiguousOutcome struct {
	Op    string
	Cause error
}

func (e *ErrAmbiguousOutcome) Error() string {
	return fmt.Sprintf("ambiguous outcome for %s: %v", e.Op, e.Cause)
}

func (e *ErrAmbiguousOutcome) Unwrap() error { return e.Cause }

func NewRESTClient(baseURL string, signer *OrderSigner, timeout time.Duration, onStateChange func(open bool)) *RESTClient {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "venue-rest-reads",
		MaxRequests: 2,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("Venue REST breaker state")
			if onStateChange != nil {
				onStateChange(to == gobreaker.StateOpen)
			}
		},
	})

	address := ""
	if signer != nil {
		address = signer.Address()
	}

	return &RESTClient{
		http:       httpClient,
		breaker:    breaker,
		signer:     signer,
		apiKey:     os.Getenv("CLOB_API_KEY"),
		apiSecret:  os.Getenv("CLOB_API_SECRET"),
		passphrase: os.Getenv("CLOB_PASSPHRASE"),
		address:    address,
	}
}

// read wraps a GET in the breaker and decodes into out.
func (c *RESTClient) read(ctx context.Context, path string, query map[string]string, out any) error {
	_, err := c.breaker.Execute(func() (any, error) {
		req := c.http.R().SetContext(ctx)
		if query != nil {
			req.SetQueryParams(query)
		}
		if headers, err := l2Headers(c.apiKey, c.apiSecret, c.passphrase, c.address, http.MethodGet, path, nil, time.Now()); err == nil {
			req.SetHeaders(headers)
		}
		resp, err := req.Get(path)
		if err != nil {
			return nil, err
		}
		if resp.IsError() {
			return nil, fmt.Errorf("GET %s: status %d", path, resp.StatusCode())
		}
		return nil, json.Unmarshal(resp.Body(), out)
	})
	return err
}

type wireOrder struct {
	ID            string `json:"id"`
	ClientOrderID string `json:"client_order_id"`
	Market        string `json:"market"`
	AssetID       string `json:"asset_id"`
	Outcome       string `json:"outcome"`
	Price         string `json:"price"`
	OriginalSize  string `json:"original_size"`
	SizeMatched   string `json:"size_matched"`
	Status        string `json:"status"`
	CreatedAt     int64  `json:"created_at"`
}

func (w wireOrder) toVenueOrder() VenueOrder {
	price, _ := decimal.NewFromString(w.Price)
	size, _ := decimal.NewFromString(w.OriginalSize)
	filled, _ := decimal.NewFromString(w.SizeMatched)

	status := VenueOrderOpen
	switch w.Status {
	case "MATCHED", "FILLED":
		status = VenueOrderFilled
	case "CANCELED", "CANCELLED":
		status = VenueOrderCancelled
	}

	return VenueOrder{
		ExchangeOrderID: w.ID,
		ClientOrderID:   w.ClientOrderID,
		MarketID:        w.Market,
		TokenID:         w.AssetID,
		Side:            w.Outcome,
		Price:           price,
		SizeUSD:         size.Mul(price),
		FilledUSD:       filled.Mul(price),
		Status:          status,
		CreatedAt:       time.Unix(w.CreatedAt, 0).UTC(),
	}
}

func (c *RESTClient) OpenOrders(ctx context.Context, marketID string) ([]VenueOrder, error) {
	var raw []wireOrder
	query := map[string]string{}
	if marketID != "" {
		query["market"] = marketID
	}
	if err := c.read(ctx, "/data/orders", query, &raw); err != nil {
		return nil, err
	}
	orders := make([]VenueOrder, 0, len(raw))
	for _, w := range raw {
		orders = append(orders, w.toVenueOrder())
	}
	return orders, nil
}

func (c *RESTClient) OrderByClientID(ctx context.Context, clientOrderID string) (*VenueOrder, error) {
	var raw []wireOrder
	err := c.read(ctx, "/data/orders", map[string]string{"client_order_id": clientOrderID}, &raw)
	if err != nil {
		return nil, err
	}
	for _, w := range raw {
		if w.ClientOrderID == clientOrderID {
			o := w.toVenueOrder()
			return &o, nil
		}
	}
	return nil, nil
}

func (c *RESTClient) Fills(ctx context.Context, marketID string, since time.Time) ([]VenueFill, error) {
	var raw []struct {
		OrderID       string `json:"order_id"`
		ClientOrderID string `json:"client_order_id"`
		Market        string `json:"market"`
		Price         string `json:"price"`
		Size          string `json:"size"`
		Fee           string `json:"fee"`
		Timestamp     int64  `json:"timestamp"`
	}
	query := map[string]string{"after": fmt.Sprintf("%d", since.Unix())}
	if marketID != "" {
		query["market"] = marketID
	}
	if err := c.read(ctx, "/data/trades", query, &raw); err != nil {
		return nil, err
	}

	fills := make([]VenueFill, 0, len(raw))
	for _, w := range raw {
		price, _ := decimal.NewFromString(w.Price)
		size, _ := decimal.NewFromString(w.Size)
		fee, _ := decimal.NewFromString(w.Fee)
		fills = append(fills, VenueFill{
			ExchangeOrderID: w.OrderID,
			ClientOrderID:   w.ClientOrderID,
			MarketID:        w.Market,
			Price:           price,
			SizeUSD:         size.Mul(price),
			FeeUSD:          fee,
			Timestamp:       time.Unix(w.Timestamp, 0).UTC(),
		})
	}
	return fills, nil
}

func (c *RESTClient) Positions(ctx context.Context) ([]VenuePosition, error) {
	var raw []struct {
		Market   string `json:"market"`
		AssetID  string `json:"asset_id"`
		Outcome  string `json:"outcome"`
		Size     string `json:"size"`
		AvgPrice string `json:"avg_price"`
	}
	if err := c.read(ctx, "/data/positions", nil, &raw); err != nil {
		return nil, err
	}
	positions := make([]VenuePosition, 0, len(raw))
	for _, w := range raw {
		size, _ := decimal.NewFromString(w.Size)
		avg, _ := decimal.NewFromString(w.AvgPrice)
		positions = append(positions, VenuePosition{
			MarketID:   w.Market,
			TokenID:    w.AssetID,
			Side:       w.Outcome,
			SizeShares: size,
			AvgPrice:   avg,
		})
	}
	return positions, nil
}

func (c *RESTClient) BalanceUSD(ctx context.Context) (decimal.Decimal, error) {
	var raw struct {
		Balance string `json:"balance"`
	}
	if err := c.read(ctx, "/balance", nil, &raw); err != nil {
		return decimal.Zero, err
	}
	bal, err := decimal.NewFromString(raw.Balance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse balance %q: %w", raw.Balance, err)
	}
	return bal, nil
}

// SubmitLimitOrder signs and posts the order. Timeouts and 5xx responses
// come back as ErrAmbiguousOutcome: the caller must treat them as
// PENDING_UNKNOWN, never as a clean failure.
func (c *RESTClient) SubmitLimitOrder(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	payload, err := c.signer.SignedOrder(req.TokenID, req.Price, req.SizeUSD)
	if err != nil {
		return nil, fmt.Errorf("build order: %w", err)
	}
	payload["clientOrderId"] = req.ClientOrderID
	orderType := "GTC"
	if req.MarketableLimit {
		orderType = "FAK"
	}
	payload["orderType"] = orderType
	payload["postOnly"] = req.PostOnly

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal order: %w", err)
	}

	r := c.http.R().SetContext(ctx).SetBody(body)
	if headers, err := l2Headers(c.apiKey, c.apiSecret, c.passphrase, c.address, http.MethodPost, "/order", body, time.Now()); err == nil {
		r.SetHeaders(headers)
	}

	resp, err := r.Post("/order")
	if err != nil {
		return nil, &ErrAmbiguousOutcome{Op: "submit", Cause: err}
	}
	if resp.StatusCode() >= 500 {
		return nil, &ErrAmbiguousOutcome{Op: "submit", Cause: fmt.Errorf("status %d", resp.StatusCode())}
	}
	if resp.IsError() {
		return nil, fmt.Errorf("submit rejected: status %d: %s", resp.StatusCode(), resp.String())
	}

	var out struct {
		OrderID string `json:"orderID"`
		Status  string `json:"status"`
		Matched string `json:"size_matched"`
	}
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, &ErrAmbiguousOutcome{Op: "submit", Cause: fmt.Errorf("unparseable response: %w", err)}
	}

	filled, _ := decimal.NewFromString(out.Matched)
	status := VenueOrderOpen
	if out.Status == "matched" || out.Status == "FILLED" {
		status = VenueOrderFilled
	}
	return &SubmitResult{
		ExchangeOrderID: out.OrderID,
		Status:          status,
		FilledUSD:       filled.Mul(req.Price),
	}, nil
}

func (c *RESTClient) CancelOrder(ctx context.Context, exchangeOrderID string) error {
	body, _ := json.Marshal(map[string]string{"orderID": exchangeOrderID})
	r := c.http.R().SetContext(ctx).SetBody(body)
	if headers, err := l2Headers(c.apiKey, c.apiSecret, c.passphrase, c.address, http.MethodDelete, "/order", body, time.Now()); err == nil {
		r.SetHeaders(headers)
	}
	resp, err := r.Delete("/order")
	if err != nil {
		return &ErrAmbiguousOutcome{Op: "cancel", Cause: err}
	}
	if resp.StatusCode() >= 500 {
		return &ErrAmbiguousOutcome{Op: "cancel", Cause: fmt.Errorf("status %d", resp.StatusCode())}
	}
	if resp.IsError() {
		return fmt.Errorf("cancel rejected: status %d", resp.StatusCode())
	}
	return nil
}

func (c *RESTClient) ServerTime(ctx context.Context) (time.Time, error) {
	resp, err := c.http.R().SetContext(ctx).Get("/time")
	if err != nil {
		return time.Time{}, err
	}
	var raw struct {
		Timestamp int64 `json:"timestamp"`
	}
	if err := json.Unmarshal(resp.Body(), &raw); err != nil {
		return time.Time{}, fmt.Errorf("parse server time: %w", err)
	}
	return time.Unix(raw.Timestamp, 0).UTC(), nil
}
