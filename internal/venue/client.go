// Package venue is the exchange adapter: the transport-level REST and WS
// clients plus the order-signing machinery. All trading policy lives above
// this package; the clients here only move bytes.
package venue

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the venue-side order state.
type OrderStatus string

const (
	VenueOrderOpen      OrderStatus = "OPEN"
	VenueOrderFilled    OrderStatus = "FILLED"
	VenueOrderCancelled OrderStatus = "CANCELLED"
)

// VenueOrder is an order as reported by the venue.
type VenueOrder struct {
	ExchangeOrderID string
	ClientOrderID   string
	MarketID        string
	TokenID         string
	Side            string // BUY side token: YES or NO
	Price           decimal.Decimal
	SizeUSD         decimal.Decimal
	FilledUSD       decimal.Decimal
	Status          OrderStatus
	CreatedAt       time.Time
}

// VenueFill is a single execution fill.
type VenueFill struct {
	ExchangeOrderID string
	ClientOrderID   string
	MarketID        string
	Price           decimal.Decimal
	SizeUSD         decimal.Decimal
	FeeUSD          decimal.Decimal
	Timestamp       time.Time
}

// VenuePosition is a token position as reported by the venue.
type VenuePosition struct {
	MarketID   string
	TokenID    string
	Side       string
	SizeShares decimal.Decimal
	AvgPrice   decimal.Decimal
}

// SubmitRequest is a limit-order submission. PostOnly is the default path;
// MarketableLimit marks the taker-like variant permitted only under the
// manifest-pinned volatility ceiling.
type SubmitRequest struct {
	ClientOrderID   string
	MarketID        string
	TokenID         string
	Side            string
	Price           decimal.Decimal
	SizeUSD         decimal.Decimal
	PostOnly        bool
	MarketableLimit bool
}

// SubmitResult is the venue's answer to a submission.
type SubmitResult struct {
	ExchangeOrderID string
	Status          OrderStatus
	FilledUSD       decimal.Decimal
}

// Client is the REST surface the core depends on. Reads are authoritative
// for reconciliation only; submissions carry the idempotent client order id.
type Client interface {
	OpenOrders(ctx context.Context, marketID string) ([]VenueOrder, error)
	OrderByClientID(ctx context.Context, clientOrderID string) (*VenueOrder, error)
	Fills(ctx context.Context, marketID string, since time.Time) ([]VenueFill, error)
	Positions(ctx context.Context) ([]VenuePosition, error)
	BalanceUSD(ctx context.Context) (decimal.Decimal, error)
	SubmitLimitOrder(ctx context.Context, req SubmitRequest) (*SubmitResult, error)
	CancelOrder(ctx context.Context, exchangeOrderID string) error
	ServerTime(ctx context.Context) (time.Time, error)
}
