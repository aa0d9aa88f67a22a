// Package model defines core data types for the candle feed service.
//
// This package contains the fundamental data structures used throughout the
// system for representing fixed-interval candle records and feed lifecycle
// state. All monetary values use decimal.Decimal for precise financial
// calculations to avoid floating-point precision issues common in financial
// applications.
package model

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// CandleRecord represents one fixed-interval OHLCV bar for a trading pair.
//
// Timestamp is the period-open instant in Unix milliseconds. All price and
// volume fields use decimal.Decimal to maintain precision throughout merge
// and backfill operations.
//
// KuCoin perpetual does not report quote volume, trade count or taker buy
// volumes on its candle channels; those fields are fixed at zero for records
// originating from that venue.
type CandleRecord struct {
	Timestamp           int64           `json:"timestamp"`
	Open                decimal.Decimal `json:"open"`
	High                decimal.Decimal `json:"high"`
	Low                 decimal.Decimal `json:"low"`
	Close               decimal.Decimal `json:"close"`
	Volume              decimal.Decimal `json:"volume"`
	QuoteVolume         decimal.Decimal `json:"quoteVolume"`
	TradeCount          int64           `json:"tradeCount"`
	TakerBuyBaseVolume  decimal.Decimal `json:"takerBuyBaseVolume"`
	TakerBuyQuoteVolume decimal.Decimal `json:"takerBuyQuoteVolume"`
}

// Validate checks the structural invariants of a candle record:
// a positive period-open timestamp, non-negative numeric fields, and
// low <= open,close <= high.
func (c CandleRecord) Validate() error {
	if c.Timestamp <= 0 {
		return fmt.Errorf("timestamp must be positive, got %d", c.Timestamp)
	}

	for _, field := range []struct {
		name  string
		value decimal.Decimal
	}{
		{"open", c.Open},
		{"high", c.High},
		{"low", c.Low},
		{"close", c.Close},
		{"volume", c.Volume},
		{"quoteVolume", c.QuoteVolume},
		{"takerBuyBaseVolume", c.TakerBuyBaseVolume},
		{"takerBuyQuoteVolume", c.TakerBuyQuoteVolume},
	} {
		if field.value.IsNegative() {
			return fmt.Errorf("%s must be non-negative, got %s", field.name, field.value)
		}
	}

	if c.TradeCount < 0 {
		return fmt.Errorf("tradeCount must be non-negative, got %d", c.TradeCount)
	}

	if c.Low.GreaterThan(c.Open) || c.Low.GreaterThan(c.Close) {
		return fmt.Errorf("low %s exceeds open %s or close %s", c.Low, c.Open, c.Close)
	}
	if c.High.LessThan(c.Open) || c.High.LessThan(c.Close) {
		return fmt.Errorf("high %s below open %s or close %s", c.High, c.Open, c.Close)
	}

	return nil
}

// FeedState represents the lifecycle state of a feed's venue connection.
//
// Modelled as a tagged variant rather than free-form status strings so state
// handling stays exhaustive.
type FeedState int

const (
	// StateConnecting means the feed is bootstrapping a websocket connection.
	StateConnecting FeedState = iota

	// StateSubscribing means the connection is open and the subscribe
	// request is in flight.
	StateSubscribing

	// StateStreaming means candle updates are being consumed.
	StateStreaming

	// StateReconnecting means the previous connection was lost and a new
	// one will be established.
	StateReconnecting

	// StateFailed means the feed hit a fatal condition (e.g. insufficient
	// venue history) and will not become ready.
	StateFailed
)

// String returns a human-readable name for the state.
func (s FeedState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSubscribing:
		return "subscribing"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}
