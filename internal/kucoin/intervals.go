package kucoin

import (
	"errors"
	"fmt"
)

// ErrUnsupportedInterval indicates a requested candle interval that the venue
// does not offer. This is a configuration error: it is returned at feed
// construction and never retried.
var ErrUnsupportedInterval = errors.New("unsupported interval")

// Interval describes one candle interval supported by KuCoin perpetual.
//
// The REST and websocket paths name intervals differently: REST queries take
// a numeric granularity code (minutes), the candle channel topic carries a
// textual suffix ("1min", "1hour", ...). Both facets live in this single
// table so the two paths cannot drift apart.
type Interval struct {
	// Name is the human interval identifier, e.g. "1m".
	Name string

	// Seconds is the interval length in seconds.
	Seconds int64

	// Granularity is the venue's REST granularity code (minutes).
	Granularity int

	// TopicSuffix is appended to the websocket candle topic,
	// e.g. "1min" in "/contractMarket/limitCandle:XBTUSDTM_1min".
	TopicSuffix string
}

// Millis returns the interval length in milliseconds, the unit candle
// timestamps are stored in.
func (i Interval) Millis() int64 {
	return i.Seconds * 1000
}

// intervals is the fixed set of intervals KuCoin perpetual supports on both
// the kline REST endpoint and the limitCandle websocket channel.
var intervals = map[string]Interval{
	"1m":  {Name: "1m", Seconds: 60, Granularity: 1, TopicSuffix: "1min"},
	"5m":  {Name: "5m", Seconds: 300, Granularity: 5, TopicSuffix: "5min"},
	"15m": {Name: "15m", Seconds: 900, Granularity: 15, TopicSuffix: "15min"},
	"30m": {Name: "30m", Seconds: 1800, Granularity: 30, TopicSuffix: "30min"},
	"1h":  {Name: "1h", Seconds: 3600, Granularity: 60, TopicSuffix: "1hour"},
	"2h":  {Name: "2h", Seconds: 7200, Granularity: 120, TopicSuffix: "2hour"},
	"4h":  {Name: "4h", Seconds: 14400, Granularity: 240, TopicSuffix: "4hour"},
	"8h":  {Name: "8h", Seconds: 28800, Granularity: 480, TopicSuffix: "8hour"},
	"12h": {Name: "12h", Seconds: 43200, Granularity: 720, TopicSuffix: "12hour"},
	"1d":  {Name: "1d", Seconds: 86400, Granularity: 1440, TopicSuffix: "1day"},
	"1w":  {Name: "1w", Seconds: 604800, Granularity: 10080, TopicSuffix: "1week"},
}

// LookupInterval resolves a human interval string ("1m", "1h", ...) to the
// venue's interval descriptor. Returns ErrUnsupportedInterval for anything
// outside the fixed supported set.
func LookupInterval(name string) (Interval, error) {
	iv, ok := intervals[name]
	if !ok {
		return Interval{}, fmt.Errorf("%w: %q", ErrUnsupportedInterval, name)
	}
	return iv, nil
}

// SupportedIntervals returns the names of all supported intervals.
// The order is unspecified.
func SupportedIntervals() []string {
	names := make([]string, 0, len(intervals))
	for name := range intervals {
		names = append(names, name)
	}
	return names
}
