package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_ValidateSymbol(t *testing.T) {
	tests := []struct {
		name        string
		symbol      string
		wantErrText string
	}{
		{
			name:   "Valid USDT pair",
			symbol: "BTC-USDT",
		},
		{
			name:   "Valid USD pair",
			symbol: "ETH-USD",
		},
		{
			name:   "Valid coin-margined pair",
			symbol: "ETH-BTC",
		},
		{
			name:   "Lowercase quote accepted",
			symbol: "BTC-usdt",
		},
		{
			name:   "Numeric base asset",
			symbol: "1INCH-USDT",
		},
		{
			name:        "Empty symbol",
			symbol:      "",
			wantErrText: "symbol cannot be empty",
		},
		{
			name:        "Missing separator",
			symbol:      "BTCUSDT",
			wantErrText: "invalid symbol format",
		},
		{
			name:        "Trailing separator",
			symbol:      "BTC-",
			wantErrText: "invalid symbol format",
		},
		{
			name:        "Unsupported quote asset",
			symbol:      "BTC-EUR",
			wantErrText: "unsupported quote asset",
		},
		{
			name:        "Base asset too short",
			symbol:      "B-USDT",
			wantErrText: "invalid symbol format",
		},
		{
			name:        "Whitespace in base",
			symbol:      "BT C-USDT",
			wantErrText: "invalid symbol format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSymbol(tt.symbol)

			if tt.wantErrText == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErrText)
		})
	}
}

func Test_ValidatePairs(t *testing.T) {
	tests := []struct {
		name       string
		pairs      []string
		maxAllowed int
		wantErr    error
	}{
		{
			name:       "Single valid pair",
			pairs:      []string{"BTC-USDT"},
			maxAllowed: 5,
		},
		{
			name:       "Multiple valid pairs at the limit",
			pairs:      []string{"BTC-USDT", "ETH-USDT", "SOL-USDC"},
			maxAllowed: 3,
		},
		{
			name:       "Empty list",
			pairs:      nil,
			maxAllowed: 5,
			wantErr:    ErrNoSymbols,
		},
		{
			name:       "Over the limit",
			pairs:      []string{"BTC-USDT", "ETH-USDT"},
			maxAllowed: 1,
			wantErr:    ErrTooManySymbols,
		},
		{
			name:       "Non-positive limit",
			pairs:      []string{"BTC-USDT"},
			maxAllowed: 0,
			wantErr:    ErrTooManySymbols,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePairs(tt.pairs, tt.maxAllowed)

			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func Test_ValidatePairs_ReportsOffendingIndex(t *testing.T) {
	err := ValidatePairs([]string{"BTC-USDT", "BTCUSDT"}, 5)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "index 1")
	assert.Contains(t, err.Error(), "BTCUSDT")
}
