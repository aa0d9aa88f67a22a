// Package utils provides common utility functions for data validation.
//
// This package contains utilities for working with trading-pair identifiers,
// validating symbols according to the expected BASE-QUOTE format and the
// quote assets the venue settles perpetual contracts in.
package utils

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Error definitions for validation functions
var (
	ErrNoSymbols      = errors.New("zero symbols requested")
	ErrTooManySymbols = errors.New("too many symbols requested")
)

// QuoteAssetSet contains the quote assets KuCoin perpetual settles in.
// This map is used for O(1) lookup when validating symbols.
var QuoteAssetSet = map[string]bool{
	"USDT": true,
	"USDC": true,
	"USD":  true,
	"BTC":  true,
}

// pairRegex matches the BASE-QUOTE shape before asset-level checks.
var pairRegex = regexp.MustCompile(`^[A-Za-z0-9]{2,10}-[A-Za-z]{3,5}$`)

// supportedQuotesCache is a pre-computed string of supported quote assets
// to avoid rebuilding it on every validation error.
var supportedQuotesCache = getSupportedQuotes(QuoteAssetSet)

// ValidateSymbol validates that a trading pair symbol follows the expected
// "BASE-QUOTE" format and uses a supported quote asset. The check is
// case-insensitive for the quote asset.
func ValidateSymbol(symbol string) error {
	if symbol == "" {
		return errors.New("symbol cannot be empty")
	}

	if !pairRegex.MatchString(symbol) {
		return fmt.Errorf("invalid symbol format: expected BASE-QUOTE, got %q", symbol)
	}

	quote := strings.ToUpper(symbol[strings.Index(symbol, "-")+1:])
	if !QuoteAssetSet[quote] {
		return fmt.Errorf("unsupported quote asset: %s (supported: %s)",
			quote, supportedQuotesCache)
	}

	return nil
}

// ValidatePairs validates a slice of trading pair symbols and enforces
// quantity limits: the number of pairs must be positive and at most
// maxAllowed, and every symbol must pass ValidateSymbol.
func ValidatePairs(pairs []string, maxAllowed int) error {
	if len(pairs) == 0 {
		return ErrNoSymbols
	}

	if maxAllowed <= 0 {
		return fmt.Errorf("%w: max allowed must be positive, got %d",
			ErrTooManySymbols, maxAllowed)
	}

	if len(pairs) > maxAllowed {
		return fmt.Errorf("%w: requested %d symbols, maximum allowed %d",
			ErrTooManySymbols, len(pairs), maxAllowed)
	}

	for i, symbol := range pairs {
		if err := ValidateSymbol(symbol); err != nil {
			return fmt.Errorf("invalid symbol at index %d (%q): %w", i, symbol, err)
		}
	}

	return nil
}

// getSupportedQuotes builds a comma-separated string of supported quote
// assets for user-facing error messages. The order is unspecified.
func getSupportedQuotes(quoteAssetSet map[string]bool) string {
	keys := make([]string, 0, len(quoteAssetSet))
	for k := range quoteAssetSet {
		keys = append(keys, k)
	}
	return strings.Join(keys, ", ")
}
