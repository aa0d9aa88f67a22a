package kucoin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrSymbolNotFound indicates that a trading pair is absent from the venue's
// instrument list. It is a "not ready" sentinel: callers must not proceed to
// backfill or subscribe for the pair.
var ErrSymbolNotFound = errors.New("symbol not found on venue")

// baseAssetAliases maps human base-asset names to the venue's spelling.
// KuCoin perpetual lists Bitcoin contracts under XBT.
var baseAssetAliases = map[string]string{
	"BTC": "XBT",
}

const (
	resolveBackoffStart = 500 * time.Millisecond
	resolveBackoffCap   = 8 * time.Second
)

// SymbolResolver builds and caches the mapping from human trading pairs
// ("BASE-QUOTE") to the venue's native contract symbols.
//
// The map is populated lazily on first resolution and treated as immutable
// afterwards; it is rebuilt only if found empty, never incrementally updated.
// Failed fetches are retried with exponential backoff until they succeed or
// the context is cancelled.
type SymbolResolver struct {
	client *Client

	mu      sync.RWMutex
	symbols map[string]string // "XBT-USDT" -> "XBTUSDTM"
}

// NewSymbolResolver creates a resolver backed by the given venue client.
func NewSymbolResolver(client *Client) *SymbolResolver {
	return &SymbolResolver{
		client:  client,
		symbols: make(map[string]string),
	}
}

// Resolve returns the venue symbol for a human trading pair such as
// "BTC-USDT". The base asset is translated through the venue alias table
// before lookup. If the pair is absent from a successfully populated
// instrument list, ErrSymbolNotFound is returned.
func (r *SymbolResolver) Resolve(ctx context.Context, pair string) (string, error) {
	venuePair, err := venueTradingPair(pair)
	if err != nil {
		return "", err
	}

	if err := r.ensurePopulated(ctx); err != nil {
		return "", err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	symbol, ok := r.symbols[venuePair]
	if !ok {
		return "", fmt.Errorf("%w: %s (venue pair %s)", ErrSymbolNotFound, pair, venuePair)
	}
	return symbol, nil
}

// ensurePopulated fetches the instrument list if the cached map is empty,
// retrying with exponential backoff on failure.
func (r *SymbolResolver) ensurePopulated(ctx context.Context) error {
	r.mu.RLock()
	populated := len(r.symbols) > 0
	r.mu.RUnlock()
	if populated {
		return nil
	}

	backoff := resolveBackoffStart
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		contracts, err := r.client.ActiveContracts(ctx)
		if err == nil && len(contracts) > 0 {
			symbols := make(map[string]string, len(contracts))
			for _, contract := range contracts {
				key := contract.BaseCurrency + "-" + contract.QuoteCurrency
				symbols[key] = contract.Symbol
			}

			r.mu.Lock()
			// Another caller may have won the race; the list is the same
			// either way, so last write wins.
			r.symbols = symbols
			r.mu.Unlock()

			log.Info().Int("instruments", len(symbols)).Msg("venue symbol map populated")
			return nil
		}

		if err == nil {
			err = errors.New("venue returned empty instrument list")
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		log.Warn().Err(err).Dur("backoff", backoff).Msg("error fetching symbols from venue, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < resolveBackoffCap {
			backoff *= 2
		}
	}
}

// venueTradingPair translates a human "BASE-QUOTE" pair into the venue's
// asset naming.
func venueTradingPair(pair string) (string, error) {
	parts := strings.Split(pair, "-")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("invalid trading pair format: expected BASE-QUOTE, got %q", pair)
	}

	base := strings.ToUpper(parts[0])
	if alias, ok := baseAssetAliases[base]; ok {
		base = alias
	}
	return base + "-" + strings.ToUpper(parts[1]), nil
}
