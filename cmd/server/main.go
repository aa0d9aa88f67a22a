/*
Package main implements the candle feed server.

The server maintains one bounded, gap-free window of recent candles per
configured trading pair, reconciled from KuCoin perpetual's REST history and
live websocket stream, and exposes the windows over a read-only HTTP API.
It supports graceful shutdown and configurable candle intervals.

Usage:

	go run main.go -port=8080 -pairs=BTC-USDT,ETH-USDT -interval=1m -capacity=150

The server bootstraps each feed's websocket connection; the first live candle
per pair triggers a REST backfill of the remaining history.
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"candlefeed/api"
	"candlefeed/internal/feed"
	"candlefeed/internal/kucoin"
	"candlefeed/internal/utils"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Command-line flags for configuring the server behavior
var (
	// port specifies the TCP port for the HTTP API to listen on
	port = flag.Int("port", 8080, "The HTTP API port")
	// pairs contains the comma-separated list of trading pairs to track
	pairs = flag.String("pairs", "BTC-USDT", "Comma-separated list of trading pairs")
	// interval selects the candle interval
	interval = flag.String("interval", "1m", "Candle interval (e.g. 1m, 5m, 1h)")
	// capacity defines how many recent candles each feed retains
	capacity = flag.Int("capacity", 150, "Number of recent candles to retain per pair")
	// maxPairs bounds the number of feeds one process runs
	maxPairs = flag.Int("max-pairs", 20, "Maximum number of trading pairs")
)

// main initializes the venue client, starts one feed per trading pair, serves
// the HTTP API and handles graceful shutdown.
func main() {
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	pairList := splitPairs(*pairs)
	if err := validateConfig(pairList); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := kucoin.NewClient(nil)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create venue client")
	}
	resolver := kucoin.NewSymbolResolver(client)

	feeds := make(map[string]api.FeedSource, len(pairList))
	started := make([]*feed.Feed, 0, len(pairList))
	for _, pair := range pairList {
		f, err := feed.New(client, resolver, pair, *interval, *capacity)
		if err != nil {
			log.Fatal().Err(err).Str("pair", pair).Msg("failed to create feed")
		}
		if err := f.Start(ctx); err != nil {
			log.Fatal().Err(err).Str("pair", pair).Msg("failed to start feed")
		}
		feeds[pair] = f
		started = append(started, f)
	}

	handler := api.NewHandler(feeds)
	server := &http.Server{
		Addr:    ":" + strconv.Itoa(*port),
		Handler: handler.SetupRoutes(),
	}

	// Graceful shutdown on SIGINT/SIGTERM: stop the feeds, then drain the
	// HTTP server.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info().Msg("initiating graceful shutdown")
		cancel()
		for _, f := range started {
			f.Stop()
		}
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("http server shutdown")
		}
	}()

	log.Info().
		Int("port", *port).
		Str("interval", *interval).
		Int("capacity", *capacity).
		Strs("pairs", pairList).
		Msg("server starting")

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("failed to serve")
	}
}

// validateConfig performs validation of command-line configuration
// parameters before any network activity starts.
func validateConfig(pairList []string) error {
	if *port <= 0 || *port > 65535 {
		return fmt.Errorf("port must be in 1-65535, got %d", *port)
	}
	if *capacity <= 0 {
		return fmt.Errorf("capacity must be greater than 0, got %d", *capacity)
	}
	if _, err := kucoin.LookupInterval(*interval); err != nil {
		return fmt.Errorf("%w (supported: %s)", err, strings.Join(kucoin.SupportedIntervals(), ", "))
	}
	return utils.ValidatePairs(pairList, *maxPairs)
}

func splitPairs(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
