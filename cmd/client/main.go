/*
Package main implements a polling client for the candle feed server.

The client periodically fetches the candle window for one trading pair from
the server's HTTP API and logs the newest candle. It supports graceful
shutdown via OS signals.

Usage:

	go run main.go -addr=http://localhost:8080 -symbol=BTC-USDT -poll=5s

The client will continuously poll and log candle data until interrupted.
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"candlefeed/internal/model"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// Command-line flags for configuring the client connection
var (
	// serverAddr specifies the feed server base URL
	serverAddr = flag.String("addr", "http://localhost:8080", "The server base URL")
	// symbol selects the trading pair to poll
	symbol = flag.String("symbol", "BTC-USDT", "Trading pair to poll")
	// pollEvery sets the polling cadence
	pollEvery = flag.Duration("poll", 5*time.Second, "Polling interval")
)

// candlesResponse mirrors the server's GET /candles payload.
type candlesResponse struct {
	Symbol          string               `json:"symbol"`
	Feed            string               `json:"feed"`
	IntervalSeconds int64                `json:"intervalSeconds"`
	Candles         []model.CandleRecord `json:"candles"`
}

func main() {
	flag.Parse()

	log := zerolog.New(os.Stdout).Level(zerolog.InfoLevel).With().Timestamp().Logger()

	if err := validateConfig(); err != nil {
		log.Fatal().Err(err).Msg("configuration error")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info().Msg("shutting down")
		cancel()
	}()

	httpClient := &http.Client{Timeout: 10 * time.Second}
	endpoint := *serverAddr + "/candles?symbol=" + url.QueryEscape(*symbol)

	ticker := time.NewTicker(*pollEvery)
	defer ticker.Stop()

	log.Info().Str("endpoint", endpoint).Msg("polling candle feed")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			poll(ctx, log, httpClient, endpoint)
		}
	}
}

func poll(ctx context.Context, log zerolog.Logger, httpClient *http.Client, endpoint string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		log.Error().Err(err).Msg("build request")
		return
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		log.Warn().Err(err).Msg("request failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusServiceUnavailable {
		log.Info().Msg("feed not ready yet")
		return
	}
	if resp.StatusCode != http.StatusOK {
		log.Warn().Int("status", resp.StatusCode).Msg("unexpected status")
		return
	}

	var payload candlesResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		log.Warn().Err(err).Msg("decode response")
		return
	}
	if len(payload.Candles) == 0 {
		return
	}

	newest := payload.Candles[len(payload.Candles)-1]
	log.Info().
		Str("feed", payload.Feed).
		Int("window", len(payload.Candles)).
		Int64("timestamp", newest.Timestamp).
		Str("open", newest.Open.String()).
		Str("high", newest.High.String()).
		Str("low", newest.Low.String()).
		Str("close", newest.Close.String()).
		Str("volume", newest.Volume.String()).
		Msg("newest candle")
}

// validateConfig ensures the flag values are usable before connecting.
func validateConfig() error {
	if *serverAddr == "" {
		return fmt.Errorf("addr cannot be empty")
	}
	if _, err := url.Parse(*serverAddr); err != nil {
		return fmt.Errorf("invalid addr: %w", err)
	}
	if *symbol == "" {
		return fmt.Errorf("symbol cannot be empty")
	}
	if *pollEvery <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	return nil
}
