// Package kucoin implements the KuCoin perpetual futures venue client: the
// REST endpoints used for instrument discovery, candle history and websocket
// connection bootstrap, the interval table shared by the REST and streaming
// paths, and the trading-pair symbol resolver.
package kucoin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"candlefeed/internal/model"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	// DefaultRESTURL is the production KuCoin futures REST endpoint.
	DefaultRESTURL = "https://api-futures.kucoin.com"

	contractsPath = "/api/v1/contracts/active"
	klinesPath    = "/api/v1/kline/query"
	bulletPath    = "/api/v1/bullet-public"
	timestampPath = "/api/v1/timestamp"

	// MaxKlinesPerRequest is the venue's maximum kline page size.
	MaxKlinesPerRequest = 200

	// successCode is the envelope code KuCoin returns on success.
	successCode = "200000"

	defaultHTTPTimeout = 10 * time.Second
)

var (
	// ErrInvalidConfig indicates that the provided Config contains invalid values.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Config provides configuration parameters for the venue client.
type Config struct {
	// BaseURL is the REST endpoint URL for the venue API.
	BaseURL string

	// HTTPTimeout is the per-request timeout applied when no client is supplied.
	HTTPTimeout time.Duration

	// HTTPClient optionally overrides the underlying HTTP client.
	HTTPClient *http.Client
}

// defaultConfig provides sensible defaults for KuCoin perpetual connections.
var defaultConfig = Config{
	BaseURL:     DefaultRESTURL,
	HTTPTimeout: defaultHTTPTimeout,
}

// Client is a minimal KuCoin perpetual REST client. It is safe for
// concurrent use; each call owns its request and response exclusively.
type Client struct {
	config     Config
	httpClient *http.Client
	validate   *validator.Validate
}

// NewClient creates a venue client with the specified configuration.
// A nil configuration selects production defaults.
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = &defaultConfig
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultConfig.BaseURL
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = defaultConfig.HTTPTimeout
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.HTTPTimeout}
	}

	return &Client{
		config:     *cfg,
		httpClient: httpClient,
		validate:   validator.New(),
	}, nil
}

// Contract describes one tradable instrument from the venue's active
// contract list.
type Contract struct {
	Symbol        string `json:"symbol" validate:"required"`
	BaseCurrency  string `json:"baseCurrency" validate:"required"`
	QuoteCurrency string `json:"quoteCurrency" validate:"required"`
}

// ConnectionDescriptor carries everything needed to open one websocket
// connection: the endpoint, a bearer token, and the server-advertised ping
// interval. It is valid only for the lifetime of a single connection and is
// never persisted.
type ConnectionDescriptor struct {
	Endpoint     string
	Token        string
	PingInterval time.Duration
}

// envelope is the common KuCoin response wrapper.
type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// bulletResponse is the wire shape of the bullet-public bootstrap data.
type bulletResponse struct {
	Token           string `json:"token" validate:"required"`
	InstanceServers []struct {
		Endpoint     string `json:"endpoint" validate:"required"`
		PingInterval int64  `json:"pingInterval" validate:"required,gt=0"`
	} `json:"instanceServers" validate:"required,min=1,dive"`
}

// ActiveContracts fetches the venue's full instrument list. The symbol
// resolver uses it to build the human pair to venue symbol mapping.
func (c *Client) ActiveContracts(ctx context.Context) ([]Contract, error) {
	data, err := c.get(ctx, contractsPath, nil)
	if err != nil {
		return nil, err
	}

	var contracts []Contract
	if err := json.Unmarshal(data, &contracts); err != nil {
		return nil, fmt.Errorf("kucoin: decode contracts: %w", err)
	}
	for i, contract := range contracts {
		if err := c.validate.Struct(&contract); err != nil {
			return nil, fmt.Errorf("kucoin: contract[%d] invalid: %w", i, err)
		}
	}
	return contracts, nil
}

// Klines fetches one page of candle history for a venue symbol, ending at
// endMs (Unix milliseconds, exclusive upper bound per venue semantics).
// startMs of zero omits the lower bound. Records are returned in ascending
// timestamp order, at most MaxKlinesPerRequest of them.
func (c *Client) Klines(ctx context.Context, symbol string, granularity int, startMs, endMs int64) ([]model.CandleRecord, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("granularity", strconv.Itoa(granularity))
	params.Set("to", strconv.FormatInt(endMs, 10))
	if startMs > 0 {
		params.Set("from", strconv.FormatInt(startMs, 10))
	}

	data, err := c.get(ctx, klinesPath, params)
	if err != nil {
		return nil, err
	}

	var rows [][]json.Number
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("kucoin: decode klines: %w", err)
	}

	records := make([]model.CandleRecord, 0, len(rows))
	for i, row := range rows {
		record, err := candleFromRESTRow(row)
		if err != nil {
			return nil, fmt.Errorf("kucoin: kline[%d]: %w", i, err)
		}
		records = append(records, record)
	}
	return records, nil
}

// BulletPublic performs the websocket bootstrap call and returns a
// connection descriptor built from the first advertised instance server.
func (c *Client) BulletPublic(ctx context.Context) (*ConnectionDescriptor, error) {
	data, err := c.post(ctx, bulletPath)
	if err != nil {
		return nil, err
	}

	var bullet bulletResponse
	if err := json.Unmarshal(data, &bullet); err != nil {
		return nil, fmt.Errorf("kucoin: decode bullet-public: %w", err)
	}
	if err := c.validate.Struct(&bullet); err != nil {
		return nil, fmt.Errorf("kucoin: bullet-public invalid: %w", err)
	}

	server := bullet.InstanceServers[0]
	return &ConnectionDescriptor{
		Endpoint:     server.Endpoint,
		Token:        bullet.Token,
		PingInterval: time.Duration(server.PingInterval) * time.Millisecond,
	}, nil
}

// ServerTime fetches the venue clock in Unix milliseconds. Used as a cheap
// network health probe.
func (c *Client) ServerTime(ctx context.Context) (int64, error) {
	data, err := c.get(ctx, timestampPath, nil)
	if err != nil {
		return 0, err
	}

	var ms int64
	if err := json.Unmarshal(data, &ms); err != nil {
		return 0, fmt.Errorf("kucoin: decode timestamp: %w", err)
	}
	return ms, nil
}

// candleFromRESTRow remaps one venue kline row into a CandleRecord.
//
// KuCoin kline row layout (note: NOT open-high-low-close order):
//
//	[0] timestamp   (Unix ms, period open)
//	[1] open
//	[2] close
//	[3] high
//	[4] low
//	[5] volume      (base asset)
//
// The venue does not report quote volume, trade count or taker buy volumes;
// those fields are zero.
func candleFromRESTRow(row []json.Number) (model.CandleRecord, error) {
	if len(row) < 6 {
		return model.CandleRecord{}, fmt.Errorf("row has %d fields, want >=6", len(row))
	}

	timestamp, err := row[0].Int64()
	if err != nil {
		return model.CandleRecord{}, fmt.Errorf("timestamp: %w", err)
	}

	fields := make([]decimal.Decimal, 5)
	for i, name := range []string{"open", "close", "high", "low", "volume"} {
		value, err := decimal.NewFromString(row[i+1].String())
		if err != nil {
			return model.CandleRecord{}, fmt.Errorf("%s: %w", name, err)
		}
		fields[i] = value
	}

	record := model.CandleRecord{
		Timestamp: timestamp,
		Open:      fields[0],
		Close:     fields[1],
		High:      fields[2],
		Low:       fields[3],
		Volume:    fields[4],
	}
	if err := record.Validate(); err != nil {
		return model.CandleRecord{}, err
	}
	return record, nil
}

// get performs a GET request against path and unwraps the response envelope.
func (c *Client) get(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	u := c.config.BaseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("kucoin: build request: %w", err)
	}
	return c.do(req)
}

// post performs a POST request with an empty body against path and unwraps
// the response envelope.
func (c *Client) post(ctx context.Context, path string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("kucoin: build request: %w", err)
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) (json.RawMessage, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kucoin: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("kucoin: %s %s: unexpected status %s", req.Method, req.URL.Path, resp.Status)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("kucoin: %s %s: decode envelope: %w", req.Method, req.URL.Path, err)
	}
	if env.Code != successCode {
		log.Warn().
			Str("path", req.URL.Path).
			Str("code", env.Code).
			Str("msg", env.Msg).
			Msg("venue returned error envelope")
		return nil, fmt.Errorf("kucoin: %s %s: venue error code %s: %s", req.Method, req.URL.Path, env.Code, env.Msg)
	}
	return env.Data, nil
}
