// Package feed wires the venue client, the websocket stream and the candle
// window into one feed instance per trading pair and interval.
//
// A feed runs two cooperating loops tied to one lifecycle: the stream loop
// (connection bootstrap, subscription, live merges, keepalive) and the
// history backfill loop, triggered exactly once by the first live candle.
// Consumers read the feed through Snapshot/Ready/Name/IntervalSeconds only.
package feed

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"candlefeed/internal/candles"
	"candlefeed/internal/kucoin"
	"candlefeed/internal/model"
	"candlefeed/internal/websocket"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientHistory indicates the venue did not have enough candle
	// history to fill the window within the backfill request budget. The
	// condition is fatal for the feed instance: backfilling stops
	// permanently and the feed never becomes ready.
	ErrInsufficientHistory = errors.New("insufficient venue history")
)

const (
	candleTopicPrefix = "/contractMarket/limitCandle:"

	// backfillRetryDelay is the fixed wait before retrying a transiently
	// failed history request. The retry does not consume budget.
	backfillRetryDelay = time.Second

	reconnectBackoffStart = time.Second
	reconnectBackoffCap   = 30 * time.Second
)

// Feed maintains a bounded, gap-free window of the most recent candles for
// one trading pair, reconciled from the venue's REST history and live
// websocket stream.
//
// Venue property, preserved on purpose: the candle channel only pushes when a
// trade occurs. During trade-free stretches the window stops advancing until
// the next trade, and an illiquid pair that never ticks never triggers the
// backfill and never becomes ready.
type Feed struct {
	pair     string
	interval kucoin.Interval
	window   *candles.Window

	client   *kucoin.Client
	resolver *kucoin.SymbolResolver

	state        atomic.Int32
	backfillOnce sync.Once
	started      atomic.Bool
	cancel       context.CancelFunc
	done         chan struct{}

	fatalMu  sync.RWMutex
	fatalErr error

	logger zerolog.Logger
}

// New creates a feed for a trading pair ("BTC-USDT"), a human interval name
// ("1m") and a window capacity. Unsupported intervals fail fast with
// kucoin.ErrUnsupportedInterval and are never retried.
func New(client *kucoin.Client, resolver *kucoin.SymbolResolver, pair, intervalName string, capacity int) (*Feed, error) {
	interval, err := kucoin.LookupInterval(intervalName)
	if err != nil {
		return nil, err
	}
	if capacity < 1 {
		return nil, fmt.Errorf("capacity must be positive, got %d", capacity)
	}

	f := &Feed{
		pair:     pair,
		interval: interval,
		window:   candles.NewWindow(capacity),
		client:   client,
		resolver: resolver,
		done:     make(chan struct{}),
		logger: log.With().
			Str("feed", fmt.Sprintf("kucoin_perpetual_%s", pair)).
			Str("interval", intervalName).
			Logger(),
	}
	f.state.Store(int32(model.StateConnecting))
	return f, nil
}

// Start launches the feed's stream loop. It returns an error if the feed was
// already started; connection errors are handled inside the loop.
func (f *Feed) Start(ctx context.Context) error {
	if !f.started.CompareAndSwap(false, true) {
		return errors.New("feed already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	f.cancel = cancel

	go f.run(ctx)
	return nil
}

// Stop cancels both feed loops. The window retains its contents but stops
// updating.
func (f *Feed) Stop() {
	if !f.started.Load() {
		return
	}
	if f.cancel != nil {
		f.cancel()
	}
	<-f.done
}

// Snapshot returns a detached copy of the candle window in ascending
// timestamp order. This, together with Ready, Name and IntervalSeconds, is
// the only surface downstream consumers may use.
func (f *Feed) Snapshot() []model.CandleRecord {
	return f.window.Snapshot()
}

// Ready reports whether the window holds its full capacity of candles. A
// feed that hit a fatal condition reports false indefinitely.
func (f *Feed) Ready() bool {
	if f.Err() != nil {
		return false
	}
	return f.window.Ready()
}

// Name identifies the feed, e.g. "kucoin_perpetual_BTC-USDT".
func (f *Feed) Name() string {
	return fmt.Sprintf("kucoin_perpetual_%s", f.pair)
}

// Pair returns the human trading pair this feed tracks.
func (f *Feed) Pair() string {
	return f.pair
}

// IntervalSeconds returns the candle interval length in seconds.
func (f *Feed) IntervalSeconds() int64 {
	return f.interval.Seconds
}

// State returns the current connection lifecycle state.
func (f *Feed) State() model.FeedState {
	return model.FeedState(f.state.Load())
}

// Err returns the fatal error that stopped the feed, or nil.
func (f *Feed) Err() error {
	f.fatalMu.RLock()
	defer f.fatalMu.RUnlock()
	return f.fatalErr
}

// run is the connection owner: it establishes stream sessions and reconnects
// with backoff on transport errors, until the context is cancelled or a
// fatal condition is hit.
func (f *Feed) run(ctx context.Context) {
	defer close(f.done)

	backoff := reconnectBackoffStart
	for {
		if ctx.Err() != nil {
			return
		}

		streamed, err := f.streamOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if f.Err() != nil {
			// Fatal condition recorded by a loop; stop for good.
			return
		}
		if errors.Is(err, kucoin.ErrSymbolNotFound) {
			f.fail(err)
			return
		}

		if streamed {
			backoff = reconnectBackoffStart
		}
		f.setState(model.StateReconnecting)
		f.logger.Warn().Err(err).Dur("backoff", backoff).Msg("stream ended, reconnecting")

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < reconnectBackoffCap {
			backoff *= 2
		}
	}
}

// streamOnce runs one full stream session: resolve the symbol, bootstrap a
// connection descriptor, subscribe and consume until the connection drops.
// The returned bool reports whether streaming was established.
func (f *Feed) streamOnce(ctx context.Context) (bool, error) {
	f.setState(model.StateConnecting)

	symbol, err := f.resolver.Resolve(ctx, f.pair)
	if err != nil {
		return false, err
	}

	descriptor, err := f.client.BulletPublic(ctx)
	if err != nil {
		return false, fmt.Errorf("websocket bootstrap: %w", err)
	}

	topic := candleTopicPrefix + symbol + "_" + f.interval.TopicSuffix

	f.setState(model.StateSubscribing)
	ws, err := websocket.NewClient(ctx, websocket.Config{
		Endpoint: descriptor.Endpoint + "?token=" + descriptor.Token,
		Handler:  f.messageHandler(ctx, symbol),
		// 80% of the advertised interval leaves margin before the venue's
		// idle timeout.
		KeepaliveInterval:    descriptor.PingInterval * 8 / 10,
		PingMessage:          pingFrame,
		SubscriptionMessages: [][]byte{subscribeFrame(topic)},
	})
	if err != nil {
		return false, err
	}
	defer ws.Close()

	f.setState(model.StateStreaming)
	f.logger.Info().Str("topic", topic).Msg("subscribed to public klines")

	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case err := <-ws.ErrChan():
		return true, err
	}
}

// messageHandler returns the per-message callback for one stream session.
// Malformed payloads are protocol errors: reported, dropped, stream
// continues.
func (f *Feed) messageHandler(ctx context.Context, symbol string) func([]byte) error {
	return func(data []byte) error {
		record, ok, err := parseCandleMessage(data)
		if err != nil {
			return fmt.Errorf("candle payload: %w", err)
		}
		if !ok {
			// welcome/ack/pong frames carry no candle payload
			return nil
		}

		if result := f.window.Merge(record); result == candles.MergeFirst {
			f.backfillOnce.Do(func() {
				go f.fillHistory(ctx, symbol)
			})
		}
		return nil
	}
}

// fillHistory walks venue history backward from the oldest known record
// until the window is full. It budgets itself to ceil(capacity/pageSize)+1
// successful requests; transient failures retry the same request after a
// fixed delay without consuming budget; exhausting the budget while still
// short is fatal for the feed.
func (f *Feed) fillHistory(ctx context.Context, symbol string) {
	capacity := f.window.Capacity()
	budget := (capacity+kucoin.MaxKlinesPerRequest-1)/kucoin.MaxKlinesPerRequest + 1
	executed := 0

	for !f.window.Ready() {
		if ctx.Err() != nil {
			return
		}
		if executed >= budget {
			f.fail(fmt.Errorf("%w: window still at %d/%d after %d requests",
				ErrInsufficientHistory, f.window.Len(), capacity, executed))
			return
		}

		oldest, ok := f.window.OldestTimestamp()
		if !ok {
			// Backfill is only triggered by the first merged record, so the
			// window cannot be empty here.
			return
		}

		// One page ending at the oldest known record; the +1 covers the
		// boundary record the window will exclude.
		missing := capacity - f.window.Len()
		limit := missing + 1
		if limit > kucoin.MaxKlinesPerRequest {
			limit = kucoin.MaxKlinesPerRequest
		}
		from := oldest - int64(limit)*f.interval.Millis()

		records, err := f.client.Klines(ctx, symbol, f.interval.Granularity, from, oldest)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			f.logger.Warn().Err(err).
				Dur("retryIn", backfillRetryDelay).
				Msg("error fetching historical klines, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backfillRetryDelay):
			}
			continue
		}

		executed++
		inserted := f.window.BackfillPrepend(records)
		f.logger.Debug().
			Int("fetched", len(records)).
			Int("inserted", inserted).
			Int("windowLen", f.window.Len()).
			Msg("backfill page applied")
	}

	f.logger.Info().Int("candles", f.window.Len()).Msg("historical backfill complete")
}

// fail records a fatal condition and stops the feed. The feed surfaces
// Ready() == false indefinitely; it does not crash the consuming process.
func (f *Feed) fail(err error) {
	f.fatalMu.Lock()
	if f.fatalErr == nil {
		f.fatalErr = err
	}
	f.fatalMu.Unlock()

	f.setState(model.StateFailed)
	f.logger.Error().Err(err).Msg("feed entered fatal state")
	if f.cancel != nil {
		f.cancel()
	}
}

func (f *Feed) setState(state model.FeedState) {
	f.state.Store(int32(state))
}

// wsSubscribeRequest is the venue's channel subscription frame.
type wsSubscribeRequest struct {
	ID             string `json:"id"`
	Type           string `json:"type"`
	Topic          string `json:"topic"`
	PrivateChannel bool   `json:"privateChannel"`
	Response       bool   `json:"response"`
}

// wsPingRequest is the venue's application-level ping frame.
type wsPingRequest struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// wsCandleMessage is the envelope of inbound stream frames. Only frames with
// a populated data.candles array carry candle payloads; welcome, ack and
// pong frames are passed through without one.
type wsCandleMessage struct {
	Type    string `json:"type"`
	Subject string `json:"subject"`
	Topic   string `json:"topic"`
	Data    struct {
		Symbol  string   `json:"symbol"`
		Candles []string `json:"candles"`
		Time    int64    `json:"time"`
	} `json:"data"`
}

func subscribeFrame(topic string) []byte {
	frame, _ := json.Marshal(wsSubscribeRequest{
		ID:             uuid.NewString(),
		Type:           "subscribe",
		Topic:          topic,
		PrivateChannel: false,
		Response:       true,
	})
	return frame
}

func pingFrame() []byte {
	frame, _ := json.Marshal(wsPingRequest{
		ID:   uuid.NewString(),
		Type: "ping",
	})
	return frame
}

// parseCandleMessage decodes one stream frame. The second return value
// reports whether the frame carried a candle payload.
func parseCandleMessage(data []byte) (model.CandleRecord, bool, error) {
	var msg wsCandleMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return model.CandleRecord{}, false, err
	}
	if len(msg.Data.Candles) == 0 {
		return model.CandleRecord{}, false, nil
	}
	record, err := candleFromStreamRow(msg.Data.Candles)
	if err != nil {
		return model.CandleRecord{}, false, err
	}
	return record, true, nil
}

// candleFromStreamRow remaps one stream candle row into a CandleRecord.
//
// Stream row layout (string fields, timestamp in SECONDS unlike the REST
// path's milliseconds):
//
//	[0] timestamp  (Unix seconds, period open)
//	[1] open
//	[2] close
//	[3] high
//	[4] low
//	[5] volume     (base asset)
func candleFromStreamRow(row []string) (model.CandleRecord, error) {
	if len(row) < 6 {
		return model.CandleRecord{}, fmt.Errorf("row has %d fields, want >=6", len(row))
	}

	seconds, err := strconv.ParseInt(row[0], 10, 64)
	if err != nil {
		return model.CandleRecord{}, fmt.Errorf("timestamp: %w", err)
	}

	fields := make([]decimal.Decimal, 5)
	for i, name := range []string{"open", "close", "high", "low", "volume"} {
		value, err := decimal.NewFromString(row[i+1])
		if err != nil {
			return model.CandleRecord{}, fmt.Errorf("%s: %w", name, err)
		}
		fields[i] = value
	}

	record := model.CandleRecord{
		Timestamp: seconds * 1000,
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
