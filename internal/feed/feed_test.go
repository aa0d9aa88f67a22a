package feed

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"candlefeed/internal/kucoin"
	"candlefeed/internal/model"

	json "github.com/goccy/go-json"
	gws "github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeVenue stands in for the whole venue: the REST endpoints used for
// instrument discovery, history and websocket bootstrap, plus the websocket
// stream itself.
type fakeVenue struct {
	t          *testing.T
	restServer *httptest.Server
	wsServer   *httptest.Server
	upgrader   gws.Upgrader

	mu      sync.Mutex
	wsConn  *gws.Conn
	wsReady chan struct{}

	contractsBody string
	klinesFn      func(to int64) string
	klineCalls    atomic.Int32
	klineFailures atomic.Int32
}

func newFakeVenue(t *testing.T) *fakeVenue {
	t.Helper()

	v := &fakeVenue{
		t:       t,
		wsReady: make(chan struct{}, 16),
		contractsBody: `[
			{"symbol":"XBTUSDTM","baseCurrency":"XBT","quoteCurrency":"USDT"},
			{"symbol":"ETHUSDTM","baseCurrency":"ETH","quoteCurrency":"USDT"}
		]`,
		klinesFn: func(int64) string { return "[]" },
	}

	v.wsServer = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := v.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		v.mu.Lock()
		v.wsConn = conn
		v.mu.Unlock()
		v.wsReady <- struct{}{}

		// Drain subscription and ping frames; the stream is push-driven
		// from the test body.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(v.wsServer.Close)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/contracts/active", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"code":"200000","data":%s}`, v.contractsBody)
	})
	mux.HandleFunc("/api/v1/bullet-public", func(w http.ResponseWriter, r *http.Request) {
		endpoint := "ws" + strings.TrimPrefix(v.wsServer.URL, "http")
		fmt.Fprintf(w, `{"code":"200000","data":{"token":"test-token","instanceServers":[{"endpoint":"%s","pingInterval":600000}]}}`, endpoint)
	})
	mux.HandleFunc("/api/v1/kline/query", func(w http.ResponseWriter, r *http.Request) {
		if v.klineFailures.Load() > 0 {
			v.klineFailures.Add(-1)
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		v.klineCalls.Add(1)
		to, err := strconv.ParseInt(r.URL.Query().Get("to"), 10, 64)
		require.NoError(v.t, err)
		fmt.Fprintf(w, `{"code":"200000","data":%s}`, v.klinesFn(to))
	})
	v.restServer = httptest.NewServer(mux)
	t.Cleanup(v.restServer.Close)

	return v
}

// pushCandle sends one limitCandle stream frame for a period opening at the
// given Unix second.
func (v *fakeVenue) pushCandle(tsSeconds int64, close string) {
	select {
	case <-v.wsReady:
	case <-time.After(3 * time.Second):
		v.t.Fatal("websocket connection never established")
	}
	v.wsReady <- struct{}{}

	frame := fmt.Sprintf(
		`{"type":"message","subject":"candle.stick","topic":"/contractMarket/limitCandle:XBTUSDTM_1min",`+
			`"data":{"symbol":"XBTUSDTM","candles":["%d","100","%s","110","90","5"],"time":%d}}`,
		tsSeconds, close, tsSeconds*1000)

	v.mu.Lock()
	defer v.mu.Unlock()
	require.NoError(v.t, v.wsConn.WriteMessage(gws.TextMessage, []byte(frame)))
}

// klinesPage renders a REST kline page of ascending one-minute rows ending at
// endMs inclusive.
func klinesPage(endMs int64, count int) string {
	rows := make([]string, 0, count)
	for i := count - 1; i >= 0; i-- {
		ts := endMs - int64(i)*60_000
		rows = append(rows, fmt.Sprintf(`[%d, 100, 101, 110, 90, 5]`, ts))
	}
	return "[" + strings.Join(rows, ",") + "]"
}

func newTestFeed(t *testing.T, venue *fakeVenue, pair string, capacity int) *Feed {
	t.Helper()

	client, err := kucoin.NewClient(&kucoin.Config{BaseURL: venue.restServer.URL})
	require.NoError(t, err)

	f, err := New(client, kucoin.NewSymbolResolver(client), pair, "1m", capacity)
	require.NoError(t, err)
	return f
}

// waitFor polls the condition until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, condition func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func Test_New(t *testing.T) {
	venue := newFakeVenue(t)
	client, err := kucoin.NewClient(&kucoin.Config{BaseURL: venue.restServer.URL})
	require.NoError(t, err)
	resolver := kucoin.NewSymbolResolver(client)

	tests := []struct {
		name     string
		interval string
		capacity int
		wantErr  error
	}{
		{
			name:     "Valid configuration",
			interval: "1m",
			capacity: 100,
		},
		{
			name:     "Unsupported interval fails fast",
			interval: "7m",
			capacity: 100,
			wantErr:  kucoin.ErrUnsupportedInterval,
		},
		{
			name:     "Non-positive capacity rejected",
			interval: "1m",
			capacity: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := New(client, resolver, "BTC-USDT", tt.interval, tt.capacity)

			if tt.interval == "1m" && tt.capacity > 0 {
				require.NoError(t, err)
				assert.Equal(t, "kucoin_perpetual_BTC-USDT", f.Name())
				assert.Equal(t, "BTC-USDT", f.Pair())
				assert.Equal(t, int64(60), f.IntervalSeconds())
				assert.Equal(t, model.StateConnecting, f.State())
				assert.False(t, f.Ready())
				return
			}
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

// Test_Feed_ColdStartToReady walks the full bootstrap: the first live candle
// triggers one history request whose page fills the window behind it, the
// feed becomes ready, and later live updates replace the in-progress period
// and roll the window forward.
func Test_Feed_ColdStartToReady(t *testing.T) {
	venue := newFakeVenue(t)
	venue.klinesFn = func(to int64) string { return klinesPage(to, 5) }

	f := newTestFeed(t, venue, "BTC-USDT", 5)
	require.NoError(t, f.Start(context.Background()))
	defer f.Stop()

	const liveSec = int64(1_700_000_240)
	venue.pushCandle(liveSec, "101.5")

	waitFor(t, 3*time.Second, f.Ready, "feed never became ready")

	snapshot := f.Snapshot()
	require.Len(t, snapshot, 5)
	for i, record := range snapshot {
		assert.Equal(t, (liveSec-int64(4-i)*60)*1000, record.Timestamp)
	}
	assert.True(t, snapshot[4].Close.Equal(decimal.NewFromFloat(101.5)))
	assert.Equal(t, int32(1), venue.klineCalls.Load(), "one history page should suffice")
	assert.Equal(t, model.StateStreaming, f.State())

	// In-progress period update replaces the newest record in place.
	venue.pushCandle(liveSec, "104.25")
	waitFor(t, time.Second, func() bool {
		s := f.Snapshot()
		return len(s) == 5 && s[4].Close.Equal(decimal.NewFromFloat(104.25))
	}, "in-progress update not applied")

	// A new period evicts the oldest record.
	venue.pushCandle(liveSec+60, "105")
	waitFor(t, time.Second, func() bool {
		s := f.Snapshot()
		return len(s) == 5 && s[4].Timestamp == (liveSec+60)*1000
	}, "new period not appended")

	snapshot = f.Snapshot()
	assert.Equal(t, (liveSec-3*60)*1000, snapshot[0].Timestamp, "oldest record should be evicted")
	assert.True(t, f.Ready())
}

// Test_Feed_BackfillTriggersOnce verifies additional live candles do not
// spawn additional backfill loops.
func Test_Feed_BackfillTriggersOnce(t *testing.T) {
	venue := newFakeVenue(t)
	venue.klinesFn = func(to int64) string { return klinesPage(to, 4) }

	f := newTestFeed(t, venue, "BTC-USDT", 3)
	require.NoError(t, f.Start(context.Background()))
	defer f.Stop()

	venue.pushCandle(1_700_000_240, "101")
	venue.pushCandle(1_700_000_300, "102")
	venue.pushCandle(1_700_000_360, "103")

	waitFor(t, 3*time.Second, f.Ready, "feed never became ready")
	time.Sleep(100 * time.Millisecond)

	assert.LessOrEqual(t, venue.klineCalls.Load(), int32(1))
}

// Test_Feed_InsufficientHistoryIsFatal drives the backfill loop into budget
// exhaustion: every history page yields one record, so the window is still
// short when the request budget runs out, and the feed fails permanently.
func Test_Feed_InsufficientHistoryIsFatal(t *testing.T) {
	venue := newFakeVenue(t)
	// One row per page, always the boundary minus one period.
	venue.klinesFn = func(to int64) string { return klinesPage(to-60_000, 1) }

	// Capacity 5: budget is ceil(5/200)+1 = 2 successful requests.
	f := newTestFeed(t, venue, "BTC-USDT", 5)
	require.NoError(t, f.Start(context.Background()))
	defer f.Stop()

	venue.pushCandle(1_700_000_240, "101")

	waitFor(t, 3*time.Second, func() bool { return f.Err() != nil },
		"feed never entered fatal state")

	assert.ErrorIs(t, f.Err(), ErrInsufficientHistory)
	assert.Equal(t, model.StateFailed, f.State())
	assert.False(t, f.Ready(), "a failed feed must never report ready")
	assert.Equal(t, int32(2), venue.klineCalls.Load(), "budget is two successful requests")

	// All progress made before the failure is retained.
	assert.Equal(t, 3, len(f.Snapshot()))
}

// Test_Feed_BackfillRetriesTransientFailures verifies a failed history
// request is retried without consuming budget.
func Test_Feed_BackfillRetriesTransientFailures(t *testing.T) {
	venue := newFakeVenue(t)
	venue.klinesFn = func(to int64) string { return klinesPage(to, 5) }
	venue.klineFailures.Store(1)

	f := newTestFeed(t, venue, "BTC-USDT", 5)
	require.NoError(t, f.Start(context.Background()))
	defer f.Stop()

	venue.pushCandle(1_700_000_240, "101")

	waitFor(t, 5*time.Second, f.Ready, "feed did not recover from transient history failure")
	assert.NoError(t, f.Err())
}

// Test_Feed_UnknownSymbolIsFatal verifies a pair missing from the venue's
// instrument list fails the feed permanently instead of reconnecting.
func Test_Feed_UnknownSymbolIsFatal(t *testing.T) {
	venue := newFakeVenue(t)

	f := newTestFeed(t, venue, "DOGE-USDT", 5)
	require.NoError(t, f.Start(context.Background()))
	defer f.Stop()

	waitFor(t, 3*time.Second, func() bool { return f.Err() != nil },
		"feed never entered fatal state")

	assert.ErrorIs(t, f.Err(), kucoin.ErrSymbolNotFound)
	assert.Equal(t, model.StateFailed, f.State())
	assert.False(t, f.Ready())
	assert.Empty(t, f.Snapshot())
}

func Test_Feed_StartTwiceFails(t *testing.T) {
	venue := newFakeVenue(t)

	f := newTestFeed(t, venue, "BTC-USDT", 5)
	require.NoError(t, f.Start(context.Background()))
	defer f.Stop()

	assert.Error(t, f.Start(context.Background()))
}

func Test_Feed_StopWithoutStart(t *testing.T) {
	venue := newFakeVenue(t)

	f := newTestFeed(t, venue, "BTC-USDT", 5)

	// Must not block.
	f.Stop()
}

func Test_Feed_StopRetainsWindow(t *testing.T) {
	venue := newFakeVenue(t)
	venue.klinesFn = func(to int64) string { return klinesPage(to, 5) }

	f := newTestFeed(t, venue, "BTC-USDT", 5)
	require.NoError(t, f.Start(context.Background()))

	venue.pushCandle(1_700_000_240, "101")
	waitFor(t, 3*time.Second, f.Ready, "feed never became ready")

	f.Stop()

	assert.Len(t, f.Snapshot(), 5)
}

func Test_ParseCandleMessage(t *testing.T) {
	tests := []struct {
		name        string
		payload     string
		wantCandle  bool
		wantErr     bool
		description string
	}{
		{
			name: "Candle message",
			payload: `{"type":"message","subject":"candle.stick","topic":"/contractMarket/limitCandle:XBTUSDTM_1min",
				"data":{"symbol":"XBTUSDTM","candles":["1700000240","100","101.5","110","90","5"],"time":1700000240000}}`,
			wantCandle: true,
		},
		{
			name:        "Welcome frame",
			payload:     `{"id":"abc","type":"welcome"}`,
			wantCandle:  false,
			description: "Connection handshake frames carry no candle payload",
		},
		{
			name:       "Ack frame",
			payload:    `{"id":"abc","type":"ack"}`,
			wantCandle: false,
		},
		{
			name:       "Pong frame",
			payload:    `{"id":"abc","type":"pong"}`,
			wantCandle: false,
		},
		{
			name:    "Malformed JSON",
			payload: `{"type":"message","data":`,
			wantErr: true,
		},
		{
			name: "Candle row with bad number",
			payload: `{"type":"message","data":{"symbol":"XBTUSDTM",
				"candles":["1700000240","abc","101","110","90","5"],"time":1700000240000}}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			record, ok, err := parseCandleMessage([]byte(tt.payload))

			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.wantCandle, ok, tt.description)
			if tt.wantCandle {
				assert.Equal(t, int64(1700000240000), record.Timestamp)
				assert.True(t, record.Close.Equal(decimal.NewFromFloat(101.5)))
			}
		})
	}
}

// Test_CandleFromStreamRow pins the stream row remapping: second-resolution
// timestamps scale to milliseconds and the field order is
// open-close-high-low, not open-high-low-close.
func Test_CandleFromStreamRow(t *testing.T) {
	record, err := candleFromStreamRow([]string{"1700000240", "100.5", "101.25", "102", "99.75", "3.5"})

	require.NoError(t, err)
	assert.Equal(t, int64(1700000240000), record.Timestamp)
	assert.True(t, record.Open.Equal(decimal.NewFromFloat(100.5)), "open")
	assert.True(t, record.Close.Equal(decimal.NewFromFloat(101.25)), "close")
	assert.True(t, record.High.Equal(decimal.NewFromFloat(102)), "high")
	assert.True(t, record.Low.Equal(decimal.NewFromFloat(99.75)), "low")
	assert.True(t, record.Volume.Equal(decimal.NewFromFloat(3.5)), "volume")
}

func Test_CandleFromStreamRow_Invalid(t *testing.T) {
	tests := []struct {
		name string
		row  []string
	}{
		{
			name: "Too few fields",
			row:  []string{"1700000240", "100", "101"},
		},
		{
			name: "Non-numeric timestamp",
			row:  []string{"now", "100", "101", "110", "90", "5"},
		},
		{
			name: "High below low",
			row:  []string{"1700000240", "100", "101", "90", "110", "5"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := candleFromStreamRow(tt.row)
			assert.Error(t, err)
		})
	}
}

func Test_SubscribeFrame(t *testing.T) {
	frame := subscribeFrame("/contractMarket/limitCandle:XBTUSDTM_1min")

	var req wsSubscribeRequest
	require.NoError(t, json.Unmarshal(frame, &req))
	assert.NotEmpty(t, req.ID)
	assert.Equal(t, "subscribe", req.Type)
	assert.Equal(t, "/contractMarket/limitCandle:XBTUSDTM_1min", req.Topic)
	assert.False(t, req.PrivateChannel)
	assert.True(t, req.Response)
}

func Test_PingFrame(t *testing.T) {
	frame := pingFrame()

	var req wsPingRequest
	require.NoError(t, json.Unmarshal(frame, &req))
	assert.NotEmpty(t, req.ID)
	assert.Equal(t, "ping", req.Type)
}
