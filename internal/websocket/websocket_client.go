// Package websocket provides the WebSocket client used for the venue's
// candle stream.
//
// The client manages the connection lifecycle: dialing, sending subscription
// frames, message dispatch, application-level keepalive, and graceful
// shutdown. Keepalive follows the venue protocol: a JSON ping frame must be
// sent whenever the connection has been idle for the advertised interval,
// while inbound traffic keeps the connection warm without extra pings.
package websocket

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	// defaultSendTimeout defines the default timeout for WebSocket write operations.
	defaultSendTimeout = 5 * time.Second

	// defaultReadLimit defines the maximum size of incoming WebSocket messages.
	defaultReadLimit = 1 << 20 // 1MB

	// defaultHandshakeTimeout defines the maximum time allowed for WebSocket handshake.
	defaultHandshakeTimeout = 10 * time.Second
)

var (
	// ErrClientShuttingDown indicates that the client is in the process of
	// shutting down.
	ErrClientShuttingDown = errors.New("client is shutting down")
)

// Config defines settings for the WebSocket client.
type Config struct {
	// Endpoint is the WebSocket URL to connect to.
	// Required: must be provided and non-empty.
	Endpoint string

	// Handler is the function called for each incoming WebSocket message.
	// A handler error is logged and the message dropped; the stream
	// continues. Required: must be provided and non-nil.
	Handler func([]byte) error

	// KeepaliveInterval is the maximum idle time before a ping frame is
	// sent. Required: must be positive.
	KeepaliveInterval time.Duration

	// PingMessage builds the venue's application-level ping frame. The
	// venue expects a JSON frame, not a WebSocket control ping.
	// Required: must be provided and non-nil.
	PingMessage func() []byte

	// SubscriptionMessages contains messages to send immediately after
	// connection.
	SubscriptionMessages [][]byte

	// SendTimeout is the maximum time allowed for WebSocket write operations.
	SendTimeout time.Duration

	// TLSInsecureSkip disables TLS certificate verification.
	TLSInsecureSkip bool
}

// Client wraps a websocket.Conn with lifecycle, dispatch and keepalive logic.
//
// One Client corresponds to one connection; reconnection is the owner's
// responsibility. The keepalive state (time of last contact) is owned by the
// instance, so multiple concurrent clients stay independent.
type Client struct {
	cfg  *Config
	conn *websocket.Conn

	// lastContact is the time of the last inbound message or sent ping,
	// owned exclusively by the run loop.
	lastContact time.Time

	// messages carries frames from the read pump to the run loop.
	messages chan []byte

	// disconnect signals when the WebSocket connection is lost.
	disconnect chan struct{}

	// errChan reports the terminal error that ended the connection.
	errChan chan error

	ctx     context.Context
	cancel  context.CancelFunc
	once    sync.Once
	wg      sync.WaitGroup
	readErr error
	readMu  sync.Mutex
}

// NewClient returns a connected WebSocket client. It dials the endpoint,
// sends the configured subscription messages, and starts the read pump and
// the keepalive run loop.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("endpoint URL is required")
	}
	if cfg.Handler == nil {
		return nil, errors.New("message handler is required")
	}
	if cfg.PingMessage == nil {
		return nil, errors.New("ping message builder is required")
	}
	if cfg.KeepaliveInterval <= 0 {
		return nil, errors.New("keepalive interval must be positive")
	}
	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = defaultSendTimeout
	}

	ctx, cancel := context.WithCancel(ctx)

	client := &Client{
		cfg:        &cfg,
		ctx:        ctx,
		cancel:     cancel,
		messages:   make(chan []byte, 256),
		disconnect: make(chan struct{}),
		errChan:    make(chan error, 1),
	}

	if err := client.run(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start client: %w", err)
	}

	return client, nil
}

// run establishes the connection, sends subscriptions and starts goroutines.
func (c *Client) run() error {
	logger := log.With().Str("endpoint", c.cfg.Endpoint).Logger()

	conn, err := c.dial(c.ctx)
	if err != nil {
		return fmt.Errorf("initial dial failed: %w", err)
	}
	c.conn = conn
	conn.SetReadLimit(defaultReadLimit)

	for _, msg := range c.cfg.SubscriptionMessages {
		if err := c.writeMessage(msg); err != nil {
			logger.Error().Err(err).Msg("subscription error")
			conn.Close()
			return err
		}
	}

	c.lastContact = time.Now()

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.readPump()
	}()
	go func() {
		defer c.wg.Done()
		c.runLoop()
	}()

	return nil
}

// readPump continuously reads frames from the connection into the message
// channel. It owns all reads; any read error terminates the connection.
func (c *Client) readPump() {
	logger := log.With().Str("endpoint", c.cfg.Endpoint).Logger()

	defer close(c.messages)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() != nil {
				c.setReadErr(ErrClientShuttingDown)
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Info().Err(err).Msg("websocket closed normally")
			} else if websocket.IsUnexpectedCloseError(err) {
				logger.Warn().Err(err).Msg("unexpected websocket closure")
			} else {
				logger.Error().Err(err).Msg("read error")
			}
			c.setReadErr(err)
			return
		}

		select {
		case c.messages <- data:
		case <-c.ctx.Done():
			c.setReadErr(ErrClientShuttingDown)
			return
		}
	}
}

// runLoop is the single continuously-running race between "receive" and
// "keepalive deadline". A message arriving first is dispatched to the
// handler and refreshes the deadline; the deadline elapsing first sends
// exactly one ping frame before the next wait begins. Messages arriving
// faster than the keepalive interval therefore suppress pings entirely.
func (c *Client) runLoop() {
	logger := log.With().
		Str("endpoint", c.cfg.Endpoint).
		Dur("keepalive", c.cfg.KeepaliveInterval).
		Logger()

	timer := time.NewTimer(c.cfg.KeepaliveInterval)
	defer timer.Stop()

	defer func() {
		close(c.disconnect)
		select {
		case c.errChan <- c.getReadErr():
		default:
		}
	}()

	for {
		deadline := c.cfg.KeepaliveInterval - time.Since(c.lastContact)
		if deadline < 0 {
			deadline = 0
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(deadline)

		select {
		case <-c.ctx.Done():
			return

		case data, ok := <-c.messages:
			if !ok {
				return
			}
			c.lastContact = time.Now()
			if err := c.cfg.Handler(data); err != nil {
				logger.Error().Err(err).Msg("error handling websocket message")
			}

		case <-timer.C:
			if err := c.writeMessage(c.cfg.PingMessage()); err != nil {
				logger.Warn().Err(err).Msg("ping error")
			} else {
				logger.Debug().Msg("ping sent")
			}
			c.lastContact = time.Now()
		}
	}
}

// writeMessage sends one text frame with the configured send timeout.
// Writes come only from run (subscriptions) and runLoop (pings), never
// concurrently.
func (c *Client) writeMessage(data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.SendTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close gracefully shuts down the client. Safe to call multiple times.
func (c *Client) Close() {
	c.once.Do(func() {
		logger := log.With().Str("endpoint", c.cfg.Endpoint).Logger()
		logger.Info().Msg("closing websocket client")

		c.cancel()

		if err := c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		); err != nil {
			logger.Debug().Err(err).Msg("failed to send close frame")
		}
		if err := c.conn.Close(); err != nil {
			logger.Debug().Err(err).Msg("error closing websocket connection")
		}

		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			logger.Warn().Msg("timeout waiting for goroutines to complete")
		}
	})
}

// dial establishes the WebSocket connection.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: c.cfg.TLSInsecureSkip},
		HandshakeTimeout: defaultHandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, c.cfg.Endpoint, nil)
	if err != nil {
		if resp != nil {
			log.Error().Err(err).Int("statusCode", resp.StatusCode).
				Str("endpoint", c.cfg.Endpoint).Msg("websocket connection failed")
		} else {
			log.Error().Err(err).Str("endpoint", c.cfg.Endpoint).Msg("websocket connection failed")
		}
		return nil, err
	}
	return conn, nil
}

// DisconnectChan returns a channel that is closed when the connection is lost.
func (c *Client) DisconnectChan() <-chan struct{} {
	return c.disconnect
}

// ErrChan returns a channel that emits the terminal read error.
func (c *Client) ErrChan() <-chan error {
	return c.errChan
}

func (c *Client) setReadErr(err error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	if c.readErr == nil {
		c.readErr = err
	}
}

func (c *Client) getReadErr() error {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	if c.readErr == nil {
		return ErrClientShuttingDown
	}
	return c.readErr
}
