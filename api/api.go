// Package api exposes the candle feeds over HTTP.
//
// This is the read-only consumer surface: downstream indicator/strategy
// layers poll candle snapshots and readiness here instead of touching the
// feeds directly. Handlers, middleware and routing are split across files:
//   - api.go: handler struct, dependencies and routing (this file)
//   - handler.go: HTTP request handlers
//   - middleware.go: request ID, logging and CORS middleware
package api

import (
	"strconv"

	"candlefeed/internal/model"

	"github.com/gin-gonic/gin"
)

const (
	// RequestIDContextKey is the gin context key the request ID is stored under.
	RequestIDContextKey = "request_id"

	// RequestIDHeaderKey is the header the request ID is read from and echoed to.
	RequestIDHeaderKey = "X-Request-ID"

	// ServiceName identifies the service in health responses.
	ServiceName = "candle-feed-service"
)

// FeedSource is the read-only view of one candle feed. It mirrors the only
// interface downstream consumers are allowed to use.
type FeedSource interface {
	Snapshot() []model.CandleRecord
	Ready() bool
	Name() string
	IntervalSeconds() int64
	State() model.FeedState
	Err() error
}

// Handler serves the HTTP API over a fixed registry of feeds keyed by
// trading pair.
type Handler struct {
	feeds map[string]FeedSource
}

// NewHandler creates an API handler over the given pair -> feed registry.
func NewHandler(feeds map[string]FeedSource) *Handler {
	return &Handler{feeds: feeds}
}

// StartServer starts the HTTP server on the given port. It blocks.
func (h *Handler) StartServer(port int) error {
	return h.SetupRoutes().Run(":" + strconv.Itoa(port))
}

// SetupRoutes configures all API routes.
func (h *Handler) SetupRoutes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	router.Use(requestIDMiddleware())
	router.Use(loggerMiddleware())
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	router.GET("/candles", h.GetCandles)
	router.GET("/feeds", h.GetFeeds)
	router.GET("/health", h.HealthCheck)

	return router
}
