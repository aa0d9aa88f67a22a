package api

import (
	"net/http"
	"time"

	"candlefeed/internal/utils"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// GetCandles handles GET /candles?symbol=BASE-QUOTE requests.
//
// It returns the feed's current window snapshot in ascending timestamp
// order. Until the feed is ready (window filled to capacity) it responds
// 503 so consumers cannot act on a partial series.
func (h *Handler) GetCandles(c *gin.Context) {
	symbol := c.Query("symbol")
	if err := utils.ValidateSymbol(symbol); err != nil {
		h.handleError(c, err, http.StatusBadRequest, err.Error())
		return
	}

	feed, ok := h.feeds[symbol]
	if !ok {
		h.handleError(c, errUnknownSymbol(symbol), http.StatusNotFound, "no feed for symbol")
		return
	}

	if !feed.Ready() {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":  "feed not ready",
			"symbol": symbol,
			"state":  feed.State().String(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"symbol":          symbol,
		"feed":            feed.Name(),
		"intervalSeconds": feed.IntervalSeconds(),
		"candles":         feed.Snapshot(),
	})
}

// GetFeeds handles GET /feeds requests with per-feed lifecycle state.
func (h *Handler) GetFeeds(c *gin.Context) {
	feeds := make([]gin.H, 0, len(h.feeds))
	for pair, feed := range h.feeds {
		entry := gin.H{
			"symbol":          pair,
			"feed":            feed.Name(),
			"intervalSeconds": feed.IntervalSeconds(),
			"state":           feed.State().String(),
			"ready":           feed.Ready(),
			"candles":         len(feed.Snapshot()),
		}
		if err := feed.Err(); err != nil {
			entry["error"] = err.Error()
		}
		feeds = append(feeds, entry)
	}
	c.JSON(http.StatusOK, gin.H{"feeds": feeds})
}

// HealthCheck handles GET /health requests.
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "OK",
		"service":   ServiceName,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleError logs the error and sends the HTTP response.
func (h *Handler) handleError(c *gin.Context, err error, statusCode int, userMessage string) {
	requestID := c.GetString(RequestIDContextKey)
	if requestID == "" {
		requestID = "unknown"
	}

	log.Error().
		Str("request_id", requestID).
		Str("method", c.Request.Method).
		Str("path", c.Request.URL.Path).
		Int("status_code", statusCode).
		Err(err).
		Msg("API error")

	c.JSON(statusCode, gin.H{
		"error":      userMessage,
		"request_id": requestID,
	})
}

type errUnknownSymbol string

func (e errUnknownSymbol) Error() string {
	return "no feed configured for symbol " + string(e)
}
