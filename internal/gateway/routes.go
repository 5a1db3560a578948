package gateway

import (
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:    1024,
	WriteBufferSize:   4096,
	EnableCompression: true,
	CheckOrigin:       func(r *http.Request) bool { return true },
}

// RegisterRoutes mounts the HTTP surface on r: health, discovery endpoints
// and the WebSocket upgrade.
func RegisterRoutes(r *gin.Engine, h *Hub) {
	r.GET("/health", func(c *gin.Context) {
		now := time.Now()
		resp := gin.H{
			"status":     "ok",
			"sessions":   h.ClientCount(),
			"uptime_sec": int64(h.Uptime().Seconds()),
			"ts":         now.UTC().Format(time.RFC3339),
		}
		if h.cal != nil {
			resp["market_open"] = h.cal.IsOpen(now)
			resp["market_status"] = h.cal.Status(now)
			resp["market_trading_day"] = h.cal.IsTradingDay(now)
		}
		c.JSON(http.StatusOK, resp)
	})

	r.GET("/api/indicators", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"indicators": h.registry.Meta()})
	})

	r.GET("/api/config", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"base_delay_ms":        h.cfg.BaseDelay.Milliseconds(),
			"min_tick_interval_ms": h.cfg.MinTickInterval.Milliseconds(),
			"max_tick_interval_ms": h.cfg.MaxTickInterval.Milliseconds(),
			"max_batch":            h.cfg.MaxBatch,
			"min_speed":            h.cfg.MinSpeed,
			"max_bars":             h.cfg.MaxBars,
		})
	})

	r.GET("/ws", func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Printf("[gateway] ws upgrade failed: %v", err)
			return
		}
		h.HandleWS(conn)
	})
}

// CORSMiddleware allows browser clients on any origin to reach the discovery
// endpoints during local development.
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
