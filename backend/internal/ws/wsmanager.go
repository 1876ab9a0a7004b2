package ws

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"collab-engine/backend/internal/collab"
	"collab-engine/backend/internal/httpapi/middleware"
)

var defaultOrigins = []string{
	"http://localhost",
	"http://127.0.0.1",
	"https://localhost",
	"https://127.0.0.1",
}

// Manager upgrades authenticated requests to websocket connections.
type Manager struct {
	hub      *Hub
	svc      Engine
	metrics  *collab.Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewManager accepts browser origins matching one of allowedOrigins ("*"
// allows any); with none given only local development origins pass.
func NewManager(hub *Hub, svc Engine, metrics *collab.Metrics, logger *slog.Logger, allowedOrigins []string) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	allowed := allowedOrigins
	if len(allowed) == 0 {
		allowed = defaultOrigins
	}
	m := &Manager{hub: hub, svc: svc, metrics: metrics, logger: logger}
	m.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(r.Header.Get("Origin"), allowed)
		},
	}
	return m
}

// originAllowed compares scheme and host of origin with each allowed origin.
// An allowed origin without a port matches any port of that host.
func originAllowed(origin string, allowed []string) bool {
	// non-browser clients may omit Origin or send "null"
	if origin == "" || origin == "null" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	for _, a := range allowed {
		if a == "*" {
			return true
		}
		au, err := url.Parse(a)
		if err != nil || au.Host == "" {
			continue
		}
		if !strings.EqualFold(u.Scheme, au.Scheme) || !strings.EqualFold(u.Hostname(), au.Hostname()) {
			continue
		}
		if au.Port() == "" || au.Port() == u.Port() {
			return true
		}
	}
	return false
}

func (m *Manager) WebSocketConnect(c *gin.Context) {
	id, ok := middleware.IdentityFrom(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}

	wsConn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.logger.Warn("ws_upgrade_failed", "origin", c.Request.Header.Get("Origin"), "err", err)
		return
	}

	conn := NewConn(wsConn, m.hub, m.svc, id, m.logger)
	m.metrics.ConnOpened()
	defer m.metrics.ConnClosed()
	m.logger.Debug("ws_connected", "conn", conn.ID(), "user", id.ID)
	conn.Serve(c.Request.Context())
}
