package api

import (
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/custodyledger/internal/middleware"
	"github.com/onnwee/custodyledger/internal/stream"
)

// Subscriber timing. Clients must answer pings within pongWait.
const (
	pongWait     = 60 * time.Second
	pingInterval = pongWait * 9 / 10
)

// StreamHandlers serves the live trace event stream.
type StreamHandlers struct {
	broadcaster *stream.Broadcaster
	upgrader    websocket.Upgrader
	logger      *slog.Logger
}

// NewStreamHandlers creates stream handlers. Browser clients must send an
// Origin listed in allowedOrigins; an empty list admits any origin.
func NewStreamHandlers(broadcaster *stream.Broadcaster, allowedOrigins []string, logger *slog.Logger) *StreamHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamHandlers{
		broadcaster: broadcaster,
		logger:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || len(allowedOrigins) == 0 || slices.Contains(allowedOrigins, origin)
			},
		},
	}
}

// Subscribe handles GET /stream. After the upgrade the connection receives
// every appended trace event for units the principal may see. The token may
// be passed as ?access_token= since browsers cannot set headers on upgrades.
func (h *StreamHandlers) Subscribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.WarnContext(ctx, "failed to upgrade websocket connection",
			"error", err,
			"principal_id", principal.ID)
		return
	}

	sub := h.broadcaster.Subscribe(principal, conn)
	requestID := middleware.GetRequestID(ctx)
	h.logger.InfoContext(ctx, "stream subscriber connected",
		"principal_id", principal.ID,
		"role", string(principal.Role),
		"request_id", requestID)

	defer func() {
		h.broadcaster.Unsubscribe(sub)
		h.logger.InfoContext(ctx, "stream subscriber disconnected",
			"principal_id", principal.ID,
			"request_id", requestID)
	}()

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go h.ping(conn, sub)

	// Clients do not send messages; reading detects disconnects and pongs.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.WarnContext(ctx, "stream connection closed unexpectedly",
					"error", err,
					"principal_id", principal.ID)
			}
			return
		}
	}
}

func (h *StreamHandlers) ping(conn *websocket.Conn, sub *stream.Subscription) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sub.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(stream.DefaultWriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}
