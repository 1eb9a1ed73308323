// README: Driver trip feed over WebSocket; pushes re-fetch hints from the change feed.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"shuttle/internal/access"
	"shuttle/internal/http/middleware"
	"shuttle/internal/infra"
	"shuttle/internal/realtime"
)

const (
	feedAuthWait   = 10 * time.Second
	feedPongWait   = 60 * time.Second
	feedPingPeriod = 50 * time.Second
	feedWriteWait  = 10 * time.Second
)

type FeedHandler struct {
	feed     realtime.Feed
	verifier infra.TokenVerifier
	drivers  middleware.DriverResolver
	upgrader websocket.Upgrader
	log      *zap.Logger
}

func NewFeedHandler(feed realtime.Feed, verifier infra.TokenVerifier, drivers middleware.DriverResolver, log *zap.Logger) *FeedHandler {
	return &FeedHandler{
		feed:     feed,
		verifier: verifier,
		drivers:  drivers,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log: log,
	}
}

type feedAuthMsg struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

type feedMsg struct {
	Type  string    `json:"type"`
	Table string    `json:"table,omitempty"`
	RowID string    `json:"row_id,omitempty"`
	Op    string    `json:"op,omitempty"`
	At    time.Time `json:"at,omitempty"`
}

// Serve upgrades the connection, expects {"type":"auth","token":...} as the
// first message, then streams trip change hints for the driver.
func (h *FeedHandler) Serve(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	actor, ok := h.authenticate(c.Request.Context(), conn)
	if !ok {
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	changes, err := h.feed.Subscribe(ctx, "trips", "driver_id", actor.DriverID.String())
	if err != nil {
		h.log.Warn("subscribe trip feed", zap.String("driver_id", actor.DriverID.String()), zap.Error(err))
		closeWith(conn, websocket.CloseInternalServerErr, "feed unavailable")
		return
	}

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(feedPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(feedPongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	_ = h.write(conn, feedMsg{Type: "ready"})
	ticker := time.NewTicker(feedPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ch, ok := <-changes:
			if !ok {
				return
			}
			if err := h.write(conn, feedMsg{Type: "change", Table: ch.Table, RowID: ch.RowID, Op: ch.Op, At: ch.At}); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *FeedHandler) authenticate(ctx context.Context, conn *websocket.Conn) (access.Actor, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(feedAuthWait))
	var msg feedAuthMsg
	if err := conn.ReadJSON(&msg); err != nil || msg.Type != "auth" || msg.Token == "" {
		closeWith(conn, websocket.ClosePolicyViolation, "auth required")
		return access.Actor{}, false
	}
	actor, err := middleware.Authenticate(ctx, h.verifier, h.drivers, msg.Token)
	if err != nil {
		closeWith(conn, websocket.ClosePolicyViolation, err.Error())
		return access.Actor{}, false
	}
	if actor.Role != access.RoleDriver || actor.DriverID == "" {
		closeWith(conn, websocket.ClosePolicyViolation, "driver profile required")
		return access.Actor{}, false
	}
	return actor, true
}

func (h *FeedHandler) write(conn *websocket.Conn, msg feedMsg) error {
	_ = conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
	return conn.WriteJSON(msg)
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
}
