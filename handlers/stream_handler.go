package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"

	"stage-system/internal/status"
	"stage-system/services"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1024
)

// StreamHandler serves the room change stream over WebSocket: one snapshot
// message, then one message per committed change. Authenticated connections
// are counted as presence so a judge's seat is released when their last
// connection drops. Browsers cannot set headers on an upgrade, so the auth
// token may also be passed as ?token=.
type StreamHandler struct {
	distributor  *services.Distributor
	presence     *services.Presence
	pingPeriod   time.Duration
	upgrader     websocket.Upgrader
	authenticate func(e *core.RequestEvent, token string) (*core.Record, error)
}

func NewStreamHandler(distributor *services.Distributor, presence *services.Presence, pingPeriod time.Duration) *StreamHandler {
	if pingPeriod <= 0 {
		pingPeriod = 30 * time.Second
	}
	return &StreamHandler{
		distributor: distributor,
		presence:    presence,
		pingPeriod:  pingPeriod,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		authenticate: authRecordByToken,
	}
}

func authRecordByToken(e *core.RequestEvent, token string) (*core.Record, error) {
	return e.App.FindAuthRecordByToken(token, core.TokenTypeAuth)
}

type streamMessage struct {
	Type     string `json:"type"`
	Snapshot any    `json:"snapshot,omitempty"`
	Event    any    `json:"event,omitempty"`
	Error    string `json:"error,omitempty"`
}

type streamConn struct {
	conn       *websocket.Conn
	sub        *services.Subscription
	pingPeriod time.Duration
	done       chan struct{}
}

func (h *StreamHandler) Stream(e *core.RequestEvent) error {
	room, err := roomParam(e)
	if err != nil {
		return err
	}

	if e.Auth == nil {
		if token := e.Request.URL.Query().Get("token"); token != "" {
			record, err := h.authenticate(e, token)
			if err != nil {
				return apis.NewUnauthorizedError("Invalid or expired token", nil)
			}
			e.Auth = record
		}
	}

	// Subscribe before upgrading so an unknown room is a plain 404.
	sub, err := h.distributor.Subscribe(e.Request.Context(), room)
	if err != nil {
		return apiError(err)
	}

	conn, err := h.upgrader.Upgrade(e.Response, e.Request, nil)
	if err != nil {
		sub.Close()
		slog.Warn("websocket upgrade failed", "room", room, "error", err)
		return nil
	}

	disconnect := func() {}
	if e.Auth != nil && h.presence != nil {
		disconnect = h.presence.Connect(room, e.Auth.Id)
	}

	c := &streamConn{
		conn:       conn,
		sub:        sub,
		pingPeriod: h.pingPeriod,
		done:       make(chan struct{}),
	}
	slog.Debug("stream opened", "room", room, "subscription", sub.ID, "remote", conn.RemoteAddr())

	go c.writePump()
	go c.readPump(disconnect)
	return nil
}

// readPump only consumes control frames; it ends the stream when the client
// goes away.
func (c *streamConn) readPump(disconnect func()) {
	defer func() {
		close(c.done)
		c.sub.Close()
		c.conn.Close()
		disconnect()
	}()

	pongWait := c.pingPeriod * 10 / 9
	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("stream read error", "room", c.sub.Room, "error", err)
			}
			return
		}
	}
}

func (c *streamConn) writePump() {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	if err := c.write(streamMessage{Type: "snapshot", Snapshot: c.sub.Snapshot}); err != nil {
		return
	}

	for {
		select {
		case ev, ok := <-c.sub.Events():
			if !ok {
				c.closeWith(c.sub.Err())
				return
			}
			if err := c.write(streamMessage{Type: "change", Event: ev}); err != nil {
				slog.Debug("stream write failed", "room", c.sub.Room, "error", err)
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

func (c *streamConn) write(msg streamMessage) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteJSON(msg)
}

// closeWith tells the client why the stream ended. A slow subscriber must
// resubscribe and start again from a fresh snapshot.
func (c *streamConn) closeWith(err error) {
	code, reason := websocket.CloseNormalClosure, ""
	if errors.Is(err, status.ErrSlowSubscriber) {
		_ = c.write(streamMessage{Type: "error", Error: err.Error()})
		code, reason = websocket.CloseTryAgainLater, "resubscribe"
	} else if errors.Is(err, services.ErrDistributorClosed) {
		code, reason = websocket.CloseGoingAway, "shutting down"
	}

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
}
