package replays

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"replaycore/internal/core"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4 << 20
)

// Socket reply types. Notifications use their event name as the type.
const (
	MsgResult = "result"
	MsgError  = "error"
)

type socketEnvelope struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

// socketMessage is every frame the server writes.
type socketMessage struct {
	Type    string         `json:"type"`
	ID      string         `json:"id,omitempty"`
	Command string         `json:"command,omitempty"`
	Data    any            `json:"data,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
	At      *time.Time     `json:"at,omitempty"`
	Error   string         `json:"error,omitempty"`
	Status  int            `json:"status,omitempty"`
}

// serveSocket upgrades the connection, answers {"type": <command>, ...}
// messages in order and pushes every engine notification to the client.
func (h *Handler) serveSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var events <-chan core.Notification
	unsubscribe := func() {}
	if h.Events != nil {
		events, unsubscribe = h.Events.Subscribe(h.SocketBuffer)
	}
	defer unsubscribe()

	h.Logger.Debug("websocket client connected", "remote", r.RemoteAddr)
	out := make(chan socketMessage, 16)
	writerDone := make(chan struct{})
	go h.writeLoop(ctx, cancel, conn, events, out, writerDone)
	h.readLoop(ctx, conn, out)
	cancel()
	<-writerDone
	_ = conn.Close()
	h.Logger.Debug("websocket client disconnected", "remote", r.RemoteAddr)
}

func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn, out chan<- socketMessage) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.Logger.Debug("websocket read failed", "error", err)
			}
			return
		}
		reply := h.handleMessage(ctx, data)
		select {
		case out <- reply:
		case <-ctx.Done():
			return
		}
	}
}

func (h *Handler) handleMessage(ctx context.Context, data []byte) socketMessage {
	var env socketEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
		return socketMessage{Type: MsgError, Error: "message must be a JSON object with a type", Status: http.StatusBadRequest}
	}
	result, err := dispatch(ctx, h.Engine, env.Type, data)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			h.Logger.Error("replay command failed", "command", env.Type, "error", err)
		}
		return socketMessage{Type: MsgError, ID: env.ID, Command: env.Type, Error: err.Error(), Status: status}
	}
	return socketMessage{Type: MsgResult, ID: env.ID, Command: env.Type, Data: result}
}

// writeLoop is the connection's only writer.
func (h *Handler) writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, events <-chan core.Notification, out <-chan socketMessage, done chan<- struct{}) {
	defer close(done)
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	write := func(msg socketMessage) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(msg); err != nil {
			h.Logger.Debug("websocket write failed", "error", err)
			cancel()
			_ = conn.Close()
			return false
		}
		return true
	}
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case msg := <-out:
			if !write(msg) {
				return
			}
		case n, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			at := n.At
			if !write(socketMessage{Type: n.Event, Payload: n.Payload, At: &at}) {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				cancel()
				_ = conn.Close()
				return
			}
		}
	}
}
