package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"collab-engine/backend/internal/collab"
	"collab-engine/backend/internal/session"
)

const (
	sendBuffer      = 64
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = pongWait * 9 / 10
	maxMessageSize  = 1 << 20
	handlerTimeout  = 5 * time.Second
	cleanupDeadline = 5 * time.Second
)

// Engine is the part of collab.Service a connection drives.
type Engine interface {
	Join(ctx context.Context, actor collab.Actor, resourceType, resourceID string) (collab.Snapshot, error)
	Leave(ctx context.Context, actor collab.Actor, roomID string) error
	Disconnect(ctx context.Context, actor collab.Actor, roomIDs []string)
	UpdateCursor(ctx context.Context, actor collab.Actor, roomID string, cursor session.Cursor) error
	UpdateSelection(ctx context.Context, actor collab.Actor, roomID string, sel session.Selection) error
	UpdatePresence(ctx context.Context, actor collab.Actor, roomID string, p session.Presence) error
	Heartbeat(ctx context.Context, actor collab.Actor, roomID string) error
	Submit(ctx context.Context, actor collab.Actor, roomID string, raw collab.RawOperation) (collab.Result, error)
}

var _ Engine = (*collab.Service)(nil)

// Conn is one client websocket. Messages from the client are handled one at
// a time in the read loop, which keeps each member's operations in order.
type Conn struct {
	id     string
	ws     *websocket.Conn
	hub    *Hub
	svc    Engine
	actor  collab.Actor
	logger *slog.Logger

	// send is drained by the write loop; when it is full messages are
	// dropped and the client resyncs by re-joining.
	send chan []byte

	mu    sync.Mutex
	rooms map[string]struct{}
}

func NewConn(ws *websocket.Conn, hub *Hub, svc Engine, id collab.Identity, logger *slog.Logger) *Conn {
	connID := uuid.NewString()
	if logger == nil {
		logger = slog.Default()
	}
	return &Conn{
		id:     connID,
		ws:     ws,
		hub:    hub,
		svc:    svc,
		actor:  collab.Actor{Identity: id, ConnID: connID},
		logger: logger.With("conn", connID, "user", id.ID),
		send:   make(chan []byte, sendBuffer),
		rooms:  make(map[string]struct{}),
	}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) enqueue(msg []byte) {
	select {
	case c.send <- msg:
	default:
		c.logger.Warn("ws_send_queue_full", "dropped_bytes", len(msg))
	}
}

func (c *Conn) sendJSON(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("ws_encode_failed", "err", err)
		return
	}
	c.enqueue(b)
}

func (c *Conn) sendError(event, roomID string, err error) {
	msg := ErrorMessage{Type: MsgError, RoomID: roomID, Event: event, Code: collab.ErrorCode(err), Message: err.Error()}
	c.sendJSON(msg)
}

// Serve runs the connection until the client goes away, then leaves every
// room it joined.
func (c *Conn) Serve(ctx context.Context) {
	go c.writeLoop()
	c.readLoop(ctx)
	c.cleanup()
}

func (c *Conn) readLoop(ctx context.Context) {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Info("ws_read_failed", "err", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendJSON(ErrorMessage{Type: MsgError, Code: codeInvalidMessage, Message: err.Error()})
			continue
		}
		c.dispatch(ctx, msg)
	}
}

// dispatch handles one message; a failing or panicking handler only affects
// that message.
func (c *Conn) dispatch(ctx context.Context, msg ClientMessage) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("ws_handler_panic", "type", msg.Type, "panic", r, "stack", string(debug.Stack()))
			c.sendJSON(ErrorMessage{Type: MsgError, Event: msg.Type, Code: "INTERNAL"})
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, handlerTimeout)
	defer cancel()

	switch msg.Type {
	case MsgJoinRoom:
		c.handleJoin(ctx, msg)
	case MsgLeaveRoom:
		c.handleLeave(ctx, msg)
	case MsgCursorUpdate:
		if msg.Cursor == nil {
			c.sendJSON(ErrorMessage{Type: MsgError, Event: msg.Type, RoomID: msg.RoomID, Code: codeInvalidMessage, Message: "missing cursor"})
			return
		}
		roomID := c.roomFor(msg)
		c.report(msg.Type, roomID, c.svc.UpdateCursor(ctx, c.actor, roomID, *msg.Cursor))
	case MsgSelectionUpdate:
		if msg.Selection == nil {
			c.sendJSON(ErrorMessage{Type: MsgError, Event: msg.Type, RoomID: msg.RoomID, Code: codeInvalidMessage, Message: "missing selection"})
			return
		}
		roomID := c.roomFor(msg)
		c.report(msg.Type, roomID, c.svc.UpdateSelection(ctx, c.actor, roomID, *msg.Selection))
	case MsgPresenceUpdate:
		roomID := c.roomFor(msg)
		c.report(msg.Type, roomID, c.svc.UpdatePresence(ctx, c.actor, roomID, msg.Presence))
	case MsgHeartbeat:
		roomID := c.roomFor(msg)
		c.report(msg.Type, roomID, c.svc.Heartbeat(ctx, c.actor, roomID))
	case MsgOperation:
		c.handleOperation(ctx, msg)
	default:
		c.sendJSON(ErrorMessage{Type: MsgError, Event: msg.Type, Code: codeUnknownEventType})
	}
}

func (c *Conn) report(event, roomID string, err error) {
	if err == nil {
		return
	}
	c.logger.Warn("ws_event_failed", "type", event, "room", roomID, "err", err)
	c.sendError(event, roomID, err)
}

// roomFor maps the roomId of a message to a canonical room id, preferring
// rooms this connection has joined when the id is bare.
func (c *Conn) roomFor(msg ClientMessage) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rooms[msg.RoomID]; ok {
		return msg.RoomID
	}
	if msg.RoomType != "" {
		if t, id, err := collab.ResolveRoom(msg.RoomID, msg.RoomType); err == nil {
			return collab.RoomID(t, id)
		}
	}
	for roomID := range c.rooms {
		if strings.HasSuffix(roomID, ":"+msg.RoomID) {
			return roomID
		}
	}
	return msg.RoomID
}

func (c *Conn) joined(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[roomID]
	return ok
}

func (c *Conn) handleJoin(ctx context.Context, msg ClientMessage) {
	typ, id, err := collab.ResolveRoom(msg.RoomID, msg.RoomType)
	if err != nil {
		c.sendError(msg.Type, msg.RoomID, err)
		return
	}
	roomID := collab.RoomID(typ, id)
	already := c.joined(roomID)

	// subscribe before joining so nothing published after the snapshot is missed
	c.hub.Join(ctx, roomID, c)
	snap, err := c.svc.Join(ctx, c.actor, typ, id)
	if err != nil {
		if !already {
			c.hub.Leave(roomID, c)
		}
		c.report(msg.Type, roomID, err)
		return
	}

	c.mu.Lock()
	c.rooms[roomID] = struct{}{}
	c.mu.Unlock()
	c.sendJSON(RoomStateMessage{Type: MsgRoomState, Snapshot: snap})
}

func (c *Conn) handleLeave(ctx context.Context, msg ClientMessage) {
	roomID := c.roomFor(msg)
	c.mu.Lock()
	delete(c.rooms, roomID)
	c.mu.Unlock()
	c.hub.Leave(roomID, c)

	// another tab of the same user keeps the membership
	if c.hub.HasUserConn(roomID, c.actor.ID, c) {
		return
	}
	c.report(msg.Type, roomID, c.svc.Leave(ctx, c.actor, roomID))
}

func (c *Conn) handleOperation(ctx context.Context, msg ClientMessage) {
	roomID := c.roomFor(msg)
	if msg.Operation == nil {
		c.sendJSON(ErrorMessage{Type: MsgOperationError, RoomID: roomID, Code: collab.ErrInvalidOperation.Error(), Message: "missing operation"})
		return
	}
	clientID := msg.Operation.ClientID
	if clientID == "" {
		clientID = msg.Operation.LegacyID
	}

	res, err := c.svc.Submit(ctx, c.actor, roomID, *msg.Operation)
	if err != nil {
		c.logger.Warn("ws_operation_failed", "room", roomID, "client_id", clientID, "err", err)
		out := ErrorMessage{Type: MsgOperationError, RoomID: roomID, Code: collab.ErrorCode(err), Message: err.Error(), ClientID: clientID}
		var ce *collab.ConflictError
		if errors.As(err, &ce) {
			out.RetryAfterMs = ce.RetryAfter.Milliseconds()
		}
		c.sendJSON(out)
		return
	}
	c.sendJSON(OperationAckMessage{
		Type:        MsgOperationAck,
		RoomID:      roomID,
		OperationID: res.Operation.ID,
		ClientID:    res.Operation.ClientID,
		Version:     res.Version,
		Duplicate:   res.Duplicate,
	})
}

// cleanup runs once the read loop is over: the connection leaves the hub and
// the user is disconnected from rooms where no other local tab remains.
func (c *Conn) cleanup() {
	c.mu.Lock()
	rooms := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		rooms = append(rooms, id)
	}
	c.rooms = make(map[string]struct{})
	c.mu.Unlock()

	c.hub.LeaveAll(c)
	var gone []string
	for _, roomID := range rooms {
		if !c.hub.HasUserConn(roomID, c.actor.ID, c) {
			gone = append(gone, roomID)
		}
	}
	if len(gone) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), cleanupDeadline)
		c.svc.Disconnect(ctx, c.actor, gone)
		cancel()
	}
	close(c.send)
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Info("ws_write_failed", "err", err)
				c.drain()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.drain()
				return
			}
		}
	}
}

// drain discards queued messages until cleanup closes send.
func (c *Conn) drain() {
	_ = c.ws.Close()
	go func() {
		for range c.send {
		}
	}()
}
