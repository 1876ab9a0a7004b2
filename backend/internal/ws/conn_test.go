package ws

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	redis "github.com/redis/go-redis/v9"

	"collab-engine/backend/internal/bus"
	"collab-engine/backend/internal/collab"
	"collab-engine/backend/internal/httpapi/middleware"
	"collab-engine/backend/internal/session"
)

func init() { gin.SetMode(gin.TestMode) }

type node struct {
	srv *httptest.Server
	hub *Hub
}

// newNode starts one server process sharing store and bus with its peers.
func newNode(t *testing.T, store session.Store, b bus.Bus) *node {
	t.Helper()
	hub := NewHub(b, nil)
	svc := collab.New(collab.Options{Store: store, Broadcaster: hub, RetryBackoff: time.Millisecond, MaxRetries: 10})
	r := gin.New()
	r.GET("/collab/ws", func(c *gin.Context) {
		user := c.Query("user")
		c.Set(middleware.IdentityKey, collab.Identity{ID: user, DisplayName: strings.ToUpper(user)})
		c.Next()
	}, NewManager(hub, svc, nil, nil, nil).WebSocketConnect)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &node{srv: srv, hub: hub}
}

func (n *node) dial(t *testing.T, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(n.srv.URL, "http") + "/collab/ws?user=" + user
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

type inbound map[string]any

func send(t *testing.T, c *websocket.Conn, msg any) {
	t.Helper()
	if err := c.WriteJSON(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func next(t *testing.T, c *websocket.Conn) inbound {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	var m inbound
	if err := c.ReadJSON(&m); err != nil {
		t.Fatalf("read: %v", err)
	}
	return m
}

func nextOf(t *testing.T, c *websocket.Conn, typ string) inbound {
	t.Helper()
	for i := 0; i < 20; i++ {
		if m := next(t, c); m["type"] == typ {
			return m
		}
	}
	t.Fatalf("no %s message", typ)
	return nil
}

func TestCollaborationAcrossProcesses(t *testing.T) {
	store := session.NewMemoryStore(time.Hour)
	b := bus.NewMemoryBus()
	n1, n2 := newNode(t, store, b), newNode(t, store, b)

	alice := n1.dial(t, "a")
	send(t, alice, inbound{"type": "join-room", "roomId": "p1", "roomType": "page"})
	st := next(t, alice)
	if st["type"] != "room-state" || st["roomId"] != "page:p1" || st["version"] != float64(0) {
		t.Fatalf("alice room-state = %v", st)
	}

	bob := n2.dial(t, "b")
	send(t, bob, inbound{"type": "join-room", "roomId": "page:p1"})
	st = next(t, bob)
	if users := st["users"].(map[string]any); len(users) != 2 {
		t.Fatalf("bob sees users %v", users)
	}
	joined := next(t, alice)
	if joined["type"] != "user-joined" || joined["userId"] != "b" {
		t.Fatalf("alice got %v", joined)
	}

	send(t, alice, inbound{"type": "operation", "roomId": "p1", "operation": inbound{"type": "insert", "position": 0, "content": "hi", "clientId": "a-1"}})
	ack := next(t, alice)
	if ack["type"] != "operation-acknowledged" || ack["version"] != float64(1) || ack["clientId"] != "a-1" {
		t.Fatalf("alice ack = %v", ack)
	}
	applied := next(t, bob)
	if applied["type"] != "operation-applied" || applied["version"] != float64(1) || applied["userId"] != "a" {
		t.Fatalf("bob got %v", applied)
	}
	op := applied["operation"].(map[string]any)
	if op["content"] != "hi" {
		t.Fatalf("operation = %v", op)
	}

	// bob had not seen op1
	send(t, bob, inbound{"type": "operation", "roomId": "page:p1", "operation": inbound{"type": "insert", "position": 0, "content": "yo", "baseVersion": 0}})
	ack = next(t, bob)
	if ack["version"] != float64(2) {
		t.Fatalf("bob ack = %v", ack)
	}
	applied = next(t, alice)
	if pos := applied["operation"].(map[string]any)["position"]; pos != float64(2) {
		t.Fatalf("bob's insert transformed to %v", pos)
	}

	send(t, bob, inbound{"type": "cursor-update", "roomId": "p1", "cursor": inbound{"x": 3, "y": 1}})
	cur := next(t, alice)
	if cur["type"] != "cursor-updated" || cur["userId"] != "b" {
		t.Fatalf("alice got %v", cur)
	}

	_ = bob.Close()
	gone := nextOf(t, alice, "user-disconnected")
	if gone["userId"] != "b" {
		t.Fatalf("user-disconnected = %v", gone)
	}
	state, _ := store.Get(context.Background(), "page:p1")
	if _, ok := state.Users["b"]; ok || state.Version != 2 {
		t.Fatalf("state after disconnect = %+v", state)
	}
}

func TestRedisOutageDegradesToLocal(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1, DialTimeout: 200 * time.Millisecond})
	t.Cleanup(func() { _ = rdb.Close() })
	mr.Close()

	store := session.NewFallbackStore(session.NewRedisStore(rdb, time.Hour), session.NewMemoryStore(time.Hour), nil, nil)
	n := newNode(t, store, bus.NewRedisBus(rdb, nil))

	alice, bob := n.dial(t, "a"), n.dial(t, "b")
	send(t, alice, inbound{"type": "join-room", "roomId": "page:p1"})
	if m := next(t, alice); m["type"] != "room-state" {
		t.Fatalf("alice join during outage: %v", m)
	}
	send(t, bob, inbound{"type": "join-room", "roomId": "page:p1"})
	if m := next(t, bob); m["type"] != "room-state" || len(m["users"].(map[string]any)) != 2 {
		t.Fatalf("bob join during outage: %v", m)
	}
	if m := next(t, alice); m["type"] != "user-joined" || m["userId"] != "b" {
		t.Fatalf("alice got %v", m)
	}

	send(t, alice, inbound{"type": "operation", "roomId": "page:p1", "operation": inbound{"type": "insert", "content": "x", "clientId": "a-1"}})
	if m := next(t, alice); m["type"] != "operation-acknowledged" || m["version"] != float64(1) {
		t.Fatalf("alice ack = %v", m)
	}
	if m := next(t, bob); m["type"] != "operation-applied" || m["version"] != float64(1) {
		t.Fatalf("bob got %v", m)
	}
	if !store.Pinned("page:p1") {
		t.Fatalf("room not served from memory")
	}
}

func TestBadMessagesKeepConnection(t *testing.T) {
	n := newNode(t, session.NewMemoryStore(time.Hour), bus.NewMemoryBus())
	c := n.dial(t, "a")

	if err := c.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if m := next(t, c); m["type"] != "error" || m["code"] != "INVALID_MESSAGE" {
		t.Fatalf("got %v", m)
	}

	send(t, c, inbound{"type": "dance"})
	if m := next(t, c); m["code"] != "UNKNOWN_EVENT" {
		t.Fatalf("got %v", m)
	}

	send(t, c, inbound{"type": "join-room", "roomId": "x1", "roomType": "spreadsheet"})
	if m := next(t, c); m["code"] != "INVALID_ROOM" || m["event"] != "join-room" {
		t.Fatalf("got %v", m)
	}

	send(t, c, inbound{"type": "operation", "roomId": "page:p9", "operation": inbound{"type": "insert", "content": "x", "clientId": "c9"}})
	if m := next(t, c); m["type"] != "operation-error" || m["code"] != "NOT_MEMBER" || m["clientId"] != "c9" {
		t.Fatalf("got %v", m)
	}

	send(t, c, inbound{"type": "join-room", "roomId": "page:p1"})
	if m := next(t, c); m["type"] != "room-state" {
		t.Fatalf("connection unusable: %v", m)
	}
	send(t, c, inbound{"type": "operation", "roomId": "p1", "operation": inbound{"type": "delete", "position": 0}})
	if m := next(t, c); m["type"] != "operation-error" || m["code"] != "INVALID_OPERATION" {
		t.Fatalf("got %v", m)
	}
}

func TestSecondTabKeepsMembership(t *testing.T) {
	store := session.NewMemoryStore(time.Hour)
	n := newNode(t, store, bus.NewMemoryBus())
	tab1, tab2 := n.dial(t, "a"), n.dial(t, "a")
	watcher := n.dial(t, "w")
	for _, c := range []*websocket.Conn{tab1, tab2, watcher} {
		send(t, c, inbound{"type": "join-room", "roomId": "page:p1"})
		nextOf(t, c, "room-state")
	}

	_ = tab1.Close()
	waitFor(t, func() bool { return connCount(n.hub, "page:p1") == 2 })
	st, _ := store.Get(context.Background(), "page:p1")
	if _, ok := st.Users["a"]; !ok {
		t.Fatalf("user removed while a tab is still open")
	}

	send(t, tab2, inbound{"type": "leave-room", "roomId": "page:p1"})
	left := next(t, watcher)
	if left["type"] != "user-left" || left["userId"] != "a" {
		t.Fatalf("user-left = %v", left)
	}
}

func connCount(h *Hub, roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if r := h.rooms[roomID]; r != nil {
		return len(r.conns)
	}
	return 0
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
