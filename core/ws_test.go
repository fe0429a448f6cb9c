package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTimeout = 2 * time.Second

type wsFixture struct {
	t       *testing.T
	server  *httptest.Server
	cm      *ConnManager
	events  *EventRouter
	cancel  context.CancelFunc
	stopped chan struct{}
}

func setUpWSFixture(t *testing.T, register func(f *wsFixture)) *wsFixture {
	ctx, cancel := context.WithCancel(context.Background())
	f := &wsFixture{t: t, cancel: cancel, stopped: make(chan struct{})}
	f.cm = NewConnManager(ctx, discardLogger)
	f.events = NewEventRouter(discardLogger, f.cm, 4)

	f.events.On(JoinRoomEvent, func(ctx context.Context, e *Event) error {
		var p JoinRoomPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return err
		}
		if err := f.cm.Join(e.Sender.ConnID, p.RoomID); err != nil {
			return err
		}
		return f.events.EmitToConn(JoinedRoomEvent, JoinedRoomPayload{RoomID: p.RoomID}, e.Sender.ConnID)
	})
	if register != nil {
		register(f)
	}

	go func() {
		defer close(f.stopped)
		f.events.Listen(ctx)
	}()

	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := Identity{UserID: r.URL.Query().Get("user"), UserName: r.URL.Query().Get("user")}
		f.cm.Connect(id, w, r)
	}))
	return f
}

func (f *wsFixture) tearDown() {
	f.server.Close()
	f.cancel()
	<-f.stopped
	ctx, cancel := context.WithTimeout(context.Background(), baseTimeout)
	defer cancel()
	f.cm.Close(ctx)
}

type testWSClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func (f *wsFixture) dial(user string) *testWSClient {
	url := strings.Replace(f.server.URL, "http://", "ws://", 1) + "?user=" + user
	conn, res, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(f.t, err)
	require.Equal(f.t, http.StatusSwitchingProtocols, res.StatusCode)
	c := &testWSClient{t: f.t, conn: conn}
	f.t.Cleanup(func() { conn.Close() })
	return c
}

func (c *testWSClient) send(t string, payload any) {
	e, err := NewEvent(t, payload)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteJSON(e))
}

func (c *testWSClient) read() (*Event, error) {
	c.conn.SetReadDeadline(time.Now().Add(baseTimeout))
	var e Event
	if err := c.conn.ReadJSON(&e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (c *testWSClient) expect(eventType string, payload any) {
	e, err := c.read()
	require.NoError(c.t, err)
	require.Equal(c.t, eventType, e.Type, string(e.Payload))
	if payload != nil {
		require.NoError(c.t, json.Unmarshal(e.Payload, payload))
	}
}

func (c *testWSClient) join(roomID string) {
	c.send(JoinRoomEvent, JoinRoomPayload{RoomID: roomID})
	var p JoinedRoomPayload
	c.expect(JoinedRoomEvent, &p)
	require.Equal(c.t, roomID, p.RoomID)
}

func (c *testWSClient) expectNothing() {
	c.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var e Event
	err := c.conn.ReadJSON(&e)
	var netErr interface{ Timeout() bool }
	require.True(c.t, errors.As(err, &netErr) && netErr.Timeout(), "unexpected event %v", e)
}

func TestConnManager_RoomBroadcast(t *testing.T) {
	f := setUpWSFixture(t, nil)
	defer f.tearDown()

	alice, bob, carol := f.dial("alice"), f.dial("bob"), f.dial("carol")
	alice.join("r1")
	bob.join("r1")
	carol.join("r2")
	assert.Equal(t, 2, f.cm.Subscribers("r1"))

	require.NoError(t, f.events.EmitToRoom(ReceiveMessageEvent, ReceiveMessagePayload{ID: "m1", Text: "hi", RoomID: "r1"}, "r1"))

	for _, c := range []*testWSClient{alice, bob} {
		var p ReceiveMessagePayload
		c.expect(ReceiveMessageEvent, &p)
		assert.Equal(t, "hi", p.Text)
	}
	carol.expectNothing()
}

func TestConnManager_DisconnectDropsSubscriptions(t *testing.T) {
	f := setUpWSFixture(t, nil)
	defer f.tearDown()

	alice := f.dial("alice")
	alice.join("r1")
	require.Equal(t, 1, f.cm.Subscribers("r1"))

	alice.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	require.Eventually(t, func() bool {
		return f.cm.Subscribers("r1") == 0
	}, baseTimeout, baseTimeout/20)

	f.cm.mu.RLock()
	defer f.cm.mu.RUnlock()
	assert.Empty(t, f.cm.conns)
}

func TestEventRouter_HandlerErrorRepliesToSender(t *testing.T) {
	f := setUpWSFixture(t, func(f *wsFixture) {
		f.events.On("fail", func(ctx context.Context, e *Event) error {
			return WrapInsensitive(PersistFailedMessage, errors.New("redis down"))
		})
		f.events.On("leak", func(ctx context.Context, e *Event) error {
			return errors.New("pq: password authentication failed")
		})
	})
	defer f.tearDown()

	alice, bob := f.dial("alice"), f.dial("bob")
	alice.join("r1")
	bob.join("r1")

	alice.send("fail", struct{}{})
	var p ErrorPayload
	alice.expect(ErrorEvent, &p)
	assert.Equal(t, PersistFailedMessage, p.Message)

	alice.send("leak", struct{}{})
	alice.expect(ErrorEvent, &p)
	assert.Equal(t, genericClientError, p.Message, "internal errors are not echoed")

	alice.send("unknown", struct{}{})
	alice.expect(ErrorEvent, &p)
	assert.Contains(t, p.Message, "unknown event type")

	bob.expectNothing()
}

func TestConnManager_MalformedEvent(t *testing.T) {
	f := setUpWSFixture(t, nil)
	defer f.tearDown()

	alice := f.dial("alice")
	require.NoError(t, alice.conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	var p ErrorPayload
	alice.expect(ErrorEvent, &p)
	assert.Equal(t, "malformed event", p.Message)

	alice.join("r1")
}

func TestEventRouter_PerConnectionOrder(t *testing.T) {
	const n = 100
	var (
		mu   sync.Mutex
		seen = make(map[string][]int)
	)
	f := setUpWSFixture(t, func(f *wsFixture) {
		f.events.On("seq", func(ctx context.Context, e *Event) error {
			var v int
			if err := json.Unmarshal(e.Payload, &v); err != nil {
				return err
			}
			mu.Lock()
			seen[e.Sender.UserID] = append(seen[e.Sender.UserID], v)
			mu.Unlock()
			return nil
		})
	})
	defer f.tearDown()

	clients := map[string]*testWSClient{}
	for i := range 4 {
		user := fmt.Sprintf("user%d", i)
		clients[user] = f.dial(user)
	}
	for i := range n {
		for _, c := range clients {
			c.send("seq", i)
		}
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for user := range clients {
			if len(seen[user]) != n {
				return false
			}
		}
		return true
	}, baseTimeout, baseTimeout/20)

	mu.Lock()
	defer mu.Unlock()
	for user, got := range seen {
		for i, v := range got {
			require.Equalf(t, i, v, "events of %s handled out of order", user)
		}
	}
}
