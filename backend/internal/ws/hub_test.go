package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"workspace-collab/backend/internal/collab"
	"workspace-collab/backend/internal/ot"
	"workspace-collab/backend/internal/presence"
)

type testServer struct {
	srv    *httptest.Server
	hub    *Hub
	engine *collab.Engine
}

func newTestServer(t *testing.T, opts Options, maxConnections int) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	engine := collab.NewEngine(collab.NewStore(), nil, zerolog.Nop())
	hub := NewHub(engine, presence.NewRegistry(), nil, nil, opts, zerolog.Nop())
	m := NewManager(hub, maxConnections)

	r := gin.New()
	r.GET("/collab/ws", func(c *gin.Context) {
		c.Set("participantId", c.Query("participantId"))
		c.Set("username", c.Query("name"))
		m.WebSocketConnect(c)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, hub: hub, engine: engine}
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.PingInterval = 0
	opts.PresenceTimeout = time.Minute
	opts.SubmitTimeout = time.Second
	return opts
}

func (ts *testServer) dial(t *testing.T, participantID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/collab/ws?participantId=" + participantID + "&name=" + participantID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, typ, workspaceID string, data interface{}) {
	t.Helper()
	msg := map[string]interface{}{"type": typ, "workspaceId": workspaceID}
	if data != nil {
		msg["data"] = data
	}
	require.NoError(t, conn.WriteJSON(msg))
}

// expect 读取消息直到遇到指定类型
func expect(t *testing.T, conn *websocket.Conn, typ string) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var env Envelope
		require.NoError(t, conn.ReadJSON(&env))
		if env.Type == typ {
			return env
		}
	}
}

func decode[T any](t *testing.T, env Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

func join(t *testing.T, conn *websocket.Conn, workspaceID string) WorkspaceState {
	t.Helper()
	send(t, conn, TypeJoin, workspaceID, JoinData{User: presence.Profile{Color: "#f00"}})
	return decode[WorkspaceState](t, expect(t, conn, TypeWorkspaceState))
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) *websocket.CloseError {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		require.True(t, errors.As(err, &ce), "unexpected error: %v", err)
		require.Equal(t, code, ce.Code)
		return ce
	}
}

func TestHub_JoinSendsRosterAndNotifiesOthers(t *testing.T) {
	ts := newTestServer(t, testOptions(), 10)
	alice := ts.dial(t, "alice")
	bob := ts.dial(t, "bob")

	state := join(t, alice, "ws1")
	require.Len(t, state.Users, 1)
	require.Equal(t, "alice", state.Users[0].ParticipantID)

	state = join(t, bob, "ws1")
	require.Len(t, state.Users, 2)

	env := expect(t, alice, TypeJoin)
	require.Equal(t, "bob", env.ParticipantID)
	jb := decode[JoinBroadcast](t, env)
	require.Equal(t, "bob", jb.Presence.ParticipantID)
	require.Equal(t, "bob", jb.User.Name)
	require.Equal(t, "#f00", jb.User.Color)
}

func TestHub_ConcurrentEditsConverge(t *testing.T) {
	ts := newTestServer(t, testOptions(), 10)
	alice := ts.dial(t, "alice")
	bob := ts.dial(t, "bob")
	join(t, alice, "ws1")
	join(t, bob, "ws1")

	initial := "hello"
	send(t, alice, TypeEdit, "ws1", EditData{
		DocumentID:     "doc1",
		BaseVersion:    0,
		Operation:      []ot.Operation{ot.Insert(5, " world")},
		InitialContent: &initial,
	})
	ack := decode[EditResult](t, expect(t, alice, TypeEditAck))
	require.Equal(t, 1, ack.Version)
	got := decode[EditResult](t, expect(t, bob, TypeEdit))
	require.Equal(t, 1, got.Version)
	require.Equal(t, ack.OperationID, got.OperationID)

	// bob 仍基于版本 0 编辑
	send(t, bob, TypeEdit, "ws1", EditData{
		DocumentID:  "doc1",
		BaseVersion: 0,
		Operation:   []ot.Operation{ot.Insert(0, "Oh, ")},
	})
	ack = decode[EditResult](t, expect(t, bob, TypeEditAck))
	require.Equal(t, 2, ack.Version)
	require.Equal(t, 1, ack.BaseVersion)
	got = decode[EditResult](t, expect(t, alice, TypeEdit))
	require.Equal(t, []ot.Operation{ot.Insert(0, "Oh, ")}, got.Operation)

	st, err := ts.engine.Snapshot(DocumentKey("ws1", "doc1"))
	require.NoError(t, err)
	require.Equal(t, "Oh, hello world", st.Content)
	require.Equal(t, 2, st.Version)
}

func TestHub_EditErrorGoesToSenderOnly(t *testing.T) {
	ts := newTestServer(t, testOptions(), 10)
	alice := ts.dial(t, "alice")
	bob := ts.dial(t, "bob")
	join(t, alice, "ws1")
	join(t, bob, "ws1")

	initial := "abc"
	send(t, alice, TypeEdit, "ws1", EditData{
		FileID:         "doc1",
		Operation:      []ot.Operation{ot.Delete(1, 10)},
		InitialContent: &initial,
	})
	ee := decode[EditErrorData](t, expect(t, alice, TypeEditError))
	require.Equal(t, "doc1", ee.DocumentID)
	require.Contains(t, ee.Error, collab.ErrTransformFailure.Error())

	// bob 下一条消息是 pong，说明没有收到失败的编辑
	send(t, bob, TypePing, "ws1", nil)
	require.NoError(t, bob.SetReadDeadline(time.Now().Add(3*time.Second)))
	var env Envelope
	require.NoError(t, bob.ReadJSON(&env))
	require.Equal(t, TypePong, env.Type)

	st, err := ts.engine.Snapshot(DocumentKey("ws1", "doc1"))
	require.NoError(t, err)
	require.Equal(t, "abc", st.Content)
	require.Equal(t, 0, st.Version)
}

func TestHub_RejectsBeforeJoinAndMalformed(t *testing.T) {
	ts := newTestServer(t, testOptions(), 10)
	alice := ts.dial(t, "alice")

	send(t, alice, TypeCursor, "ws1", CursorData{Cursor: &presence.CursorPosition{Line: 1}})
	env := expect(t, alice, TypeError)
	require.Equal(t, errNotJoined, env.Error)
	require.Nil(t, ts.hub.Registry().Roster("ws1"))

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("{not json")))
	env = expect(t, alice, TypeError)
	require.Equal(t, errInvalidMessage, env.Error)

	// 连接仍然可用
	state := join(t, alice, "ws1")
	require.Len(t, state.Users, 1)
}

func TestHub_CursorAndCommentRelay(t *testing.T) {
	ts := newTestServer(t, testOptions(), 10)
	alice := ts.dial(t, "alice")
	bob := ts.dial(t, "bob")
	join(t, alice, "ws1")
	join(t, bob, "ws1")

	send(t, bob, TypeCursor, "ws1", CursorData{Cursor: &presence.CursorPosition{Line: 2, Column: 5}, ActiveDocument: "main.go"})
	env := expect(t, alice, TypeCursor)
	require.Equal(t, "bob", env.ParticipantID)
	require.Equal(t, 5, decode[CursorData](t, env).Cursor.Column)

	p, ok := ts.hub.Registry().Lookup("ws1", "bob")
	require.True(t, ok)
	require.Equal(t, "main.go", p.ActiveDocument)

	send(t, alice, TypeComment, "ws1", map[string]string{"id": "c1", "text": "looks good"})
	for _, conn := range []*websocket.Conn{alice, bob} {
		env = expect(t, conn, TypeComment)
		require.Equal(t, "alice", env.ParticipantID)
		require.JSONEq(t, `{"id":"c1","text":"looks good"}`, string(env.Data))
	}
}

func TestHub_DisconnectRemovesParticipant(t *testing.T) {
	ts := newTestServer(t, testOptions(), 10)
	alice := ts.dial(t, "alice")
	bob := ts.dial(t, "bob")
	join(t, alice, "ws1")
	join(t, bob, "ws1")

	require.NoError(t, bob.Close())

	env := expect(t, alice, TypeLeave)
	require.Equal(t, "bob", env.ParticipantID)
	roster := ts.hub.Registry().Roster("ws1")
	require.Len(t, roster, 1)
	require.Equal(t, "alice", roster[0].ParticipantID)
}

func TestHub_LeaveMessage(t *testing.T) {
	ts := newTestServer(t, testOptions(), 10)
	alice := ts.dial(t, "alice")
	bob := ts.dial(t, "bob")
	join(t, alice, "ws1")
	join(t, bob, "ws1")

	send(t, bob, TypeLeave, "ws1", nil)
	expect(t, alice, TypeLeave)

	// 离开后回到未加入状态
	send(t, bob, TypePing, "ws1", nil)
	require.Equal(t, errNotJoined, expect(t, bob, TypeError).Error)
}

func TestHub_MaxConnections(t *testing.T) {
	ts := newTestServer(t, testOptions(), 1)
	ts.dial(t, "alice")
	require.Eventually(t, func() bool { return ts.hub.Stats().Connections == 1 }, 2*time.Second, 10*time.Millisecond)

	second := ts.dial(t, "bob")
	ce := expectClose(t, second, websocket.ClosePolicyViolation)
	require.Equal(t, "Maximum connections reached", ce.Text)
}

func TestHub_SweepEvictsSilentParticipants(t *testing.T) {
	ts := newTestServer(t, testOptions(), 10)
	alice := ts.dial(t, "alice")
	bob := ts.dial(t, "bob")
	join(t, alice, "ws1")
	join(t, bob, "ws1")

	require.Equal(t, 0, ts.hub.Sweep(time.Now()))

	// 超过 PresenceTimeout 没有任何消息
	require.Equal(t, 2, ts.hub.Sweep(time.Now().Add(2*time.Minute)))
	expectClose(t, alice, websocket.CloseGoingAway)
	expectClose(t, bob, websocket.CloseGoingAway)
	require.Nil(t, ts.hub.Registry().Roster("ws1"))
}

func TestHub_ShutdownClosesConnections(t *testing.T) {
	ts := newTestServer(t, testOptions(), 10)
	alice := ts.dial(t, "alice")
	join(t, alice, "ws1")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, ts.hub.Shutdown(ctx))

	ce := expectClose(t, alice, websocket.CloseNormalClosure)
	require.Equal(t, "Server shutting down", ce.Text)
	require.Equal(t, 0, ts.hub.Stats().Connections)
}

func TestHub_RejectsConnectionsAfterShutdown(t *testing.T) {
	ts := newTestServer(t, testOptions(), 10)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, ts.hub.Shutdown(ctx))

	late := ts.dial(t, "late")
	ce := expectClose(t, late, websocket.CloseNormalClosure)
	require.Equal(t, "Server shutting down", ce.Text)
	require.Equal(t, 0, ts.hub.Stats().Connections)
}
