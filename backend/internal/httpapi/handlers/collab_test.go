package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"workspace-collab/backend/internal/cache"
	"workspace-collab/backend/internal/collab"
	"workspace-collab/backend/internal/ot"
	"workspace-collab/backend/internal/presence"
	"workspace-collab/backend/internal/ws"
)

type fixture struct {
	router   *gin.Engine
	engine   *collab.Engine
	registry *presence.Registry
}

type peer string

func (p peer) ID() string { return string(p) }

func newFixture(t *testing.T, mirror cache.PresenceCache) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	engine := collab.NewEngine(collab.NewStore(), nil, zerolog.Nop())
	registry := presence.NewRegistry()
	hub := ws.NewHub(engine, registry, mirror, nil, ws.DefaultOptions(), zerolog.Nop())

	r := gin.New()
	NewCollab(hub, engine, mirror).Register(r.Group("/collab"))
	return &fixture{router: r, engine: engine, registry: registry}
}

func (f *fixture) get(t *testing.T, url string, out interface{}) int {
	t.Helper()
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, url, nil))
	if out != nil && w.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), out))
	}
	return w.Code
}

func TestStatsAndUsers(t *testing.T) {
	f := newFixture(t, nil)
	f.registry.Join("ws1", presence.UserPresence{ParticipantID: "alice"}, peer("c1"))
	f.registry.Join("ws1", presence.UserPresence{ParticipantID: "bob"}, peer("c2"))

	var stats ws.Stats
	require.Equal(t, http.StatusOK, f.get(t, "/collab/stats", &stats))
	require.Equal(t, ws.Stats{Workspaces: 1, Participants: 2}, stats)

	var body struct {
		Users []presence.UserPresence `json:"users"`
		Count int                     `json:"count"`
	}
	require.Equal(t, http.StatusOK, f.get(t, "/collab/workspaces/ws1/users", &body))
	require.Equal(t, 2, body.Count)
	require.Equal(t, "alice", body.Users[0].ParticipantID)

	require.Equal(t, http.StatusOK, f.get(t, "/collab/workspaces/empty/users", &body))
	require.Equal(t, 0, body.Count)
	require.NotNil(t, body.Users)

	require.Equal(t, http.StatusOK, f.get(t, "/collab/healthz", nil))
}

func TestDocumentResync(t *testing.T) {
	f := newFixture(t, nil)
	key := ws.DocumentKey("ws1", "doc1")
	initial := "hello"
	_, err := f.engine.ApplyOperation(key, ot.TextOperation{Operations: []ot.Operation{ot.Insert(5, " world")}}, &initial)
	require.NoError(t, err)
	_, err = f.engine.ApplyOperation(key, ot.TextOperation{Operations: []ot.Operation{ot.Insert(0, "Oh, ")}, BaseVersion: 1}, nil)
	require.NoError(t, err)

	var doc struct {
		Content string `json:"content"`
		Version int    `json:"version"`
	}
	require.Equal(t, http.StatusOK, f.get(t, "/collab/documents/ws1/doc1", &doc))
	require.Equal(t, "Oh, hello world", doc.Content)
	require.Equal(t, 2, doc.Version)

	var ops struct {
		Version   int            `json:"version"`
		Operation []ot.Operation `json:"operation"`
	}
	require.Equal(t, http.StatusOK, f.get(t, "/collab/documents/ws1/doc1/ops?since=1", &ops))
	require.Equal(t, 2, ops.Version)
	got, err := ot.Apply("hello world", ot.TextOperation{Operations: ops.Operation, BaseVersion: 1})
	require.NoError(t, err)
	require.Equal(t, "Oh, hello world", got)

	require.Equal(t, http.StatusNotFound, f.get(t, "/collab/documents/ws1/missing", nil))
	require.Equal(t, http.StatusBadRequest, f.get(t, "/collab/documents/ws1/doc1/ops?since=7", nil))
	require.Equal(t, http.StatusBadRequest, f.get(t, "/collab/documents/ws1/doc1/ops?since=abc", nil))
}

func TestOnlineMembersFromMirror(t *testing.T) {
	require.Equal(t, http.StatusNotImplemented, newFixture(t, nil).get(t, "/collab/workspaces/ws1/online", nil))

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	mirror := cache.NewRedisPresence(rdb)
	require.NoError(t, mirror.AddMember(context.Background(), "ws1", "alice", "Alice", time.Minute))

	f := newFixture(t, mirror)
	var body struct {
		Members []cache.PresenceMember `json:"members"`
	}
	require.Equal(t, http.StatusOK, f.get(t, "/collab/workspaces/ws1/online", &body))
	require.Equal(t, []cache.PresenceMember{{ParticipantID: "alice", Name: "Alice"}}, body.Members)
}
