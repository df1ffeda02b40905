package routers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Gopher0727/GroupChat/config"
	"github.com/Gopher0727/GroupChat/internal/handlers"
	"github.com/Gopher0727/GroupChat/internal/middlewares"
	"github.com/Gopher0727/GroupChat/internal/repositories"
	"github.com/Gopher0727/GroupChat/internal/services"
	"github.com/Gopher0727/GroupChat/internal/storage"
	"github.com/Gopher0727/GroupChat/internal/utils"
	"github.com/Gopher0727/GroupChat/middleware/jwt"
	logger "github.com/Gopher0727/GroupChat/middleware/log"
	"github.com/Gopher0727/GroupChat/pkg/ws"
	"github.com/Gopher0727/GroupChat/utils/snowflake"
)

type stack struct {
	server   *httptest.Server
	messages *services.MessageService
	pool     *utils.WorkerPool
}

func newStack(t *testing.T, auth middlewares.TokenParser) *stack {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := zap.NewNop()

	db, err := storage.OpenDatabase(&config.DatabaseConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "chat.db"),
		LogLevel:   "silent",
	}, log)
	require.NoError(t, err)

	ids, err := snowflake.NewGenerator(1)
	require.NoError(t, err)

	identity := services.NewIdentityService(repositories.NewUserRepository(db, nil, log), log)
	messages := services.NewMessageService(repositories.NewMessageRepository(db), ids, 50, log)
	pool := utils.NewWorkerPool(2, 64, log)
	pool.Start()

	ctx, cancel := context.WithCancel(context.Background())
	hub := ws.NewHub(nil, log)
	go hub.Run(ctx)

	co := &ws.Coordinator{
		Identity:     identity,
		History:      messages,
		Archiver:     services.NewPoolArchiver(pool, messages, log),
		Fanout:       hub,
		HistoryLimit: 50,
		Log:          log,
	}
	wsHandler := ws.NewHandler(hub, co, log)

	r := gin.New()
	opts := Options{
		Logger: logger.NewNop(),
		Health: handlers.NewHealthHandler(time.Now(), hub),
		WS:     wsHandler,
	}
	if auth != nil {
		opts.Auth = auth
	}
	SetupRoutes(r, opts)

	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		cancel()
		wsHandler.Wait()
		pool.Stop()
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return &stack{server: srv, messages: messages, pool: pool}
}

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	Ack   int64           `json:"ack"`
}

func dial(t *testing.T, s *stack, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event string, data any, ack int64) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(ws.Envelope{Event: event, Data: raw, Ack: ack}))
}

func next(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func nextMessage(t *testing.T, conn *websocket.Conn) ws.ChatMessage {
	t.Helper()
	f := next(t, conn)
	require.Equal(t, ws.EventMessage, f.Event)
	var m ws.ChatMessage
	require.NoError(t, json.Unmarshal(f.Data, &m))
	return m
}

func joinAndDrain(t *testing.T, conn *websocket.Conn, p ws.JoinPayload) []services.HistoryEntry {
	t.Helper()
	send(t, conn, ws.EventJoin, p, 1)

	ack := next(t, conn)
	require.Equal(t, ws.EventAck, ack.Event)
	require.JSONEq(t, `{"ok":true}`, string(ack.Data))

	hist := next(t, conn)
	require.Equal(t, ws.EventChatHistory, hist.Event)
	var entries []services.HistoryEntry
	require.NoError(t, json.Unmarshal(hist.Data, &entries))

	welcome := nextMessage(t, conn)
	require.True(t, welcome.IsEphemeral)
	return entries
}

func TestHealthRoute(t *testing.T) {
	s := newStack(t, nil)
	req, err := http.NewRequest(http.MethodGet, s.server.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:5173")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.NotEmpty(t, resp.Header.Get(logger.TraceHeader))
}

func TestChatFlow(t *testing.T) {
	s := newStack(t, nil)

	ada := dial(t, s, "")
	// 未加入前发送的消息被忽略
	send(t, ada, ws.EventSendMsg, "ignored", 0)
	history := joinAndDrain(t, ada, ws.JoinPayload{Name: "Ada", ExternalAuthID: "ext1"})
	assert.Empty(t, history)

	bob := dial(t, s, "")
	joinAndDrain(t, bob, ws.JoinPayload{Name: "Bob", AvatarURL: "b.png"})

	joined := nextMessage(t, ada)
	assert.Equal(t, "Bob has joined the chat", joined.Text)
	assert.Equal(t, services.SystemSenderName, joined.User)

	send(t, bob, ws.EventSendMsg, "hello everyone", 0)
	for _, conn := range []*websocket.Conn{ada, bob} {
		msg := nextMessage(t, conn)
		assert.Equal(t, ws.ChatMessage{User: "Bob", AvatarURL: "b.png", Text: "hello everyone"}, msg)
	}

	require.NoError(t, bob.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	left := nextMessage(t, ada)
	assert.Equal(t, "Bob has left the chat", left.Text)

	// 消息已异步落库，新加入者能看到历史
	assert.Eventually(t, func() bool {
		return len(s.messages.History(context.Background(), 0)) == 1
	}, 3*time.Second, 20*time.Millisecond)

	carol := dial(t, s, "")
	history = joinAndDrain(t, carol, ws.JoinPayload{Name: "Carol"})
	require.Len(t, history, 1)
	assert.Equal(t, "Bob", history[0].User)
	assert.Equal(t, "hello everyone", history[0].Text)
}

func TestJoinFailureAck(t *testing.T) {
	s := newStack(t, nil)

	first := dial(t, s, "")
	joinAndDrain(t, first, ws.JoinPayload{Name: "Dan", Email: "dan@example.com"})
	second := dial(t, s, "")
	joinAndDrain(t, second, ws.JoinPayload{Name: "Eve", ExternalAuthID: "ext-e"})
	_ = nextMessage(t, first) // Eve has joined

	// ext 找到 Eve，但 email 属于 Dan
	third := dial(t, s, "")
	send(t, third, ws.EventJoin, ws.JoinPayload{Name: "Eve", ExternalAuthID: "ext-e", Email: "dan@example.com"}, 9)
	ack := next(t, third)
	assert.Equal(t, ws.EventAck, ack.Event)
	assert.Equal(t, int64(9), ack.Ack)
	assert.JSONEq(t, `{"error":"Could not join chat"}`, string(ack.Data))
}

func TestAuthGate(t *testing.T) {
	tm := jwt.NewTokenManager("secret", "", time.Hour)
	s := newStack(t, tm)

	url := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := tm.GenerateToken("ext-frank", "Frank", "frank@example.com", "")
	require.NoError(t, err)
	conn := dial(t, s, "?token="+token)

	// 名字与身份都来自 token
	send(t, conn, ws.EventJoin, ws.JoinPayload{}, 1)
	ack := next(t, conn)
	require.JSONEq(t, `{"ok":true}`, string(ack.Data))
	_ = next(t, conn) // chatHistory
	welcome := nextMessage(t, conn)
	assert.Equal(t, "Welcome to the chat, Frank!", welcome.Text)
	assert.Equal(t, "ext-frank", welcome.TargetID)
}
