package client

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livechat/internal/auth"
	"livechat/internal/db"
	"livechat/internal/handlers"
	"livechat/internal/middleware"
	"livechat/internal/models"
	"livechat/internal/repositories"
	"livechat/internal/ws"
)

type testServer struct {
	api      *API
	messages *repositories.MessageRepo
}

func startServer(t *testing.T) *testServer {
	t.Helper()
	database, err := db.Connect("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	users := repositories.NewUserRepo(database)
	messages := repositories.NewMessageRepo(database)
	presence := repositories.NewSQLPresenceStore(database)
	directory := auth.NewDirectory(users, presence, auth.NewTokenManager("secret", time.Hour))
	engine := ws.NewEngine(messages, presence, directory, nil, ws.Options{})

	gin.SetMode(gin.TestMode)
	router := gin.New()
	authHandler := handlers.NewAuthHandler(directory, nil)
	router.POST("/signup", authHandler.Signup)
	router.POST("/signin", authHandler.Signin)
	router.GET("/users", middleware.AuthMiddleware(directory), handlers.NewUserHandler(directory).ListUsers)
	router.GET("/ws", ws.NewWebSocketHandler(engine).Handle)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &testServer{api: NewAPI(srv.URL), messages: messages}
}

type user struct {
	id       int
	session  *Session
	notified chan models.Message
}

func (ts *testServer) join(t *testing.T, name string) *user {
	t.Helper()
	ctx := context.Background()
	_, err := ts.api.SignUp(ctx, name, name+"@example.com", "pw")
	require.NoError(t, err)
	res, err := ts.api.SignIn(ctx, name+"@example.com", "pw")
	require.NoError(t, err)

	u := &user{id: res.User.ID, notified: make(chan models.Message, 8)}
	rec := NewReconciler(res.User.ID, Options{Notify: func(m models.Message) { u.notified <- m }})
	u.session = NewSession(Config{
		URL:        ts.api.WebSocketURL(),
		Token:      res.Token,
		AckTimeout: 2 * time.Second,
		NewBackOff: func() backoff.BackOff { return backoff.NewConstantBackOff(20 * time.Millisecond) },
	}, rec)

	runCtx, cancel := context.WithCancel(context.Background())
	require.NoError(t, u.session.Connect(runCtx))
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = u.session.Run(runCtx)
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	return u
}

func TestSessionsExchangeMessages(t *testing.T) {
	ts := startServer(t)
	alice := ts.join(t, "alice")
	bob := ts.join(t, "bob")
	ctx := context.Background()

	users, err := ts.api.ListUsers(ctx, alice.session.cfg.Token)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, bob.id, users[0].ID)
	alice.session.Reconciler().Roster().Load(users)

	require.NoError(t, alice.session.SelectPeer(ctx, bob.id))
	require.NoError(t, bob.session.SelectPeer(ctx, alice.id))

	require.NoError(t, alice.session.Send(ctx, "hello"))

	aliceView := alice.session.Reconciler().Messages()
	require.Len(t, aliceView, 1)
	assert.False(t, aliceView[0].Pending)
	assert.Equal(t, "hello", aliceView[0].Content)

	select {
	case m := <-bob.notified:
		assert.Equal(t, "hello", m.Content)
	case <-time.After(3 * time.Second):
		t.Fatal("bob was not notified")
	}
	require.Eventually(t, func() bool {
		return len(bob.session.Reconciler().Messages()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, alice.notified, "own messages do not notify")

	require.NoError(t, bob.session.UpdateStatus("away"))
	require.Eventually(t, func() bool {
		u, ok := alice.session.Reconciler().Roster().Get(bob.id)
		return ok && u.Status == "away"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSessionRejectedSendRollsBack(t *testing.T) {
	ts := startServer(t)
	alice := ts.join(t, "alice")
	ctx := context.Background()

	require.NoError(t, alice.session.SelectPeer(ctx, alice.id))
	err := alice.session.Send(ctx, "talking to myself")
	require.Error(t, err)

	assert.Empty(t, alice.session.Reconciler().Messages())
	select {
	case reported := <-alice.session.Errors():
		assert.Contains(t, reported.Error(), "message not sent")
	case <-time.After(time.Second):
		t.Fatal("error not surfaced")
	}
}

func TestSessionResubmitsAfterReconnect(t *testing.T) {
	ts := startServer(t)
	alice := ts.join(t, "alice")
	bob := ts.join(t, "bob")
	ctx := context.Background()
	require.NoError(t, alice.session.SelectPeer(ctx, bob.id))

	rec := alice.session.Reconciler()
	_, err := rec.AddPending("sent while offline")
	require.NoError(t, err)

	alice.session.mu.Lock()
	conn := alice.session.conn
	alice.session.mu.Unlock()
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		entries := rec.Messages()
		return len(entries) == 1 && !entries[0].Pending
	}, 3*time.Second, 20*time.Millisecond)
	assert.Empty(t, rec.PendingRequests())

	stored, err := ts.messages.RangeByPair(ctx, alice.id, bob.id)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "sent while offline", stored[0].Content)
}

func TestConnectRejectsBadToken(t *testing.T) {
	ts := startServer(t)
	s := NewSession(Config{
		URL:        ts.api.WebSocketURL(),
		Token:      "bogus",
		NewBackOff: func() backoff.BackOff { return backoff.NewConstantBackOff(10 * time.Millisecond) },
	}, NewReconciler(1, Options{}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Connect(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token rejected")
}
