package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"livechat/internal/auth"
	"livechat/internal/db"
	"livechat/internal/mocks"
	"livechat/internal/models"
	"livechat/internal/observability"
	"livechat/internal/repositories"
)

type fixture struct {
	engine   *Engine
	messages *repositories.MessageRepo
	presence *repositories.SQLPresenceStore
	dir      *mocks.DirectoryMock
	events   *mocks.PublisherMock

	alice, bob, carol int
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	database, err := db.Connect("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	users := repositories.NewUserRepo(database)
	ctx := context.Background()
	f := &fixture{
		messages: repositories.NewMessageRepo(database),
		presence: repositories.NewSQLPresenceStore(database),
		dir:      new(mocks.DirectoryMock),
		events:   new(mocks.PublisherMock),
	}
	for name, id := range map[string]*int{"alice": &f.alice, "bob": &f.bob, "carol": &f.carol} {
		u, err := users.CreateUser(ctx, name, name+"@example.com", "hash")
		require.NoError(t, err)
		*id = u.ID
	}
	f.events.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	f.engine = NewEngine(f.messages, f.presence, f.dir, f.events, opts)
	return f
}

func (f *fixture) open(t *testing.T, id string, userID int) *Conn {
	t.Helper()
	c := testConn(id)
	require.NoError(t, f.engine.Open(context.Background(), c, userID))
	return c
}

func (f *fixture) status(t *testing.T, userID int) string {
	t.Helper()
	statuses, err := f.presence.Statuses(context.Background(), []int{userID})
	require.NoError(t, err)
	return statuses[userID]
}

func dispatch(t *testing.T, e *Engine, c *Conn, event string, ack int64, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	frame, err := json.Marshal(models.Frame{Event: event, Ack: ack, Data: raw})
	require.NoError(t, err)
	e.Dispatch(c, frame)
}

// drain returns every frame queued on conns.
func drain(t *testing.T, conns ...*Conn) []models.Frame {
	t.Helper()
	var out []models.Frame
	for _, c := range conns {
	queued:
		for {
			select {
			case payload, ok := <-c.send:
				if !ok {
					break queued
				}
				var frame models.Frame
				require.NoError(t, json.Unmarshal(payload, &frame))
				out = append(out, frame)
			default:
				break queued
			}
		}
	}
	return out
}

func submitAck(t *testing.T, frame models.Frame) models.SubmitAck {
	t.Helper()
	require.Equal(t, models.EventAck, frame.Event)
	var ack models.SubmitAck
	require.NoError(t, json.Unmarshal(frame.Data, &ack))
	return ack
}

func chatMessages(t *testing.T, frames []models.Frame) []models.Message {
	t.Helper()
	var out []models.Message
	for _, f := range frames {
		if f.Event != models.EventChatMessage {
			continue
		}
		var msg models.Message
		require.NoError(t, json.Unmarshal(f.Data, &msg))
		out = append(out, msg)
	}
	return out
}

func statusUpdates(t *testing.T, frames []models.Frame) []models.StatusUpdate {
	t.Helper()
	var out []models.StatusUpdate
	for _, f := range frames {
		if f.Event != models.EventUpdateStatus {
			continue
		}
		var upd models.StatusUpdate
		require.NoError(t, json.Unmarshal(f.Data, &upd))
		out = append(out, upd)
	}
	return out
}

func TestOpenWithIdentityAnnouncesOnline(t *testing.T) {
	f := newFixture(t, Options{})
	watcher := f.open(t, "watcher", 0)

	f.open(t, "alice", f.alice)

	updates := statusUpdates(t, drain(t, watcher))
	require.Len(t, updates, 1)
	assert.Equal(t, models.StatusUpdate{UserID: f.alice, Status: models.StatusOnline}, updates[0])
	assert.Equal(t, models.StatusOnline, f.status(t, f.alice))
	f.events.AssertCalled(t, "Publish", mock.Anything, "presence.updated", mock.Anything)
}

func TestSubmitDeliversBeforeAck(t *testing.T) {
	f := newFixture(t, Options{})
	a := f.open(t, "a", f.alice)
	b := f.open(t, "b", f.bob)
	c := f.open(t, "c", f.carol)
	drain(t, a, b, c)

	dispatch(t, f.engine, a, models.EventChatMessage, 1, models.SubmitRequest{
		SenderID: f.alice, ReceiverID: f.bob, Content: "hello", ClientKey: "k1",
	})

	aliceFrames := drain(t, a)
	require.Len(t, aliceFrames, 2)
	assert.Equal(t, models.EventChatMessage, aliceFrames[0].Event)
	ack := submitAck(t, aliceFrames[1])
	assert.Equal(t, int64(1), aliceFrames[1].Ack)
	require.True(t, ack.Success)
	require.NotNil(t, ack.Message)
	assert.NotZero(t, ack.ID)
	assert.Equal(t, "k1", ack.ClientKey)
	assert.False(t, ack.CreatedAt.IsZero())

	delivered := chatMessages(t, drain(t, b))
	require.Len(t, delivered, 1)
	assert.Equal(t, ack.ID, delivered[0].ID)
	assert.Equal(t, "hello", delivered[0].Content)

	assert.Empty(t, drain(t, c), "direct delivery skips uninvolved users")
	f.events.AssertCalled(t, "Publish", mock.Anything, "message.created", mock.Anything)
}

func TestBroadcastModeReachesEveryConnection(t *testing.T) {
	f := newFixture(t, Options{DeliveryMode: DeliveryBroadcast})
	a := f.open(t, "a", f.alice)
	c := f.open(t, "c", f.carol)
	anon := f.open(t, "anon", 0)
	drain(t, a, c, anon)

	dispatch(t, f.engine, a, models.EventChatMessage, 1, models.SubmitRequest{ReceiverID: f.bob, Content: "hi"})

	assert.Len(t, chatMessages(t, drain(t, c)), 1)
	assert.Len(t, chatMessages(t, drain(t, anon)), 1)
}

func TestAcksFollowSubmissionOrder(t *testing.T) {
	f := newFixture(t, Options{})
	a := f.open(t, "a", f.alice)
	drain(t, a)

	for i := int64(1); i <= 3; i++ {
		dispatch(t, f.engine, a, models.EventChatMessage, i, models.SubmitRequest{
			SenderID: f.alice, ReceiverID: f.bob, Content: "m",
		})
	}

	var acks []models.SubmitAck
	var ackIDs []int64
	for _, frame := range drain(t, a) {
		if frame.Event == models.EventAck {
			ackIDs = append(ackIDs, frame.Ack)
			acks = append(acks, submitAck(t, frame))
		}
	}
	assert.Equal(t, []int64{1, 2, 3}, ackIDs)
	require.Len(t, acks, 3)
	for i := 1; i < len(acks); i++ {
		assert.Greater(t, acks[i].ID, acks[i-1].ID)
		assert.False(t, acks[i].CreatedAt.Before(acks[i-1].CreatedAt))
	}
}

func TestConversationIsSymmetric(t *testing.T) {
	f := newFixture(t, Options{})
	a := f.open(t, "a", f.alice)
	b := f.open(t, "b", f.bob)

	dispatch(t, f.engine, a, models.EventChatMessage, 1, models.SubmitRequest{ReceiverID: f.bob, Content: "one"})
	dispatch(t, f.engine, b, models.EventChatMessage, 1, models.SubmitRequest{ReceiverID: f.alice, Content: "two"})
	dispatch(t, f.engine, a, models.EventChatMessage, 2, models.SubmitRequest{ReceiverID: f.carol, Content: "elsewhere"})
	drain(t, a, b)

	history := func(c *Conn, sender, receiver int) []models.Message {
		dispatch(t, f.engine, c, models.EventGetConversation, 9, models.ConversationRequest{SenderID: sender, ReceiverID: receiver})
		frames := drain(t, c)
		require.Len(t, frames, 1)
		var reply models.ConversationReply
		require.NoError(t, json.Unmarshal(frames[0].Data, &reply))
		require.True(t, reply.Success)
		return reply.Data
	}

	fromAlice := history(a, f.alice, f.bob)
	fromBob := history(b, f.bob, f.alice)
	require.Len(t, fromAlice, 2)
	assert.Equal(t, fromAlice, fromBob)
	assert.Equal(t, "one", fromAlice[0].Content)
	assert.Equal(t, "two", fromAlice[1].Content)
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t, Options{MaxContentLength: 5})
	a := f.open(t, "a", f.alice)
	b := f.open(t, "b", f.bob)
	drain(t, a, b)

	cases := map[string]models.SubmitRequest{
		"missing receiver": {Content: "hi"},
		"empty content":    {ReceiverID: f.bob},
		"blank content":    {ReceiverID: f.bob, Content: "   "},
		"too long":         {ReceiverID: f.bob, Content: "héllo!"},
		"self chat":        {ReceiverID: f.alice, Content: "hi"},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			dispatch(t, f.engine, a, models.EventChatMessage, 4, req)
			frames := drain(t, a)
			require.Len(t, frames, 1)
			ack := submitAck(t, frames[0])
			assert.False(t, ack.Success)
			assert.Equal(t, "validation", ack.Code)
			assert.Empty(t, drain(t, b))
		})
	}

	msgs, err := f.messages.RangeByPair(context.Background(), f.alice, f.bob)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	dispatch(t, f.engine, a, models.EventChatMessage, 5, models.SubmitRequest{ReceiverID: f.bob, Content: "héllo"})
	assert.True(t, submitAck(t, drain(t, a)[1]).Success, "limit counts characters, not bytes")
}

func TestSubmitRequiresMatchingIdentity(t *testing.T) {
	f := newFixture(t, Options{})
	a := f.open(t, "a", f.alice)
	anon := f.open(t, "anon", 0)
	drain(t, a, anon)

	dispatch(t, f.engine, a, models.EventChatMessage, 1, models.SubmitRequest{SenderID: f.bob, ReceiverID: f.carol, Content: "spoof"})
	assert.Equal(t, "auth", submitAck(t, drain(t, a)[0]).Code)

	dispatch(t, f.engine, anon, models.EventChatMessage, 1, models.SubmitRequest{SenderID: f.alice, ReceiverID: f.bob, Content: "hi"})
	assert.Equal(t, "auth", submitAck(t, drain(t, anon)[0]).Code)

	dispatch(t, f.engine, anon, models.EventGetConversation, 2, models.ConversationRequest{SenderID: f.alice, ReceiverID: f.bob})
	var reply models.ConversationReply
	require.NoError(t, json.Unmarshal(drain(t, anon)[0].Data, &reply))
	assert.False(t, reply.Success)
	assert.Equal(t, "auth", reply.Code)
}

func TestSubmitStoreFailureDeliversNothing(t *testing.T) {
	f := newFixture(t, Options{})
	failing := new(mocks.MessageRepositoryMock)
	failing.On("Append", mock.Anything, f.alice, f.bob, "hello", "k").Return(nil, false, assert.AnError).Once()
	engine := NewEngine(failing, f.presence, f.dir, nil, Options{})

	a, b := testConn("a"), testConn("b")
	require.NoError(t, engine.Open(context.Background(), a, f.alice))
	require.NoError(t, engine.Open(context.Background(), b, f.bob))
	drain(t, a, b)

	dispatch(t, engine, a, models.EventChatMessage, 7, models.SubmitRequest{ReceiverID: f.bob, Content: "hello", ClientKey: "k"})

	frames := drain(t, a)
	require.Len(t, frames, 1)
	ack := submitAck(t, frames[0])
	assert.False(t, ack.Success)
	assert.Equal(t, "store", ack.Code)
	assert.Nil(t, ack.Message)
	assert.Empty(t, drain(t, b))
	failing.AssertExpectations(t)
}

func TestResubmitWithSameClientKeyIsIdempotent(t *testing.T) {
	f := newFixture(t, Options{})
	a := f.open(t, "a", f.alice)
	b := f.open(t, "b", f.bob)
	drain(t, a, b)

	req := models.SubmitRequest{ReceiverID: f.bob, Content: "once", ClientKey: "retry-key"}
	dispatch(t, f.engine, a, models.EventChatMessage, 1, req)
	dispatch(t, f.engine, a, models.EventChatMessage, 2, req)

	var acks []models.SubmitAck
	for _, frame := range drain(t, a) {
		if frame.Event == models.EventAck {
			acks = append(acks, submitAck(t, frame))
		}
	}
	require.Len(t, acks, 2)
	assert.Equal(t, acks[0].ID, acks[1].ID)
	assert.True(t, acks[0].CreatedAt.Equal(acks[1].CreatedAt))

	delivered := chatMessages(t, drain(t, b))
	require.Len(t, delivered, 2)
	assert.Equal(t, delivered[0].ID, delivered[1].ID)

	msgs, err := f.messages.RangeByPair(context.Background(), f.alice, f.bob)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	created := 0
	for _, call := range f.events.Calls {
		if call.Method == "Publish" && call.Arguments.String(1) == observability.EventMessageCreated {
			created++
		}
	}
	assert.Equal(t, 1, created)
}

func TestVerifyPolicyRejectsUnknownReceiver(t *testing.T) {
	f := newFixture(t, Options{ReceiverPolicy: ReceiverVerify})
	f.dir.On("UserExists", mock.Anything, 999).Return(false, nil).Once()
	f.dir.On("UserExists", mock.Anything, f.bob).Return(true, nil).Once()
	a := f.open(t, "a", f.alice)
	drain(t, a)

	dispatch(t, f.engine, a, models.EventChatMessage, 1, models.SubmitRequest{ReceiverID: 999, Content: "hi"})
	assert.Equal(t, "not_found", submitAck(t, drain(t, a)[0]).Code)

	dispatch(t, f.engine, a, models.EventChatMessage, 2, models.SubmitRequest{ReceiverID: f.bob, Content: "hi"})
	frames := drain(t, a)
	require.Len(t, frames, 2)
	assert.True(t, submitAck(t, frames[1]).Success)
	f.dir.AssertExpectations(t)
}

func TestIdentifyFrame(t *testing.T) {
	f := newFixture(t, Options{})
	f.dir.On("ValidateToken", mock.Anything, "good").Return(f.alice, nil)
	f.dir.On("ValidateToken", mock.Anything, "bad").Return(0, fmt.Errorf("%w: signature is invalid", auth.ErrInvalidToken))
	f.dir.On("ValidateToken", mock.Anything, "outage").Return(0, assert.AnError)
	watcher := f.open(t, "watcher", f.bob)
	anon := f.open(t, "anon", 0)
	drain(t, watcher, anon)

	dispatch(t, f.engine, anon, models.EventIdentify, 1, models.IdentifyRequest{Token: "bad"})
	var reply models.IdentifyReply
	require.NoError(t, json.Unmarshal(drain(t, anon)[0].Data, &reply))
	assert.False(t, reply.Success)
	assert.Equal(t, "auth", reply.Code)

	dispatch(t, f.engine, anon, models.EventIdentify, 3, models.IdentifyRequest{Token: "outage"})
	reply = models.IdentifyReply{}
	require.NoError(t, json.Unmarshal(drain(t, anon)[0].Data, &reply))
	assert.False(t, reply.Success)
	assert.Equal(t, "store", reply.Code)
	_, bound := anon.UserID()
	assert.False(t, bound)

	dispatch(t, f.engine, anon, models.EventIdentify, 2, models.IdentifyRequest{Token: "good"})
	var ack models.IdentifyReply
	for _, frame := range drain(t, anon) {
		if frame.Event == models.EventAck {
			require.NoError(t, json.Unmarshal(frame.Data, &ack))
		}
	}
	assert.True(t, ack.Success)
	assert.Equal(t, f.alice, ack.UserID)

	updates := statusUpdates(t, drain(t, watcher))
	require.Len(t, updates, 1)
	assert.Equal(t, f.alice, updates[0].UserID)

	userID, ok := anon.UserID()
	assert.True(t, ok)
	assert.Equal(t, f.alice, userID)
}

func TestUpdateStatusBroadcastsToEveryone(t *testing.T) {
	f := newFixture(t, Options{})
	a := f.open(t, "a", f.alice)
	c := f.open(t, "c", f.carol)
	anon := f.open(t, "anon", 0)
	drain(t, a, c, anon)

	dispatch(t, f.engine, a, models.EventUpdateStatus, 0, models.StatusUpdate{UserID: f.alice, Status: "away"})

	for _, conn := range []*Conn{a, c, anon} {
		updates := statusUpdates(t, drain(t, conn))
		require.Len(t, updates, 1)
		assert.Equal(t, "away", updates[0].Status)
	}
	assert.Equal(t, "away", f.status(t, f.alice))

	dispatch(t, f.engine, a, models.EventUpdateStatus, 0, models.StatusUpdate{UserID: f.carol, Status: "offline"})
	assert.Empty(t, drain(t, a, c, anon), "cannot set another user's status")
	assert.Equal(t, models.StatusOnline, f.status(t, f.carol))
}

func TestLegacyIdentifyThroughUpdateStatus(t *testing.T) {
	strict := newFixture(t, Options{})
	anon := strict.open(t, "anon", 0)
	dispatch(t, strict.engine, anon, models.EventUpdateStatus, 0, models.StatusUpdate{UserID: strict.alice, Status: "online"})
	assert.Empty(t, drain(t, anon))
	_, ok := anon.UserID()
	assert.False(t, ok)

	legacy := newFixture(t, Options{AllowLegacyIdentify: true})
	conn := legacy.open(t, "legacy", 0)
	dispatch(t, legacy.engine, conn, models.EventUpdateStatus, 0, models.StatusUpdate{UserID: legacy.alice, Status: "online"})
	updates := statusUpdates(t, drain(t, conn))
	require.Len(t, updates, 1, "bound without a second online broadcast")
	userID, ok := conn.UserID()
	assert.True(t, ok)
	assert.Equal(t, legacy.alice, userID)
}

func TestUpdateStatusStoreFailureIsNotBroadcast(t *testing.T) {
	presence := new(mocks.PresenceStoreMock)
	presence.On("SetStatus", mock.Anything, 1, models.StatusOnline).Return(assert.AnError)
	presence.On("SetStatus", mock.Anything, 1, "away").Return(assert.AnError)
	presence.On("SetStatus", mock.Anything, 1, models.StatusOffline).Return(assert.AnError)
	engine := NewEngine(new(mocks.MessageRepositoryMock), presence, new(mocks.DirectoryMock), nil, Options{})

	watcher := testConn("watcher")
	require.NoError(t, engine.Open(context.Background(), watcher, 0))
	c := testConn("c")
	require.NoError(t, engine.Open(context.Background(), c, 1))

	dispatch(t, engine, c, models.EventUpdateStatus, 0, models.StatusUpdate{UserID: 1, Status: "away"})
	engine.Close(c)

	assert.Empty(t, drain(t, watcher))
	presence.AssertExpectations(t)
}

func TestCloseMarksOfflineOnLastConnection(t *testing.T) {
	f := newFixture(t, Options{})
	a1 := f.open(t, "a1", f.alice)
	a2 := f.open(t, "a2", f.alice)
	b := f.open(t, "b", f.bob)
	drain(t, a1, a2, b)

	f.engine.Close(a1)
	assert.Empty(t, statusUpdates(t, drain(t, b)))
	assert.Equal(t, models.StatusOnline, f.status(t, f.alice))

	f.engine.Close(a2)
	updates := statusUpdates(t, drain(t, b))
	require.Len(t, updates, 1)
	assert.Equal(t, models.StatusUpdate{UserID: f.alice, Status: models.StatusOffline}, updates[0])
	assert.Equal(t, models.StatusOffline, f.status(t, f.alice))
	assert.False(t, f.engine.Registry().IsOnline(f.alice))

	anon := f.open(t, "anon", 0)
	f.engine.Close(anon)
	assert.Empty(t, drain(t, b))
}

func TestOfflineRecipientSeesMessageInHistory(t *testing.T) {
	f := newFixture(t, Options{})
	a := f.open(t, "a", f.alice)
	dispatch(t, f.engine, a, models.EventChatMessage, 1, models.SubmitRequest{ReceiverID: f.bob, Content: "while you were out"})
	drain(t, a)

	b := f.open(t, "b", f.bob)
	drain(t, b)
	dispatch(t, f.engine, b, models.EventGetConversation, 1, models.ConversationRequest{ReceiverID: f.alice})

	frames := drain(t, b)
	require.Len(t, frames, 1)
	var reply models.ConversationReply
	require.NoError(t, json.Unmarshal(frames[0].Data, &reply))
	require.True(t, reply.Success)
	require.Len(t, reply.Data, 1)
	assert.Equal(t, "while you were out", reply.Data[0].Content)
}

func TestUnknownEventRepliesWhenAckRequested(t *testing.T) {
	f := newFixture(t, Options{})
	a := f.open(t, "a", f.alice)
	drain(t, a)

	dispatch(t, f.engine, a, "typing", 3, map[string]int{"receiverId": f.bob})
	frames := drain(t, a)
	require.Len(t, frames, 1)
	assert.Equal(t, int64(3), frames[0].Ack)
	var reply models.ErrorReply
	require.NoError(t, json.Unmarshal(frames[0].Data, &reply))
	assert.Equal(t, "validation", reply.Code)
	assert.True(t, strings.Contains(reply.Error, "typing"))

	dispatch(t, f.engine, a, "typing", 0, map[string]int{"receiverId": f.bob})
	f.engine.Dispatch(a, []byte("{not json"))
	assert.Empty(t, drain(t, a))
}

func TestSlowConsumerIsDroppedAndCleanedUp(t *testing.T) {
	f := newFixture(t, Options{})
	a := f.open(t, "a", f.alice)
	b := f.open(t, "b", f.bob)
	drain(t, a, b)
	for i := 0; i < sendBufferSize; i++ {
		require.True(t, b.enqueue([]byte(`{"event":"noop"}`)))
	}

	dispatch(t, f.engine, a, models.EventChatMessage, 1, models.SubmitRequest{ReceiverID: f.bob, Content: "hi"})
	frames := drain(t, a)
	require.Len(t, frames, 2)
	assert.True(t, submitAck(t, frames[1]).Success, "sender unaffected by a slow receiver")

	assert.False(t, b.enqueue([]byte("x")))
	f.engine.Close(b)
	assert.Equal(t, models.StatusOffline, f.status(t, f.bob))
}

func TestEngineDefaults(t *testing.T) {
	e := NewEngine(nil, nil, nil, nil, Options{})
	assert.Equal(t, DeliveryDirect, e.opts.DeliveryMode)
	assert.Equal(t, ReceiverTrust, e.opts.ReceiverPolicy)
	assert.Equal(t, 10*time.Second, e.opts.EventTimeout)
}
