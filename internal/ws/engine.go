package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"livechat/internal/auth"
	"livechat/internal/models"
	"livechat/internal/observability"
	"livechat/internal/repositories"
	"livechat/internal/telemetry"
)

// Delivery modes.
const (
	DeliveryDirect    = "direct"
	DeliveryBroadcast = "broadcast"
)

// Receiver policies.
const (
	ReceiverTrust  = "trust"
	ReceiverVerify = "verify"
)

// Directory resolves identities for the live channel.
type Directory interface {
	ValidateToken(ctx context.Context, token string) (int, error)
	UserExists(ctx context.Context, id int) (bool, error)
}

// Options tune the engine.
type Options struct {
	DeliveryMode        string
	ReceiverPolicy      string
	AllowLegacyIdentify bool
	MaxContentLength    int
	EventTimeout        time.Duration
}

// Engine is the server side synchronization engine. It owns the connection
// registry and handles every live channel event.
type Engine struct {
	messages  repositories.MessageRepository
	presence  repositories.PresenceStore
	directory Directory
	events    telemetry.Publisher
	registry  *Registry
	opts      Options
	tracer    trace.Tracer
}

// NewEngine constructs an Engine. events may be nil.
func NewEngine(messages repositories.MessageRepository, presence repositories.PresenceStore, directory Directory, events telemetry.Publisher, opts Options) *Engine {
	if opts.DeliveryMode == "" {
		opts.DeliveryMode = DeliveryDirect
	}
	if opts.ReceiverPolicy == "" {
		opts.ReceiverPolicy = ReceiverTrust
	}
	if opts.EventTimeout <= 0 {
		opts.EventTimeout = 10 * time.Second
	}
	return &Engine{
		messages:  messages,
		presence:  presence,
		directory: directory,
		events:    events,
		registry:  NewRegistry(),
		opts:      opts,
		tracer:    otel.Tracer("livechat/ws"),
	}
}

// Registry exposes the live connections.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Open registers c. A non-zero userID identifies it right away.
func (e *Engine) Open(ctx context.Context, c *Conn, userID int) error {
	e.registry.Add(c)
	if userID == 0 {
		return nil
	}
	return e.bind(ctx, c, userID, true)
}

// Close unregisters c. When it was the user's last live connection the user
// is marked offline.
func (e *Engine) Close(c *Conn) {
	userID, identified, last := e.registry.Remove(c)
	if !identified || !last {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.opts.EventTimeout)
	defer cancel()
	if err := e.UpdateStatus(ctx, userID, models.StatusOffline); err != nil {
		log.Printf("ws close: offline update failed user_id=%d err=%v", userID, err)
	}
}

// Dispatch handles one inbound frame from c. Replies are queued on c.
func (e *Engine) Dispatch(c *Conn, raw []byte) {
	start := time.Now()

	var frame models.Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		log.Printf("ws dispatch: malformed frame conn_id=%s err=%v", c.info.ConnID, err)
		observability.ObserveWSEvent("malformed", false, time.Since(start))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.opts.EventTimeout)
	defer cancel()
	ctx, span := e.tracer.Start(ctx, "ws."+frame.Event, trace.WithAttributes(
		attribute.String("ws.conn_id", c.info.ConnID),
		attribute.Int64("ws.ack", frame.Ack),
	))
	defer span.End()

	label := frame.Event
	var err error
	switch frame.Event {
	case models.EventGetConversation:
		err = e.handleConversation(ctx, c, frame)
	case models.EventChatMessage:
		err = e.handleSubmit(ctx, c, frame)
	case models.EventUpdateStatus:
		err = e.handleStatus(ctx, c, frame)
	case models.EventIdentify:
		err = e.handleIdentify(ctx, c, frame)
	default:
		label = "unknown"
		err = fmt.Errorf("%w: unknown event %q", ErrValidation, frame.Event)
		if frame.Ack != 0 {
			e.reply(c, frame.Ack, models.ErrorReply{Success: false, Error: err.Error(), Code: errorCode(err)})
		} else {
			log.Printf("ws dispatch: %v conn_id=%s", err, c.info.ConnID)
		}
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	observability.ObserveWSEvent(label, err == nil, time.Since(start))
}

func (e *Engine) handleConversation(ctx context.Context, c *Conn, frame models.Frame) error {
	var req models.ConversationRequest
	msgs, err := func() ([]models.Message, error) {
		if err := decode(frame.Data, &req); err != nil {
			return nil, err
		}
		senderID, err := e.resolveSender(c, req.SenderID)
		if err != nil {
			return nil, err
		}
		if req.ReceiverID == 0 {
			return nil, fmt.Errorf("%w: senderId and receiverId are required", ErrValidation)
		}
		return e.Conversation(ctx, senderID, req.ReceiverID)
	}()
	if err != nil {
		e.reply(c, frame.Ack, models.ConversationReply{Success: false, Error: err.Error(), Code: errorCode(err)})
		return err
	}
	e.reply(c, frame.Ack, models.ConversationReply{Success: true, Data: msgs})
	return nil
}

func (e *Engine) handleSubmit(ctx context.Context, c *Conn, frame models.Frame) error {
	var req models.SubmitRequest
	msg, err := func() (models.Message, error) {
		if err := decode(frame.Data, &req); err != nil {
			return models.Message{}, err
		}
		senderID, err := e.resolveSender(c, req.SenderID)
		if err != nil {
			return models.Message{}, err
		}
		return e.SubmitAs(ctx, senderID, req)
	}()
	if err != nil {
		e.reply(c, frame.Ack, models.SubmitAck{Success: false, Error: err.Error(), Code: errorCode(err)})
		return err
	}
	e.reply(c, frame.Ack, models.SubmitAck{Success: true, Message: &msg})
	return nil
}

// handleStatus never replies; failures are only logged.
func (e *Engine) handleStatus(ctx context.Context, c *Conn, frame models.Frame) error {
	var update models.StatusUpdate
	if err := decode(frame.Data, &update); err != nil {
		log.Printf("ws updateStatus: %v conn_id=%s", err, c.info.ConnID)
		return err
	}
	if strings.TrimSpace(update.Status) == "" {
		err := fmt.Errorf("%w: status is required", ErrValidation)
		log.Printf("ws updateStatus: %v conn_id=%s", err, c.info.ConnID)
		return err
	}

	userID, identified := c.UserID()
	switch {
	case !identified && e.opts.AllowLegacyIdentify && update.UserID != 0:
		if err := e.bind(ctx, c, update.UserID, false); err != nil {
			log.Printf("ws updateStatus: legacy identify failed conn_id=%s err=%v", c.info.ConnID, err)
			return err
		}
		userID = update.UserID
	case !identified:
		err := fmt.Errorf("%w: connection not identified", ErrAuth)
		log.Printf("ws updateStatus: %v conn_id=%s", err, c.info.ConnID)
		return err
	case update.UserID != 0 && update.UserID != userID:
		err := fmt.Errorf("%w: userId does not match connection", ErrAuth)
		log.Printf("ws updateStatus: %v conn_id=%s user_id=%d", err, c.info.ConnID, userID)
		return err
	}

	if err := e.UpdateStatus(ctx, userID, update.Status); err != nil {
		log.Printf("ws updateStatus: user_id=%d err=%v", userID, err)
		return err
	}
	return nil
}

func (e *Engine) handleIdentify(ctx context.Context, c *Conn, frame models.Frame) error {
	var req models.IdentifyRequest
	userID, err := func() (int, error) {
		if err := decode(frame.Data, &req); err != nil {
			return 0, err
		}
		if req.Token == "" {
			return 0, fmt.Errorf("%w: token is required", ErrValidation)
		}
		userID, err := e.directory.ValidateToken(ctx, req.Token)
		if err != nil {
			return 0, classifyTokenError(err)
		}
		return userID, e.bind(ctx, c, userID, true)
	}()
	if err != nil {
		e.reply(c, frame.Ack, models.IdentifyReply{Success: false, Error: err.Error(), Code: errorCode(err)})
		return err
	}
	e.reply(c, frame.Ack, models.IdentifyReply{Success: true, UserID: userID})
	return nil
}

// SubmitAs persists a message from senderID and delivers it. Resubmitting a
// clientKey the sender already used returns and redelivers the stored
// message.
func (e *Engine) SubmitAs(ctx context.Context, senderID int, req models.SubmitRequest) (models.Message, error) {
	if senderID == 0 || req.ReceiverID == 0 {
		return models.Message{}, fmt.Errorf("%w: senderId and receiverId are required", ErrValidation)
	}
	if senderID == req.ReceiverID {
		return models.Message{}, fmt.Errorf("%w: cannot message yourself", ErrValidation)
	}
	if strings.TrimSpace(req.Content) == "" {
		return models.Message{}, fmt.Errorf("%w: content is required", ErrValidation)
	}
	if e.opts.MaxContentLength > 0 && utf8.RuneCountInString(req.Content) > e.opts.MaxContentLength {
		return models.Message{}, fmt.Errorf("%w: content exceeds %d characters", ErrValidation, e.opts.MaxContentLength)
	}
	if e.opts.ReceiverPolicy == ReceiverVerify {
		exists, err := e.directory.UserExists(ctx, req.ReceiverID)
		if err != nil {
			return models.Message{}, fmt.Errorf("%w: %v", ErrStore, err)
		}
		if !exists {
			return models.Message{}, fmt.Errorf("%w: receiver %d", ErrNotFound, req.ReceiverID)
		}
	}

	msg, created, err := e.messages.Append(ctx, senderID, req.ReceiverID, req.Content, req.ClientKey)
	if err != nil {
		log.Printf("ws submit: append failed sender_id=%d receiver_id=%d err=%v", senderID, req.ReceiverID, err)
		return models.Message{}, fmt.Errorf("%w: failed to save message", ErrStore)
	}

	e.deliver(msg)
	if created {
		observability.IncMessagePersisted()
		e.publish(ctx, observability.EventMessageCreated, msg)
	} else {
		log.Printf("ws submit: redelivered existing message id=%d sender_id=%d client_key=%s", msg.ID, senderID, req.ClientKey)
	}
	return msg, nil
}

// Conversation returns the history between a and b, oldest first.
func (e *Engine) Conversation(ctx context.Context, a, b int) ([]models.Message, error) {
	if a == 0 || b == 0 {
		return nil, fmt.Errorf("%w: senderId and receiverId are required", ErrValidation)
	}
	msgs, err := e.messages.RangeByPair(ctx, a, b)
	if err != nil {
		log.Printf("ws conversation: range failed a=%d b=%d err=%v", a, b, err)
		return nil, fmt.Errorf("%w: failed to fetch conversation", ErrStore)
	}
	return msgs, nil
}

// UpdateStatus persists the status of userID and broadcasts it to every
// connection. Nothing is broadcast when the write fails.
func (e *Engine) UpdateStatus(ctx context.Context, userID int, status string) error {
	if err := e.presence.SetStatus(ctx, userID, status); err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	update := models.StatusUpdate{UserID: userID, Status: status}
	payload, err := json.Marshal(models.Frame{Event: models.EventUpdateStatus, Data: mustRaw(update)})
	if err != nil {
		return err
	}
	for _, c := range e.registry.All() {
		c.enqueue(payload)
	}
	e.publish(ctx, observability.EventPresenceUpdated, update)
	return nil
}

func (e *Engine) deliver(msg models.Message) {
	payload, err := json.Marshal(models.Frame{Event: models.EventChatMessage, Data: mustRaw(msg)})
	if err != nil {
		log.Printf("ws deliver: marshal failed message_id=%d err=%v", msg.ID, err)
		return
	}

	var targets []*Conn
	if e.opts.DeliveryMode == DeliveryBroadcast {
		targets = e.registry.All()
	} else {
		targets = e.registry.ForUsers(msg.SenderID, msg.ReceiverID)
	}
	for _, c := range targets {
		if !c.enqueue(payload) {
			log.Printf("ws deliver: dropped message_id=%d conn_id=%s", msg.ID, c.info.ConnID)
		}
	}
}

func (e *Engine) bind(ctx context.Context, c *Conn, userID int, announce bool) error {
	first, err := e.registry.Bind(c, userID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuth, err)
	}
	log.Printf("ws identified conn_id=%s user_id=%d", c.info.ConnID, userID)
	if first && announce {
		if err := e.UpdateStatus(ctx, userID, models.StatusOnline); err != nil {
			log.Printf("ws identify: online update failed user_id=%d err=%v", userID, err)
		}
	}
	return nil
}

// resolveSender checks a claimed sender id against the identity bound to c.
// A zero claim means "me".
func (e *Engine) resolveSender(c *Conn, claimed int) (int, error) {
	userID, identified := c.UserID()
	if !identified {
		return 0, fmt.Errorf("%w: connection not identified", ErrAuth)
	}
	if claimed != 0 && claimed != userID {
		return 0, fmt.Errorf("%w: senderId does not match connection", ErrAuth)
	}
	return userID, nil
}

func (e *Engine) reply(c *Conn, ack int64, data any) {
	payload, err := json.Marshal(models.Frame{Event: models.EventAck, Ack: ack, Data: mustRaw(data)})
	if err != nil {
		log.Printf("ws reply: marshal failed conn_id=%s err=%v", c.info.ConnID, err)
		return
	}
	c.enqueue(payload)
}

func (e *Engine) publish(ctx context.Context, eventType string, payload any) {
	if e.events == nil {
		return
	}
	traceID := ""
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		traceID = sc.TraceID().String()
	}
	if err := e.events.Publish(ctx, eventType, observability.NewEnvelope(eventType, traceID, payload)); err != nil {
		log.Printf("ws publish failed: event_type=%s err=%v", eventType, err)
	}
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing data", ErrValidation)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

func mustRaw(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`null`)
	}
	return raw
}

// classifyTokenError separates rejected tokens from directory outages.
func classifyTokenError(err error) error {
	if errors.Is(err, auth.ErrInvalidToken) {
		return fmt.Errorf("%w: %v", ErrAuth, err)
	}
	log.Printf("ws auth: token lookup failed err=%v", err)
	return fmt.Errorf("%w: token lookup failed", ErrStore)
}
