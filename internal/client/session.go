package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"livechat/internal/models"
)

var ErrNotConnected = errors.New("not connected")

// Config configures a Session.
type Config struct {
	URL        string
	Token      string
	AckTimeout time.Duration
	GCInterval time.Duration
	// NewBackOff builds the reconnect policy. It defaults to exponential
	// backoff that retries until the session context ends.
	NewBackOff func() backoff.BackOff
	Dialer     *websocket.Dialer
	Logger     *log.Logger
}

// Session keeps one live connection to the server for a signed-in user and
// feeds everything it receives into a Reconciler. Lost links are redialled
// and resynchronized.
type Session struct {
	cfg    Config
	rec    *Reconciler
	logger *log.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	waiters map[int64]chan models.Frame
	nextAck int64
	closed  bool

	writeMu sync.Mutex
	errs    chan error
}

func NewSession(cfg Config, rec *Reconciler) *Session {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 10 * time.Second
	}
	if cfg.GCInterval <= 0 {
		cfg.GCInterval = 5 * time.Second
	}
	if cfg.NewBackOff == nil {
		cfg.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		}
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[CLIENT] ", log.LstdFlags)
	}
	return &Session{
		cfg:     cfg,
		rec:     rec,
		logger:  cfg.Logger,
		waiters: make(map[int64]chan models.Frame),
		errs:    make(chan error, 16),
	}
}

// Reconciler returns the view the session feeds.
func (s *Session) Reconciler() *Reconciler {
	return s.rec
}

// Errors reports transient failures: rejected and timed-out sends.
func (s *Session) Errors() <-chan error {
	return s.errs
}

// Connected reports whether a live link is up.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Connect dials the server, retrying with backoff until it succeeds, the
// token is refused or ctx ends.
func (s *Session) Connect(ctx context.Context) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.cfg.Token)

	op := func() error {
		conn, resp, err := s.cfg.Dialer.DialContext(ctx, s.cfg.URL, header)
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusUnauthorized {
				return backoff.Permanent(fmt.Errorf("dial: token rejected: %w", err))
			}
			s.logger.Printf("dial failed: %v", err)
			return err
		}
		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		s.logger.Printf("connected url=%s", s.cfg.URL)
		return nil
	}
	return backoff.Retry(op, backoff.WithContext(s.cfg.NewBackOff(), ctx))
}

// Run serves the live link until ctx ends, reconnecting and resyncing after
// every loss.
func (s *Session) Run(ctx context.Context) error {
	if !s.Connected() {
		if err := s.Connect(ctx); err != nil {
			return err
		}
	}
	go s.expireLoop(ctx)

	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()

		stop := context.AfterFunc(ctx, func() { conn.Close() })
		err := s.readLoop(conn)
		stop()
		s.dropLink(conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if s.isClosed() {
			return nil
		}

		s.logger.Printf("link lost: %v, reconnecting", err)
		if err := s.Connect(ctx); err != nil {
			return err
		}
		go s.resync(ctx)
	}
}

// SelectPeer switches the conversation and loads its history.
func (s *Session) SelectPeer(ctx context.Context, peer int) error {
	gen := s.rec.SelectPeer(peer)
	return s.loadHistory(ctx, gen, peer)
}

// Send shows content optimistically and submits it. On a failure ack the
// optimistic entry is removed and the error returned. When the link is down
// the entry stays queued and is resubmitted after reconnecting.
func (s *Session) Send(ctx context.Context, content string) error {
	req, err := s.rec.AddPending(content)
	if err != nil {
		return err
	}
	return s.submit(ctx, req)
}

// UpdateStatus announces the user's status. There is no reply.
func (s *Session) UpdateStatus(status string) error {
	return s.write(models.Frame{
		Event: models.EventUpdateStatus,
		Data:  mustMarshal(models.StatusUpdate{UserID: s.rec.Self(), Status: status}),
	})
}

// Close ends the live link; Run returns without reconnecting.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	s.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	s.writeMu.Unlock()
	return conn.Close()
}

func (s *Session) loadHistory(ctx context.Context, gen uint64, peer int) error {
	frame, err := s.request(ctx, models.EventGetConversation, models.ConversationRequest{
		SenderID:   s.rec.Self(),
		ReceiverID: peer,
	})
	if err != nil {
		s.rec.AbandonHistory(gen)
		return fmt.Errorf("load history: %w", err)
	}
	var reply models.ConversationReply
	if err := json.Unmarshal(frame.Data, &reply); err != nil {
		s.rec.AbandonHistory(gen)
		return fmt.Errorf("load history: %w", err)
	}
	if !reply.Success {
		s.rec.AbandonHistory(gen)
		return fmt.Errorf("load history: %s", reply.Error)
	}
	s.rec.LoadHistory(gen, reply.Data)
	return nil
}

func (s *Session) submit(ctx context.Context, req models.SubmitRequest) error {
	frame, err := s.request(ctx, models.EventChatMessage, req)
	if err != nil {
		s.logger.Printf("submit deferred client_key=%s: %v", req.ClientKey, err)
		return err
	}
	var ack models.SubmitAck
	if err := json.Unmarshal(frame.Data, &ack); err != nil {
		return err
	}
	if !ack.Success || ack.Message == nil {
		s.rec.Fail(req.ClientKey)
		err := fmt.Errorf("message not sent: %s", ack.Error)
		s.report(err)
		return err
	}
	s.rec.Confirm(req.ClientKey, *ack.Message)
	return nil
}

// resync reloads the open conversation and resubmits queued sends with their
// original keys so the server can drop the ones it already stored.
func (s *Session) resync(ctx context.Context) {
	if peer := s.rec.Peer(); peer != 0 {
		if err := s.SelectPeer(ctx, peer); err != nil {
			s.logger.Printf("resync history failed: %v", err)
		}
	}
	for _, req := range s.rec.PendingRequests() {
		if err := s.submit(ctx, req); err != nil {
			s.logger.Printf("resync submit failed client_key=%s: %v", req.ClientKey, err)
		}
	}
}

func (s *Session) expireLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, req := range s.rec.ExpirePending(now) {
				s.report(fmt.Errorf("message %q timed out", req.Content))
			}
		}
	}
}

func (s *Session) readLoop(conn *websocket.Conn) error {
	for {
		var frame models.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return err
		}
		s.handle(frame)
	}
}

func (s *Session) handle(frame models.Frame) {
	switch frame.Event {
	case models.EventAck:
		s.mu.Lock()
		ch := s.waiters[frame.Ack]
		delete(s.waiters, frame.Ack)
		s.mu.Unlock()
		if ch != nil {
			ch <- frame
		}
	case models.EventChatMessage:
		var msg models.Message
		if err := json.Unmarshal(frame.Data, &msg); err != nil {
			s.logger.Printf("bad chatMessage: %v", err)
			return
		}
		s.rec.ApplyBroadcast(msg)
	case models.EventUpdateStatus:
		var update models.StatusUpdate
		if err := json.Unmarshal(frame.Data, &update); err != nil {
			s.logger.Printf("bad updateStatus: %v", err)
			return
		}
		s.rec.ApplyPresence(update)
	default:
		s.logger.Printf("ignoring event %q", frame.Event)
	}
}

// request sends an event and waits for its ack.
func (s *Session) request(ctx context.Context, event string, data any) (models.Frame, error) {
	s.mu.Lock()
	if s.conn == nil {
		s.mu.Unlock()
		return models.Frame{}, ErrNotConnected
	}
	s.nextAck++
	id := s.nextAck
	ch := make(chan models.Frame, 1)
	s.waiters[id] = ch
	s.mu.Unlock()

	if err := s.write(models.Frame{Event: event, Ack: id, Data: mustMarshal(data)}); err != nil {
		s.forget(id)
		return models.Frame{}, err
	}

	timer := time.NewTimer(s.cfg.AckTimeout)
	defer timer.Stop()
	select {
	case frame, ok := <-ch:
		if !ok {
			return models.Frame{}, ErrNotConnected
		}
		return frame, nil
	case <-timer.C:
		s.forget(id)
		return models.Frame{}, fmt.Errorf("%s: ack timeout", event)
	case <-ctx.Done():
		s.forget(id)
		return models.Frame{}, ctx.Err()
	}
}

func (s *Session) write(frame models.Frame) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(frame)
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) forget(id int64) {
	s.mu.Lock()
	delete(s.waiters, id)
	s.mu.Unlock()
}

// dropLink forgets conn and fails every request waiting on it.
func (s *Session) dropLink(conn *websocket.Conn) {
	conn.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == conn {
		s.conn = nil
	}
	for id, ch := range s.waiters {
		close(ch)
		delete(s.waiters, id)
	}
}

func (s *Session) report(err error) {
	select {
	case s.errs <- err:
	default:
		s.logger.Printf("dropped error: %v", err)
	}
}

func mustMarshal(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`null`)
	}
	return raw
}
