package client

import (
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"livechat/internal/models"
)

const (
	DefaultDuplicateWindow = 5 * time.Second
	DefaultPendingTimeout  = 30 * time.Second
	DefaultEarlyBufferSize = 256
)

var (
	ErrNoPeer       = errors.New("no conversation selected")
	ErrEmptyContent = errors.New("message is empty")
)

// Entry is one row of the conversation view. Pending entries carry a
// temporary id until the server confirms them.
type Entry struct {
	models.Message
	TempID  string
	Pending bool

	addedAt time.Time
}

// Key identifies the entry within the view.
func (e Entry) Key() string {
	if e.Pending {
		return e.TempID
	}
	return strconv.Itoa(e.ID)
}

type outboxItem struct {
	req    models.SubmitRequest
	sentAt time.Time
}

// Options tune a Reconciler. Zero values select the defaults.
type Options struct {
	DuplicateWindow time.Duration
	PendingTimeout  time.Duration
	// EarlyBufferSize bounds the broadcasts held while history loads. The
	// oldest are dropped first; the history reply covers them.
	EarlyBufferSize int
	// Notify is called, outside the lock, for each new message the selected
	// peer sends.
	Notify func(models.Message)
	Now    func() time.Time
	NewKey func() string
}

// Reconciler merges history, optimistic sends, acks and broadcasts into one
// ordered, duplicate-free view of the conversation with the selected peer.
// Every method is safe for concurrent use and idempotent for repeated input.
type Reconciler struct {
	mu      sync.Mutex
	self    int
	peer    int
	gen     uint64
	loaded  bool
	entries []Entry
	early   []models.Message
	outbox  map[string]outboxItem
	roster  *Roster
	opts    Options
}

func NewReconciler(self int, opts Options) *Reconciler {
	if opts.DuplicateWindow <= 0 {
		opts.DuplicateWindow = DefaultDuplicateWindow
	}
	if opts.PendingTimeout <= 0 {
		opts.PendingTimeout = DefaultPendingTimeout
	}
	if opts.EarlyBufferSize <= 0 {
		opts.EarlyBufferSize = DefaultEarlyBufferSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewKey == nil {
		opts.NewKey = uuid.NewString
	}
	return &Reconciler{self: self, outbox: make(map[string]outboxItem), roster: NewRoster(), opts: opts}
}

func (r *Reconciler) Self() int {
	return r.self
}

func (r *Reconciler) Roster() *Roster {
	return r.roster
}

// Peer returns the selected peer, or 0.
func (r *Reconciler) Peer() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peer
}

// SelectPeer clears the view and starts a new selection. The returned
// generation must be passed to LoadHistory.
func (r *Reconciler) SelectPeer(peer int) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peer = peer
	r.gen++
	r.loaded = false
	r.entries = nil
	r.early = nil
	return r.gen
}

// LoadHistory installs the base list for selection gen. Results for an older
// selection are discarded and false is returned. Broadcasts buffered while
// loading and unconfirmed sends to the peer are merged in.
func (r *Reconciler) LoadHistory(gen uint64, msgs []models.Message) bool {
	var fresh []models.Message
	r.mu.Lock()
	if gen != r.gen {
		r.mu.Unlock()
		return false
	}

	r.entries = make([]Entry, 0, len(msgs)+len(r.outbox))
	now := r.opts.Now()
	for _, m := range msgs {
		if !m.Involves(r.self, r.peer) || r.isDuplicateLocked(m) {
			continue
		}
		r.entries = append(r.entries, Entry{Message: m, addedAt: now})
		if m.SenderID == r.self && m.ClientKey != "" {
			delete(r.outbox, m.ClientKey)
		}
	}
	for _, m := range r.early {
		if r.isDuplicateLocked(m) {
			continue
		}
		r.insertLocked(Entry{Message: m, addedAt: now})
		if m.SenderID == r.self && m.ClientKey != "" {
			delete(r.outbox, m.ClientKey)
		}
		if m.SenderID == r.peer {
			fresh = append(fresh, m)
		}
	}
	for _, item := range r.pendingLocked() {
		if item.req.ReceiverID == r.peer {
			r.entries = append(r.entries, r.pendingEntry(item.req, item.sentAt))
		}
	}
	r.early = nil
	r.loaded = true
	notify := r.opts.Notify
	r.mu.Unlock()

	if notify != nil {
		for _, m := range fresh {
			notify(m)
		}
	}
	return true
}

// AddPending appends an optimistic entry for content and returns the request
// to submit.
func (r *Reconciler) AddPending(content string) (models.SubmitRequest, error) {
	if strings.TrimSpace(content) == "" {
		return models.SubmitRequest{}, ErrEmptyContent
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.peer == 0 {
		return models.SubmitRequest{}, ErrNoPeer
	}

	req := models.SubmitRequest{
		SenderID:   r.self,
		ReceiverID: r.peer,
		Content:    content,
		ClientKey:  r.opts.NewKey(),
	}
	now := r.opts.Now()
	r.outbox[req.ClientKey] = outboxItem{req: req, sentAt: now}
	r.entries = append(r.entries, r.pendingEntry(req, now))
	return req, nil
}

// Confirm replaces the pending entry for clientKey with the stored message.
func (r *Reconciler) Confirm(clientKey string, msg models.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.outbox, clientKey)

	idx := r.indexByClientKeyLocked(clientKey, r.self)
	if idx < 0 {
		return
	}
	for i, e := range r.entries {
		if i != idx && !e.Pending && e.ID == msg.ID {
			// already shown through a broadcast
			r.removeLocked(idx)
			return
		}
	}
	r.entries[idx] = Entry{Message: msg, addedAt: r.entries[idx].addedAt}
}

// Fail drops the pending entry for clientKey. It reports whether anything
// was still pending under that key.
func (r *Reconciler) Fail(clientKey string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, queued := r.outbox[clientKey]
	delete(r.outbox, clientKey)

	for i, e := range r.entries {
		if e.Pending && e.ClientKey == clientKey {
			r.removeLocked(i)
			return true
		}
	}
	return queued
}

// AbandonHistory drops the broadcasts buffered for selection gen after its
// history request failed. The next selection or resync starts clean.
func (r *Reconciler) AbandonHistory(gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen == r.gen && !r.loaded {
		r.early = nil
	}
}

// ApplyBroadcast merges a delivered message. Messages outside the selected
// conversation and duplicates are ignored. It reports whether the view
// changed.
func (r *Reconciler) ApplyBroadcast(msg models.Message) bool {
	r.mu.Lock()
	if r.peer == 0 || !msg.Involves(r.self, r.peer) {
		r.mu.Unlock()
		return false
	}
	if !r.loaded {
		for _, m := range r.early {
			if m.ID == msg.ID {
				r.mu.Unlock()
				return false
			}
		}
		r.early = append(r.early, msg)
		if over := len(r.early) - r.opts.EarlyBufferSize; over > 0 {
			r.early = append(r.early[:0:0], r.early[over:]...)
		}
		r.mu.Unlock()
		return false
	}

	changed, isNew := r.applyLocked(msg)
	notify := r.opts.Notify
	peer := r.peer
	r.mu.Unlock()

	if isNew && msg.SenderID == peer && notify != nil {
		notify(msg)
	}
	return changed
}

func (r *Reconciler) applyLocked(msg models.Message) (changed, isNew bool) {
	for _, e := range r.entries {
		if !e.Pending && e.ID == msg.ID {
			return false, false
		}
	}

	if msg.ClientKey != "" {
		if i := r.indexByClientKeyLocked(msg.ClientKey, msg.SenderID); i >= 0 {
			if !r.entries[i].Pending {
				return false, false
			}
			delete(r.outbox, msg.ClientKey)
			r.entries[i] = Entry{Message: msg, addedAt: r.entries[i].addedAt}
			return true, false
		}
	}

	if msg.SenderID == r.self {
		now := r.opts.Now()
		for i, e := range r.entries {
			if e.Pending && e.Content == msg.Content && e.ReceiverID == msg.ReceiverID &&
				now.Sub(e.addedAt) <= r.opts.DuplicateWindow {
				delete(r.outbox, e.ClientKey)
				r.entries[i] = Entry{Message: msg, addedAt: e.addedAt}
				return true, false
			}
		}
	}

	r.insertLocked(Entry{Message: msg, addedAt: r.opts.Now()})
	return true, true
}

// ApplyPresence records a status change in the roster. The view is untouched.
func (r *Reconciler) ApplyPresence(update models.StatusUpdate) bool {
	return r.roster.SetStatus(update.UserID, update.Status)
}

// ExpirePending drops sends that have gone unconfirmed for longer than the
// pending timeout and returns them, oldest first.
func (r *Reconciler) ExpirePending(now time.Time) []models.SubmitRequest {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []models.SubmitRequest
	for _, item := range r.pendingLocked() {
		if now.Sub(item.sentAt) < r.opts.PendingTimeout {
			continue
		}
		expired = append(expired, item.req)
		delete(r.outbox, item.req.ClientKey)
		if i := r.indexByClientKeyLocked(item.req.ClientKey, r.self); i >= 0 && r.entries[i].Pending {
			r.removeLocked(i)
		}
	}
	return expired
}

// PendingRequests returns every unconfirmed send, oldest first.
func (r *Reconciler) PendingRequests() []models.SubmitRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	items := r.pendingLocked()
	out := make([]models.SubmitRequest, 0, len(items))
	for _, item := range items {
		out = append(out, item.req)
	}
	return out
}

// Messages returns a copy of the view.
func (r *Reconciler) Messages() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.entries...)
}

func (r *Reconciler) pendingLocked() []outboxItem {
	items := make([]outboxItem, 0, len(r.outbox))
	for _, item := range r.outbox {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].sentAt.Equal(items[j].sentAt) {
			return items[i].req.ClientKey < items[j].req.ClientKey
		}
		return items[i].sentAt.Before(items[j].sentAt)
	})
	return items
}

func (r *Reconciler) pendingEntry(req models.SubmitRequest, at time.Time) Entry {
	return Entry{
		Message: models.Message{
			SenderID:   req.SenderID,
			ReceiverID: req.ReceiverID,
			Content:    req.Content,
			ClientKey:  req.ClientKey,
		},
		TempID:  "local-" + req.ClientKey,
		Pending: true,
		addedAt: at,
	}
}

func (r *Reconciler) isDuplicateLocked(m models.Message) bool {
	for _, e := range r.entries {
		if !e.Pending && e.ID == m.ID {
			return true
		}
		if m.ClientKey != "" && e.ClientKey == m.ClientKey && e.SenderID == m.SenderID {
			return true
		}
	}
	return false
}

func (r *Reconciler) indexByClientKeyLocked(clientKey string, senderID int) int {
	if clientKey == "" {
		return -1
	}
	for i, e := range r.entries {
		if e.ClientKey == clientKey && e.SenderID == senderID {
			return i
		}
	}
	return -1
}

// insertLocked places a confirmed entry by (createdAt, id), ahead of the
// trailing pending entries.
func (r *Reconciler) insertLocked(entry Entry) {
	pos := len(r.entries)
	for pos > 0 {
		prev := r.entries[pos-1]
		if prev.Pending || after(prev.Message, entry.Message) {
			pos--
			continue
		}
		break
	}
	r.entries = append(r.entries, Entry{})
	copy(r.entries[pos+1:], r.entries[pos:])
	r.entries[pos] = entry
}

func (r *Reconciler) removeLocked(i int) {
	r.entries = append(r.entries[:i], r.entries[i+1:]...)
}

func after(a, b models.Message) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID > b.ID
	}
	return a.CreatedAt.After(b.CreatedAt)
}
