package ws

import "sync"

// Registry tracks live connections and indexes identified ones by user.
type Registry struct {
	mu     sync.RWMutex
	conns  map[*Conn]struct{}
	byUser map[int]map[*Conn]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		conns:  make(map[*Conn]struct{}),
		byUser: make(map[int]map[*Conn]struct{}),
	}
}

// Add registers an unidentified connection.
func (r *Registry) Add(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c] = struct{}{}
}

// Bind identifies c as userID. It reports whether c is the user's first live
// connection.
func (r *Registry) Bind(c *Conn, userID int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[c]; !ok {
		return false, errConnClosed
	}
	if err := c.bind(userID); err != nil {
		return false, err
	}
	set, ok := r.byUser[userID]
	if !ok {
		set = make(map[*Conn]struct{})
		r.byUser[userID] = set
	}
	if _, dup := set[c]; dup {
		return false, nil
	}
	set[c] = struct{}{}
	return len(set) == 1, nil
}

// Remove unregisters c and closes it. It reports the identity c held and
// whether it was that user's last live connection.
func (r *Registry) Remove(c *Conn) (userID int, identified bool, last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[c]; !ok {
		return 0, false, false
	}
	delete(r.conns, c)

	userID, identified = c.markClosed()
	if !identified {
		return userID, false, false
	}
	set := r.byUser[userID]
	delete(set, c)
	if len(set) == 0 {
		delete(r.byUser, userID)
		return userID, true, true
	}
	return userID, true, false
}

// All returns a snapshot of every live connection.
func (r *Registry) All() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.conns))
	for c := range r.conns {
		out = append(out, c)
	}
	return out
}

// ForUsers returns a snapshot of the connections bound to any of userIDs.
func (r *Registry) ForUsers(userIDs ...int) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[int]bool, len(userIDs))
	var out []*Conn
	for _, id := range userIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		for c := range r.byUser[id] {
			out = append(out, c)
		}
	}
	return out
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// IsOnline reports whether userID has an identified live connection.
func (r *Registry) IsOnline(userID int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}
