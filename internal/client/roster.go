package client

import (
	"sync"

	"livechat/internal/models"
)

// Roster is the client's view of the other users and their presence.
type Roster struct {
	mu    sync.RWMutex
	users []models.UserSummary
	index map[int]int
}

func NewRoster() *Roster {
	return &Roster{index: make(map[int]int)}
}

// Load replaces the roster.
func (r *Roster) Load(users []models.UserSummary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = append([]models.UserSummary(nil), users...)
	r.index = make(map[int]int, len(users))
	for i, u := range r.users {
		r.index[u.ID] = i
	}
}

// SetStatus updates a known user's status and reports whether it was found.
func (r *Roster) SetStatus(userID int, status string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.index[userID]
	if !ok {
		return false
	}
	r.users[i].Status = status
	return true
}

func (r *Roster) Get(userID int) (models.UserSummary, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.index[userID]
	if !ok {
		return models.UserSummary{}, false
	}
	return r.users[i], true
}

func (r *Roster) Users() []models.UserSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]models.UserSummary(nil), r.users...)
}
