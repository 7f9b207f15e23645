package repositories

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// PresenceStore keeps the last written status per user.
type PresenceStore interface {
	SetStatus(ctx context.Context, userID int, status string) error
	Statuses(ctx context.Context, userIDs []int) (map[int]string, error)
}

// SQLPresenceStore stores presence in the users.status column.
type SQLPresenceStore struct {
	db *sqlx.DB
}

// NewSQLPresenceStore constructs a SQLPresenceStore.
func NewSQLPresenceStore(db *sqlx.DB) *SQLPresenceStore {
	return &SQLPresenceStore{db: db}
}

// SetStatus overwrites the status of an existing user.
func (s *SQLPresenceStore) SetStatus(ctx context.Context, userID int, status string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE users SET status = ? WHERE id = ?`), status, userID)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrUserNotFound
	}
	return nil
}

// Statuses returns the stored status of each known user in userIDs.
func (s *SQLPresenceStore) Statuses(ctx context.Context, userIDs []int) (map[int]string, error) {
	result := make(map[int]string, len(userIDs))
	if len(userIDs) == 0 {
		return result, nil
	}

	query, args, err := sqlx.In(`SELECT id, status FROM users WHERE id IN (?)`, userIDs)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryxContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id     int
			status string
		)
		if err := rows.Scan(&id, &status); err != nil {
			return nil, err
		}
		result[id] = status
	}
	return result, rows.Err()
}
