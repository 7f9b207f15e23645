package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"livechat/internal/models"
)

var ErrMessageNotFound = errors.New("message not found")

// MessageRepository is the durable append-only message store.
type MessageRepository interface {
	Append(ctx context.Context, senderID, receiverID int, content, clientKey string) (models.Message, bool, error)
	RangeByPair(ctx context.Context, a, b int) ([]models.Message, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db, now: time.Now}
}

const messageColumns = `id, sender_id, receiver_id, content, COALESCE(client_key, '') AS client_key, created_at`

// Append stores a message and reports whether a row was inserted. When
// clientKey was already used by the sender the originally stored message is
// returned with created set to false.
func (r *MessageRepo) Append(ctx context.Context, senderID, receiverID int, content, clientKey string) (models.Message, bool, error) {
	if clientKey != "" {
		existing, err := r.findByClientKey(ctx, senderID, clientKey)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, ErrMessageNotFound) {
			return models.Message{}, false, err
		}
	}

	msg := models.Message{
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    content,
		ClientKey:  clientKey,
		CreatedAt:  r.now().UTC().Truncate(time.Microsecond),
	}
	query := r.db.Rebind(`INSERT INTO messages (sender_id, receiver_id, content, client_key, created_at) VALUES (?, ?, ?, ?, ?) RETURNING id`)
	err := r.db.QueryRowxContext(ctx, query, senderID, receiverID, content, nullIfEmpty(clientKey), msg.CreatedAt).Scan(&msg.ID)
	if err != nil {
		if clientKey != "" {
			// lost a race against a concurrent retry of the same submit
			if existing, findErr := r.findByClientKey(ctx, senderID, clientKey); findErr == nil {
				return existing, false, nil
			}
		}
		return models.Message{}, false, err
	}
	return msg, true, nil
}

// RangeByPair returns the conversation between a and b, oldest first.
func (r *MessageRepo) RangeByPair(ctx context.Context, a, b int) ([]models.Message, error) {
	query := r.db.Rebind(`SELECT ` + messageColumns + `
        FROM messages
        WHERE (sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)
        ORDER BY created_at ASC, id ASC`)
	msgs := []models.Message{}
	err := r.db.SelectContext(ctx, &msgs, query, a, b, b, a)
	return msgs, err
}

func (r *MessageRepo) findByClientKey(ctx context.Context, senderID int, clientKey string) (models.Message, error) {
	var msg models.Message
	query := r.db.Rebind(`SELECT ` + messageColumns + ` FROM messages WHERE sender_id = ? AND client_key = ?`)
	err := r.db.GetContext(ctx, &msg, query, senderID, clientKey)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	return msg, err
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
