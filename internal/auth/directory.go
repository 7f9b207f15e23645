package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"livechat/internal/models"
	"livechat/internal/repositories"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrMissingFields      = errors.New("missing fields")
)

// Directory is the account directory: registration, sign-in, user listing
// and token validation.
type Directory struct {
	users    repositories.UserRepository
	presence repositories.PresenceStore
	tokens   *TokenManager
}

// NewDirectory constructs a Directory. Statuses in user listings come from
// presence, which may be backed by a different store than users.
func NewDirectory(users repositories.UserRepository, presence repositories.PresenceStore, tokens *TokenManager) *Directory {
	return &Directory{users: users, presence: presence, tokens: tokens}
}

// Register creates an account with a bcrypt password hash.
func (d *Directory) Register(ctx context.Context, name, email, password string) (models.UserSummary, error) {
	name = strings.TrimSpace(name)
	email = strings.TrimSpace(email)
	if name == "" || email == "" || password == "" {
		return models.UserSummary{}, ErrMissingFields
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return models.UserSummary{}, fmt.Errorf("%w: invalid email", ErrMissingFields)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return models.UserSummary{}, fmt.Errorf("hash password: %w", err)
	}

	user, err := d.users.CreateUser(ctx, name, email, string(hash))
	if err != nil {
		return models.UserSummary{}, err
	}
	return summary(user), nil
}

// Authenticate checks the credentials and issues a bearer token.
func (d *Directory) Authenticate(ctx context.Context, email, password string) (models.AuthResult, error) {
	if email == "" || password == "" {
		return models.AuthResult{}, ErrMissingFields
	}

	user, err := d.users.GetByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		if errors.Is(err, repositories.ErrUserNotFound) {
			return models.AuthResult{}, ErrInvalidCredentials
		}
		return models.AuthResult{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return models.AuthResult{}, ErrInvalidCredentials
	}

	token, err := d.tokens.Issue(user.ID)
	if err != nil {
		return models.AuthResult{}, fmt.Errorf("issue token: %w", err)
	}
	return models.AuthResult{User: summary(user), Token: token}, nil
}

// ListUsers returns the roster for excludeID with current statuses.
func (d *Directory) ListUsers(ctx context.Context, excludeID int) ([]models.UserSummary, error) {
	users, err := d.users.ListUsers(ctx, excludeID)
	if err != nil {
		return nil, err
	}

	ids := make([]int, 0, len(users))
	for _, u := range users {
		ids = append(ids, u.ID)
	}
	statuses, err := d.presence.Statuses(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load statuses: %w", err)
	}

	result := make([]models.UserSummary, 0, len(users))
	for _, u := range users {
		s := summary(u)
		if status, ok := statuses[u.ID]; ok {
			s.Status = status
		}
		result = append(result, s)
	}
	return result, nil
}

// ValidateToken returns the id of the token owner, who must still exist.
func (d *Directory) ValidateToken(ctx context.Context, token string) (int, error) {
	userID, err := d.tokens.Validate(token)
	if err != nil {
		return 0, err
	}
	exists, err := d.users.Exists(ctx, userID)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, fmt.Errorf("%w: %v", ErrInvalidToken, repositories.ErrUserNotFound)
	}
	return userID, nil
}

// UserExists reports whether id names an account.
func (d *Directory) UserExists(ctx context.Context, id int) (bool, error) {
	return d.users.Exists(ctx, id)
}

func summary(u models.User) models.UserSummary {
	status := u.Status
	if status == "" {
		status = models.StatusOffline
	}
	return models.UserSummary{ID: u.ID, Name: u.Name, Email: u.Email, Status: status}
}
