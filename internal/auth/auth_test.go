package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livechat/internal/db"
	"livechat/internal/models"
	"livechat/internal/repositories"
)

func newTestDirectory(t *testing.T) (*Directory, *repositories.SQLPresenceStore) {
	t.Helper()
	database, err := db.Connect("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	presence := repositories.NewSQLPresenceStore(database)
	dir := NewDirectory(repositories.NewUserRepo(database), presence, NewTokenManager("test-secret", time.Hour))
	return dir, presence
}

func TestTokenRoundTrip(t *testing.T) {
	m := NewTokenManager("secret", time.Hour)

	token, err := m.Issue(7)
	require.NoError(t, err)

	userID, err := m.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, 7, userID)
}

func TestTokenRejectsWrongSecretAndExpiry(t *testing.T) {
	issuer := NewTokenManager("secret", time.Minute)
	token, err := issuer.Issue(7)
	require.NoError(t, err)

	_, err = NewTokenManager("other", time.Minute).Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	late := NewTokenManager("secret", time.Minute)
	late.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = late.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = issuer.Validate("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRegisterAndAuthenticate(t *testing.T) {
	dir, _ := newTestDirectory(t)
	ctx := context.Background()

	user, err := dir.Register(ctx, " Alice ", "alice@example.com", "pw123")
	require.NoError(t, err)
	assert.Equal(t, "Alice", user.Name)
	assert.Equal(t, models.StatusOffline, user.Status)

	result, err := dir.Authenticate(ctx, "ALICE@example.com", "pw123")
	require.NoError(t, err)
	assert.Equal(t, user.ID, result.User.ID)
	assert.NotEmpty(t, result.Token)

	userID, err := dir.ValidateToken(ctx, result.Token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, userID)

	_, err = dir.Authenticate(ctx, "alice@example.com", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = dir.Authenticate(ctx, "nobody@example.com", "pw123")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestRegisterValidation(t *testing.T) {
	dir, _ := newTestDirectory(t)
	ctx := context.Background()

	_, err := dir.Register(ctx, "", "a@example.com", "pw")
	assert.ErrorIs(t, err, ErrMissingFields)
	_, err = dir.Register(ctx, "A", "not-an-email", "pw")
	assert.ErrorIs(t, err, ErrMissingFields)

	_, err = dir.Register(ctx, "A", "a@example.com", "pw")
	require.NoError(t, err)
	_, err = dir.Register(ctx, "B", "A@example.com", "pw")
	assert.ErrorIs(t, err, repositories.ErrEmailTaken)
}

func TestValidateTokenForUnknownUser(t *testing.T) {
	dir, _ := newTestDirectory(t)

	token, err := dir.tokens.Issue(99)
	require.NoError(t, err)
	_, err = dir.ValidateToken(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestListUsersMergesPresence(t *testing.T) {
	dir, presence := newTestDirectory(t)
	ctx := context.Background()

	alice, err := dir.Register(ctx, "Alice", "alice@example.com", "pw")
	require.NoError(t, err)
	bob, err := dir.Register(ctx, "Bob", "bob@example.com", "pw")
	require.NoError(t, err)
	carol, err := dir.Register(ctx, "Carol", "carol@example.com", "pw")
	require.NoError(t, err)
	require.NoError(t, presence.SetStatus(ctx, bob.ID, models.StatusOnline))

	users, err := dir.ListUsers(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, bob.ID, users[0].ID)
	assert.Equal(t, models.StatusOnline, users[0].Status)
	assert.Equal(t, carol.ID, users[1].ID)
	assert.Equal(t, models.StatusOffline, users[1].Status)

	exists, err := dir.UserExists(ctx, carol.ID)
	require.NoError(t, err)
	assert.True(t, exists)
}
