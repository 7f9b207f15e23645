package repositories

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livechat/internal/models"
)

func TestCreateUserAndLookup(t *testing.T) {
	repo := NewUserRepo(openTestDB(t))
	ctx := context.Background()

	user, err := repo.CreateUser(ctx, "Alice", "Alice@Example.com", "hash")
	require.NoError(t, err)
	assert.NotZero(t, user.ID)
	assert.Equal(t, models.StatusOffline, user.Status)

	byEmail, err := repo.GetByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, user.ID, byEmail.ID)
	assert.Equal(t, "hash", byEmail.PasswordHash)

	byID, err := repo.GetByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "Alice", byID.Name)
}

func TestCreateUserRejectsDuplicateEmail(t *testing.T) {
	repo := NewUserRepo(openTestDB(t))
	ctx := context.Background()

	_, err := repo.CreateUser(ctx, "Alice", "alice@example.com", "hash")
	require.NoError(t, err)
	_, err = repo.CreateUser(ctx, "Other", "ALICE@example.com", "hash")
	assert.ErrorIs(t, err, ErrEmailTaken)
}

func TestGetUserNotFound(t *testing.T) {
	repo := NewUserRepo(openTestDB(t))

	_, err := repo.GetByID(context.Background(), 42)
	assert.ErrorIs(t, err, ErrUserNotFound)
	_, err = repo.GetByEmail(context.Background(), "nobody@example.com")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestListUsersExcludesCaller(t *testing.T) {
	repo := NewUserRepo(openTestDB(t))
	ctx := context.Background()

	bob, err := repo.CreateUser(ctx, "Bob", "bob@example.com", "hash")
	require.NoError(t, err)
	alice, err := repo.CreateUser(ctx, "Alice", "alice@example.com", "hash")
	require.NoError(t, err)

	users, err := repo.ListUsers(ctx, bob.ID)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, alice.ID, users[0].ID)

	exists, err := repo.Exists(ctx, alice.ID)
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = repo.Exists(ctx, 999)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestSQLPresenceStoreLastWriteWins(t *testing.T) {
	database := openTestDB(t)
	users := NewUserRepo(database)
	presence := NewSQLPresenceStore(database)
	ctx := context.Background()

	user, err := users.CreateUser(ctx, "Alice", "alice@example.com", "hash")
	require.NoError(t, err)

	require.NoError(t, presence.SetStatus(ctx, user.ID, models.StatusOnline))
	require.NoError(t, presence.SetStatus(ctx, user.ID, "busy"))

	statuses, err := presence.Statuses(ctx, []int{user.ID, 404})
	require.NoError(t, err)
	assert.Equal(t, map[int]string{user.ID: "busy"}, statuses)

	assert.ErrorIs(t, presence.SetStatus(ctx, 404, models.StatusOnline), ErrUserNotFound)
}
