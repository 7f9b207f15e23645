package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"livechat/internal/mocks"
	"livechat/internal/models"
)

func withUser(userID int) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("userID", userID)
		c.Next()
	}
}

func TestListUsersExcludesCaller(t *testing.T) {
	gin.SetMode(gin.TestMode)
	accounts := new(mocks.AccountServiceMock)
	r := gin.New()
	r.GET("/users", withUser(1), NewUserHandler(accounts).ListUsers)

	accounts.On("ListUsers", mock.Anything, 1).Return([]models.UserSummary{{ID: 2, Name: "Bob", Status: "online"}}, nil).Once()

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var users []models.UserSummary
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&users))
	require.Len(t, users, 1)
	assert.Equal(t, "online", users[0].Status)
	accounts.AssertExpectations(t)
}

func TestListUsersError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	accounts := new(mocks.AccountServiceMock)
	r := gin.New()
	r.GET("/users", withUser(1), NewUserHandler(accounts).ListUsers)

	accounts.On("ListUsers", mock.Anything, 1).Return(nil, assert.AnError).Once()

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
