package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// UserHandler serves the roster.
type UserHandler struct {
	accounts AccountService
}

// NewUserHandler builds a UserHandler.
func NewUserHandler(accounts AccountService) *UserHandler {
	return &UserHandler{accounts: accounts}
}

// ListUsers returns every user except the caller, with presence.
func (h *UserHandler) ListUsers(c *gin.Context) {
	users, err := h.accounts.ListUsers(c.Request.Context(), c.GetInt("userID"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load users"})
		return
	}
	c.JSON(http.StatusOK, users)
}
