package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"livechat/internal/auth"
	"livechat/internal/models"
	"livechat/internal/repositories"
	"livechat/internal/telemetry"
)

// AccountService is the account directory as seen by the HTTP layer.
type AccountService interface {
	Register(ctx context.Context, name, email, password string) (models.UserSummary, error)
	Authenticate(ctx context.Context, email, password string) (models.AuthResult, error)
	ListUsers(ctx context.Context, excludeID int) ([]models.UserSummary, error)
}

// AuthHandler serves sign-up and sign-in.
type AuthHandler struct {
	accounts AccountService
	audit    *telemetry.AuditEmitter
}

// NewAuthHandler builds an AuthHandler. audit may be nil.
func NewAuthHandler(accounts AccountService, audit *telemetry.AuditEmitter) *AuthHandler {
	return &AuthHandler{accounts: accounts, audit: audit}
}

type signupRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type signinRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Signup registers a new account.
func (h *AuthHandler) Signup(c *gin.Context) {
	var req signupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	user, err := h.accounts.Register(c.Request.Context(), req.Name, req.Email, req.Password)
	switch {
	case errors.Is(err, auth.ErrMissingFields):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case errors.Is(err, repositories.ErrEmailTaken):
		c.JSON(http.StatusConflict, gin.H{"error": "user already exists"})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create user"})
		return
	}

	h.audit.Emit(c.Request.Context(), "INFO", fmt.Sprintf("user %d signed up", user.ID), requestIDFromContext(c), user.ID)
	c.JSON(http.StatusCreated, gin.H{"message": "User created successfully", "user": user})
}

// Signin exchanges credentials for a bearer token.
func (h *AuthHandler) Signin(c *gin.Context) {
	var req signinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	result, err := h.accounts.Authenticate(c.Request.Context(), req.Email, req.Password)
	switch {
	case errors.Is(err, auth.ErrMissingFields):
		c.JSON(http.StatusBadRequest, gin.H{"error": "email and password are required"})
		return
	case errors.Is(err, auth.ErrInvalidCredentials):
		h.audit.Emit(c.Request.Context(), "WARN", "failed sign-in", requestIDFromContext(c), 0)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid email or password"})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to sign in"})
		return
	}

	h.audit.Emit(c.Request.Context(), "INFO", fmt.Sprintf("user %d signed in", result.User.ID), requestIDFromContext(c), result.User.ID)
	c.JSON(http.StatusOK, gin.H{"message": "Signed in successfully", "data": result})
}
