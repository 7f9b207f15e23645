package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"livechat/internal/models"
)

// API calls the HTTP endpoints of the chat service.
type API struct {
	baseURL string
	http    *http.Client
}

func NewAPI(baseURL string) *API {
	return &API{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// WebSocketURL returns the live channel endpoint for the API's server.
func (a *API) WebSocketURL() string {
	switch {
	case strings.HasPrefix(a.baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(a.baseURL, "https://") + "/ws"
	case strings.HasPrefix(a.baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(a.baseURL, "http://") + "/ws"
	default:
		return a.baseURL + "/ws"
	}
}

// SignUp registers an account.
func (a *API) SignUp(ctx context.Context, name, email, password string) (models.UserSummary, error) {
	var resp struct {
		User models.UserSummary `json:"user"`
	}
	body := map[string]string{"name": name, "email": email, "password": password}
	if err := a.do(ctx, http.MethodPost, "/signup", "", body, http.StatusCreated, &resp); err != nil {
		return models.UserSummary{}, err
	}
	return resp.User, nil
}

// SignIn exchanges credentials for a token.
func (a *API) SignIn(ctx context.Context, email, password string) (models.AuthResult, error) {
	var resp struct {
		Data models.AuthResult `json:"data"`
	}
	body := map[string]string{"email": email, "password": password}
	if err := a.do(ctx, http.MethodPost, "/signin", "", body, http.StatusOK, &resp); err != nil {
		return models.AuthResult{}, err
	}
	return resp.Data, nil
}

// ListUsers loads every other user with their status.
func (a *API) ListUsers(ctx context.Context, token string) ([]models.UserSummary, error) {
	var users []models.UserSummary
	if err := a.do(ctx, http.MethodGet, "/users", token, nil, http.StatusOK, &users); err != nil {
		return nil, err
	}
	return users, nil
}

func (a *API) do(ctx context.Context, method, path, token string, body any, want int, out any) error {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error == "" {
			apiErr.Error = resp.Status
		}
		return fmt.Errorf("%s %s: %s", method, path, apiErr.Error)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
