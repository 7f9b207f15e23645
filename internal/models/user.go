package models

import "time"

// Well-known presence values. Any other non-empty string is a user-set status.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// User is an account in the directory.
type User struct {
	ID           int       `db:"id" json:"id"`
	Name         string    `db:"name" json:"name"`
	Email        string    `db:"email" json:"email"`
	PasswordHash string    `db:"password_hash" json:"-"`
	Status       string    `db:"status" json:"status"`
	CreatedAt    time.Time `db:"created_at" json:"createdAt"`
}

// UserSummary is the roster view of a user.
type UserSummary struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Status string `json:"status"`
}

// AuthResult is returned by a successful sign-in.
type AuthResult struct {
	User  UserSummary `json:"user"`
	Token string      `json:"token"`
}
