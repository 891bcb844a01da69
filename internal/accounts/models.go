// Package accounts is the token-minting companion that sits just outside
// the gateway's channel runtime: it owns the one user record needed to
// mint the {id, channel, exp} join tokens the gateway's token.Verifier
// consumes. The gateway itself owns no domain logic, so nothing else lives
// here.
package accounts

import "time"

// User is the minimal account record behind a login: an external identity,
// a username/password pair, and the timestamp it was created.
type User struct {
	ID             string    `db:"id"`
	Username       string    `db:"username"`
	PasswordHash   string    `db:"password_hash"`
	DefaultChannel string    `db:"default_channel"`
	CreatedAt      time.Time `db:"created_at"`
}

// LoginRequest is the POST /api/v1/auth/login body. Channel is the topic
// this token's claim will carry, falling back to the user's stored default
// channel when omitted; the gateway's verifier never enforces that it
// matches the topic actually joined.
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
	Channel  string `json:"channel"`
}

// LoginResponse carries the minted join token.
type LoginResponse struct {
	Token string `json:"token"`
}

// ErrorResponse is the uniform error body every handler returns on
// failure.
type ErrorResponse struct {
	Error string `json:"error"`
}
