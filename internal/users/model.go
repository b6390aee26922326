package users

import "time"

// User is the local record of an identity provider account.
type User struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	ClerkID   string    `json:"clerk_id"`
	CreatedAt time.Time `json:"created_at"`
}

// RegisterRequest is the body for POST /users.
type RegisterRequest struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	ClerkID string `json:"clerkId"`
}

// AuthResponse is returned on register and session exchange. Token is the
// local session handle for the rest of the API.
type AuthResponse struct {
	Token string `json:"token"`
	User  *User  `json:"user"`
}
