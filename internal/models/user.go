package models

import "time"

// UserRole gates access to the dashboard API. Admins can do everything a
// viewer can, plus the state-changing operations.
type UserRole string

const (
	UserRoleViewer UserRole = "viewer"
	UserRoleAdmin  UserRole = "admin"
)

// User is a dashboard account. The last remaining admin can never be
// deleted.
type User struct {
	ID           string    `gorm:"primaryKey" json:"id"`
	Username     string    `gorm:"uniqueIndex;not null" json:"username"`
	PasswordHash string    `json:"-"`
	Role         UserRole  `gorm:"index" json:"role"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// UserLogin is the login request body.
type UserLogin struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// UserRegistration is the admin user-creation payload.
type UserRegistration struct {
	Username string   `json:"username" binding:"required,min=3,max=100"`
	Password string   `json:"password" binding:"required,min=8"`
	Role     UserRole `json:"role" binding:"required"`
}

// UserUpdate is the partial-update payload; nil fields are untouched.
type UserUpdate struct {
	Password *string   `json:"password,omitempty"`
	Role     *UserRole `json:"role,omitempty"`
}

// LoginResponse is the successful login body.
type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	User      User      `json:"user"`
}
