package models

import "time"

type User struct {
	ID                  int    `json:"id" example:"1"`                   // User ID
	Email               string `json:"email" example:"user@example.com"` // User email
	DisplayName         string `json:"display_name" example:"John D."`   // Public display name
	IsAdmin             bool   `json:"is_admin"`
	FailedLoginAttempts int    `json:"-"`
	LockedUntil         *time.Time
	LastLogin           *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}
