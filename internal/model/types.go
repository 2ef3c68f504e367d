package model

import (
	"time"

	"github.com/google/uuid"
)

// User represents an account in the system
type User struct {
	ID           uuid.UUID
	Email        string
	PasswordHash string
	Active       bool
	CreatedAt    time.Time
}

// Profile represents the editable profile attached to a user
type Profile struct {
	UserID      uuid.UUID
	DisplayName string
	AvatarURL   string
	Bio         string
	UpdatedAt   time.Time
}
