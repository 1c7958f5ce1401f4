package models

import (
	"fmt"
	"strings"
	"time"
)

type Role string

const (
	RoleAdmin Role = "admin"
	RoleStore Role = "store"
)

func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleAdmin:
		return RoleAdmin, nil
	case RoleStore:
		return RoleStore, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleStore
}

type UserStatus string

const (
	UserStatusActive   UserStatus = "active"
	UserStatusDisabled UserStatus = "disabled"
)

// Identity is the authenticated user as seen by clients. StoreID is only
// meaningful for RoleStore.
type Identity struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Role      Role      `json:"role"`
	StoreID   string    `json:"store_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Valid reports whether the identity carries the fields a session needs.
func (i Identity) Valid() bool {
	if i.ID == "" || !i.Role.Valid() {
		return false
	}
	if i.Role == RoleStore && i.StoreID == "" {
		return false
	}
	return true
}

// EffectiveStoreID returns the store the identity acts for; admins have none.
func (i Identity) EffectiveStoreID() string {
	if i.Role != RoleStore {
		return ""
	}
	return i.StoreID
}

type User struct {
	ID           string
	Email        string
	PasswordHash []byte
	Role         Role
	StoreID      *string
	Status       UserStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (u User) Identity() Identity {
	id := Identity{
		ID:        u.ID,
		Email:     u.Email,
		Role:      u.Role,
		CreatedAt: u.CreatedAt,
	}
	if u.Role == RoleStore && u.StoreID != nil {
		id.StoreID = *u.StoreID
	}
	return id
}

// Session is a server-side refresh session. The refresh token itself is never
// stored, only its hash.
type Session struct {
	ID               string
	UserID           string
	RefreshTokenHash []byte
	IPAddress        string
	UserAgent        string
	CreatedAt        time.Time
	LastSeenAt       time.Time
	ExpiresAt        time.Time
}
