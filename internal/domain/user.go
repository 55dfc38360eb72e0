// Package domain contains entity without logic, just meta-data
package domain

import "errors"

const (
	MaxUserIDLen      = 36
	MaxDisplayNameLen = 64
)

var (
	ErrUserIDEmpty        = errors.New("user id empty")
	ErrUserIDTooLong      = errors.New("user id too long")
	ErrDisplayNameTooLong = errors.New("display name too long")
)

// UserID is the stable identity of a person, independent of any one
// transport connection.
type UserID string

type User struct {
	ID          UserID `json:"id"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role,omitempty"`
}

// NewUser is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewUser(id UserID, displayName string) (*User, error) {
	if id == "" {
		return nil, ErrUserIDEmpty
	}
	if len(id) > MaxUserIDLen {
		return nil, ErrUserIDTooLong
	}
	if len(displayName) > MaxDisplayNameLen {
		return nil, ErrDisplayNameTooLong
	}
	return &User{ID: id, DisplayName: displayName}, nil
}
