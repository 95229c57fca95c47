// Package repository declares the storage interfaces the services depend on.
// Implementations live in sub-packages (sqlite).
package repository

import (
	"context"

	"github.com/sakif/calendar-auth-proxy/internal/model"
)

// UserRepository stores users keyed by their provider subject.
//
// EnsureUser must be atomic at the storage layer: two concurrent first logins
// for the same subject end with exactly one row, and both callers receive it.
type UserRepository interface {
	EnsureUser(ctx context.Context, user *model.User) (*model.User, error)
	GetUserByID(ctx context.Context, id string) (*model.User, error)
	GetUserBySubject(ctx context.Context, subjectID string) (*model.User, error)
}
