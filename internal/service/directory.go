// Package service contains the business logic layer of the application.
//
// THE THREE-LAYER ARCHITECTURE:
//
//	Handler (HTTP layer)     → parses requests, writes responses
//	Service (Business layer) → validates, enforces rules, orchestrates
//	Repository (Data layer)  → reads/writes to the database
//
// UserDirectory is the service in front of the users table. The auth
// controller calls it once per successful login; /api/me and collaborators
// read through it by id.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/sakif/calendar-auth-proxy/internal/apperror"
	"github.com/sakif/calendar-auth-proxy/internal/model"
	"github.com/sakif/calendar-auth-proxy/internal/repository"
)

// MaxDisplayNameLength caps what a provider profile can push into our table.
const MaxDisplayNameLength = 255

// UserDirectory maps a verified subject identifier to a local user record.
//
// DEPENDENCIES (injected via NewUserDirectory):
//   - users  repository.UserRepository → atomic insert-if-absent + lookups
//   - logger *slog.Logger              → structured logging
type UserDirectory struct {
	users  repository.UserRepository
	logger *slog.Logger
}

// NewUserDirectory creates a UserDirectory.
func NewUserDirectory(users repository.UserRepository, logger *slog.Logger) *UserDirectory {
	return &UserDirectory{users: users, logger: logger}
}

// Ensure returns the user for subjectID, creating it on first sight.
//
// IDEMPOTENCE:
// A second call with the same subjectID returns the existing record
// unchanged. The display name is NOT refreshed on repeat logins; the name
// captured at first login stays until a product decision says otherwise.
func (d *UserDirectory) Ensure(ctx context.Context, subjectID, displayName string) (*model.User, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return nil, apperror.ValidationFailed("subjectId", "subject id must not be empty")
	}

	displayName = strings.TrimSpace(displayName)
	displayName = truncateName(displayName, MaxDisplayNameLength)

	user, err := d.users.EnsureUser(ctx, &model.User{
		SubjectID:   subjectID,
		DisplayName: displayName,
	})
	if err != nil {
		return nil, fmt.Errorf("service/directory: ensuring user: %w", err)
	}

	d.logger.Debug("user ensured",
		slog.String("userID", user.ID),
		slog.String("subjectID", user.SubjectID),
	)
	return user, nil
}

// truncateName cuts s to at most limit bytes without splitting a UTF-8 sequence.
// The stored name is never rewritten, so it must be valid the first time.
func truncateName(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// GetByID returns the user for the given internal ID.
func (d *UserDirectory) GetByID(ctx context.Context, id string) (*model.User, error) {
	if id == "" {
		return nil, apperror.ValidationFailed("id", "user id must not be empty")
	}

	user, err := d.users.GetUserByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("service/directory: fetching user %s: %w", id, err)
	}
	return user, nil
}
