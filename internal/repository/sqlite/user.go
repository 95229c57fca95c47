package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/xid"
	"github.com/sakif/calendar-auth-proxy/internal/apperror"
	"github.com/sakif/calendar-auth-proxy/internal/model"
	"github.com/sakif/calendar-auth-proxy/internal/repository"
)

// compile-time check that *DB implements repository.UserRepository
var _ repository.UserRepository = (*DB)(nil)

// EnsureUser inserts user if no row with the same subject_id exists, then
// returns the stored row.
//
// INSERT ... ON CONFLICT DO NOTHING:
// A "SELECT, then INSERT if missing" sequence races: two requests can both
// see no row and both insert. Letting the UNIQUE constraint arbitrate inside a
// single statement closes that window. The loser's INSERT becomes a no-op and
// its follow-up SELECT reads the winner's row.
//
// An existing row is returned unchanged: the display name from the first
// login is kept even if the caller passes a different one.
func (db *DB) EnsureUser(ctx context.Context, user *model.User) (*model.User, error) {
	if user.SubjectID == "" {
		return nil, apperror.ValidationFailed("subjectId", "subject id is required")
	}

	id := xid.New().String()
	now := time.Now().UTC()

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO users (id, subject_id, display_name, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(subject_id) DO NOTHING`,
		id,
		user.SubjectID,
		user.DisplayName,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: ensuring user (subject=%s): %w", user.SubjectID, err)
	}

	stored, err := db.GetUserBySubject(ctx, user.SubjectID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: reading back user (subject=%s): %w", user.SubjectID, err)
	}
	return stored, nil
}

// GetUserByID retrieves a user by their internal ID.
// Returns apperror.ErrNotFound if no user exists with that ID.
func (db *DB) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	u, err := db.scanUser(db.conn.QueryRowContext(ctx,
		`SELECT id, subject_id, display_name, created_at FROM users WHERE id = ?`, id,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("user", id)
		}
		return nil, fmt.Errorf("sqlite: getting user %s: %w", id, err)
	}
	return u, nil
}

// GetUserBySubject retrieves a user by provider subject.
// Returns apperror.ErrNotFound if the subject never logged in.
func (db *DB) GetUserBySubject(ctx context.Context, subjectID string) (*model.User, error) {
	u, err := db.scanUser(db.conn.QueryRowContext(ctx,
		`SELECT id, subject_id, display_name, created_at FROM users WHERE subject_id = ?`, subjectID,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("user", subjectID)
		}
		return nil, fmt.Errorf("sqlite: getting user by subject %s: %w", subjectID, err)
	}
	return u, nil
}

func (db *DB) scanUser(row *sql.Row) (*model.User, error) {
	var u model.User
	if err := row.Scan(&u.ID, &u.SubjectID, &u.DisplayName, &u.CreatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

// CountUsers returns the number of rows in users. Tests use it to check
// that repeated ensures never add a second row.
func (db *DB) CountUsers(ctx context.Context) (int, error) {
	var n int
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: counting users: %w", err)
	}
	return n, nil
}
