package service

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/sakif/calendar-auth-proxy/internal/apperror"
	"github.com/sakif/calendar-auth-proxy/internal/model"
)

// =========================================================================
// FAKES AND HELPERS
// =========================================================================

// fakeUserRepo is an in-memory implementation of repository.UserRepository.
// Using a fake (not a mock framework) keeps tests easy to read: you can see
// exactly what the fake does.
type fakeUserRepo struct {
	mu        sync.Mutex
	bySubject map[string]*model.User
	byID      map[string]*model.User
	nextID    int
	ensureErr error
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{
		bySubject: make(map[string]*model.User),
		byID:      make(map[string]*model.User),
	}
}

func (f *fakeUserRepo) EnsureUser(ctx context.Context, user *model.User) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ensureErr != nil {
		return nil, f.ensureErr
	}
	if existing, ok := f.bySubject[user.SubjectID]; ok {
		copied := *existing
		return &copied, nil
	}
	f.nextID++
	stored := &model.User{
		ID:          "user-" + string(rune('0'+f.nextID)),
		SubjectID:   user.SubjectID,
		DisplayName: user.DisplayName,
		CreatedAt:   time.Now(),
	}
	f.bySubject[stored.SubjectID] = stored
	f.byID[stored.ID] = stored
	copied := *stored
	return &copied, nil
}

func (f *fakeUserRepo) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.byID[id]
	if !ok {
		return nil, apperror.NotFound("user", id)
	}
	return u, nil
}

func (f *fakeUserRepo) GetUserBySubject(ctx context.Context, subjectID string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.bySubject[subjectID]
	if !ok {
		return nil, apperror.NotFound("user", subjectID)
	}
	return u, nil
}

func newTestDirectory(repo *fakeUserRepo) *UserDirectory {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewUserDirectory(repo, logger)
}

// =========================================================================
// Ensure TESTS
// =========================================================================

func TestEnsure_NewUser(t *testing.T) {
	repo := newFakeUserRepo()
	dir := newTestDirectory(repo)

	user, err := dir.Ensure(context.Background(), "u1", "Ada")
	if err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if user.ID == "" {
		t.Error("User.ID should be set")
	}
	if user.DisplayName != "Ada" {
		t.Errorf("DisplayName = %q, want %q", user.DisplayName, "Ada")
	}
}

func TestEnsure_SameSubjectTwiceReturnsSameUser(t *testing.T) {
	tests := []struct {
		subject string
		first   string
		second  string
	}{
		{"u1", "Ada", "Ada"},
		{"108234567890", "Grace Hopper", "Admiral Hopper"},
		{"sub with spaces", "", "Late Name"},
	}

	for _, tt := range tests {
		t.Run(tt.subject, func(t *testing.T) {
			repo := newFakeUserRepo()
			dir := newTestDirectory(repo)

			a, err := dir.Ensure(context.Background(), tt.subject, tt.first)
			if err != nil {
				t.Fatalf("first Ensure() error = %v", err)
			}
			b, err := dir.Ensure(context.Background(), tt.subject, tt.second)
			if err != nil {
				t.Fatalf("second Ensure() error = %v", err)
			}

			if a.ID != b.ID {
				t.Errorf("IDs differ: %q vs %q", a.ID, b.ID)
			}
			if b.DisplayName != a.DisplayName {
				t.Errorf("DisplayName changed on repeat login: %q -> %q", a.DisplayName, b.DisplayName)
			}
			if len(repo.byID) != 1 {
				t.Errorf("repo holds %d users, want 1", len(repo.byID))
			}
		})
	}
}

func TestEnsure_EmptySubject(t *testing.T) {
	dir := newTestDirectory(newFakeUserRepo())

	_, err := dir.Ensure(context.Background(), "   ", "Ada")
	if !errors.Is(err, apperror.ErrValidation) {
		t.Fatalf("Ensure() error = %v, want ErrValidation", err)
	}
}

func TestEnsure_TruncatesLongDisplayName(t *testing.T) {
	dir := newTestDirectory(newFakeUserRepo())

	user, err := dir.Ensure(context.Background(), "u1", strings.Repeat("x", MaxDisplayNameLength+10))
	if err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if len(user.DisplayName) != MaxDisplayNameLength {
		t.Errorf("len(DisplayName) = %d, want %d", len(user.DisplayName), MaxDisplayNameLength)
	}
}

func TestEnsure_TruncatesOnRuneBoundary(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantLen int
	}{
		{"two-byte runes", strings.Repeat("é", 200), 254},
		{"three-byte runes", strings.Repeat("日", 100), 255},
		{"four-byte runes", strings.Repeat("😀", 70), 252},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := newTestDirectory(newFakeUserRepo())

			user, err := dir.Ensure(context.Background(), "u1", tt.input)
			if err != nil {
				t.Fatalf("Ensure() error = %v", err)
			}
			if !utf8.ValidString(user.DisplayName) {
				t.Errorf("DisplayName is not valid UTF-8: %q", user.DisplayName)
			}
			if len(user.DisplayName) != tt.wantLen {
				t.Errorf("len(DisplayName) = %d, want %d", len(user.DisplayName), tt.wantLen)
			}
		})
	}
}

func TestEnsure_RepositoryError(t *testing.T) {
	repo := newFakeUserRepo()
	repo.ensureErr = errors.New("database is on fire")
	dir := newTestDirectory(repo)

	if _, err := dir.Ensure(context.Background(), "u1", "Ada"); err == nil {
		t.Fatal("Ensure() should propagate repository errors")
	}
}

// =========================================================================
// GetByID TESTS
// =========================================================================

func TestGetByID(t *testing.T) {
	repo := newFakeUserRepo()
	dir := newTestDirectory(repo)

	created, _ := dir.Ensure(context.Background(), "u7", "findme")

	user, err := dir.GetByID(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if user.SubjectID != "u7" {
		t.Errorf("SubjectID = %q, want %q", user.SubjectID, "u7")
	}
}

func TestGetByID_EmptyAndUnknown(t *testing.T) {
	dir := newTestDirectory(newFakeUserRepo())

	if _, err := dir.GetByID(context.Background(), ""); !errors.Is(err, apperror.ErrValidation) {
		t.Errorf("GetByID(\"\") error = %v, want ErrValidation", err)
	}
	if _, err := dir.GetByID(context.Background(), "missing"); !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("GetByID(missing) error = %v, want ErrNotFound", err)
	}
}
