package user

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/iyunix/go-smilin/internal/domain"
	"github.com/iyunix/go-smilin/internal/repository"
)

type recordingLogger struct {
	mu     sync.Mutex
	events []string
}

func (l *recordingLogger) add(level, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, level+": "+msg)
}

func (l *recordingLogger) Info(msg string, _ ...interface{})  { l.add("info", msg) }
func (l *recordingLogger) Warn(msg string, _ ...interface{})  { l.add("warn", msg) }
func (l *recordingLogger) Error(msg string, _ ...interface{}) { l.add("error", msg) }

func (l *recordingLogger) has(entry string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if e == entry {
			return true
		}
	}
	return false
}

func newRepo(t *testing.T) UserRepository {
	t.Helper()
	return newRepoWithLogger(t, &recordingLogger{})
}

func newRepoWithLogger(t *testing.T, logger Logger) UserRepository {
	t.Helper()
	db, err := repository.Open(filepath.Join(t.TempDir(), "users.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := repository.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { _ = repository.Close(db) })
	return NewGormUserRepository(db, logger)
}

func TestCreateAndFind(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	if _, err := repo.Create(ctx, &domain.User{ID: "alice", DisplayName: "Alice", Password: "x"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := repo.Create(ctx, &domain.User{ID: "alice", DisplayName: "Other", Password: "x"}); !errors.Is(err, ErrUserExists) {
		t.Fatalf("expected ErrUserExists, got %v", err)
	}

	got, err := repo.FindByID(ctx, "alice")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.DisplayName != "Alice" {
		t.Fatalf("unexpected user %+v", got)
	}
	if _, err := repo.FindByID(ctx, "bob"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestFindAllOrdersByDisplayName(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	for _, u := range []domain.User{
		{ID: "u3", DisplayName: "Carol", Password: "x"},
		{ID: "u1", DisplayName: "Alice", Password: "x"},
		{ID: "u2", DisplayName: "Bob", Password: "x"},
	} {
		u := u
		if _, err := repo.Create(ctx, &u); err != nil {
			t.Fatalf("create %s: %v", u.ID, err)
		}
	}
	users, err := repo.FindAll(ctx)
	if err != nil {
		t.Fatalf("find all: %v", err)
	}
	if len(users) != 3 || users[0].ID != "u1" || users[2].ID != "u3" {
		t.Fatalf("unexpected order %+v", users)
	}

	some, err := repo.FindByIDs(ctx, []domain.UserID{"u2", "u3", "missing"})
	if err != nil || len(some) != 2 {
		t.Fatalf("expected 2 users, got %d (%v)", len(some), err)
	}
}

func TestCreateRejectsInvalidID(t *testing.T) {
	logger := &recordingLogger{}
	repo := newRepoWithLogger(t, logger)
	_, err := repo.Create(context.Background(), &domain.User{ID: "a b", DisplayName: "Space"})
	if !domain.IsType(err, domain.ErrTypeValidation) {
		t.Fatalf("expected a validation error, got %v", err)
	}
	if !logger.has("warn: user validation failed") {
		t.Fatalf("expected the rejection to reach the service logger, got %v", logger.events)
	}
}

func TestCreateLogsThroughInjectedLogger(t *testing.T) {
	logger := &recordingLogger{}
	repo := newRepoWithLogger(t, logger)
	if _, err := repo.Create(context.Background(), &domain.User{ID: "dana", DisplayName: "Dana", Password: "x"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if !logger.has("info: user created") {
		t.Fatalf("expected a creation entry, got %v", logger.events)
	}
}
