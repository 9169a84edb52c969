package message

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/iyunix/go-smilin/internal/domain"
	"github.com/iyunix/go-smilin/internal/repository"
	"github.com/iyunix/go-smilin/internal/services"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := repository.Open(filepath.Join(t.TempDir(), "messages.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := repository.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { _ = repository.Close(db) })
	return db
}

func msg(id string, from, to domain.UserID, at time.Time) *domain.ChatMessage {
	return &domain.ChatMessage{MessageID: id, FromUserID: from, ToUserID: to, SenderDisplayName: string(from), Text: "text " + id, CreatedAt: at}
}

func TestCreateIsIdempotent(t *testing.T) {
	repo := NewMessageRepository(newTestDB(t), &services.NoOpLogger{})
	ctx := context.Background()
	at := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	if _, err := repo.Create(ctx, msg("m1", "u1", "u2", at)); err != nil {
		t.Fatalf("create: %v", err)
	}
	dup := msg("m1", "u1", "u2", at.Add(time.Minute))
	dup.Text = "changed"
	stored, err := repo.Create(ctx, dup)
	if err != nil {
		t.Fatalf("duplicate create: %v", err)
	}
	if stored.Text != "text m1" {
		t.Fatalf("expected first write to win, got %q", stored.Text)
	}
	n, err := repo.CountBetween(ctx, "u1", "u2")
	if err != nil || n != 1 {
		t.Fatalf("expected one stored row, got %d (%v)", n, err)
	}
}

func TestQueryReturnsConversationAscending(t *testing.T) {
	repo := NewMessageRepository(newTestDB(t), &services.NoOpLogger{})
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	for _, m := range []*domain.ChatMessage{
		msg("m3", "u1", "u2", base.Add(3*time.Second)),
		msg("m1", "u1", "u2", base.Add(1*time.Second)),
		msg("m2", "u2", "u1", base.Add(2*time.Second)),
		msg("x1", "u1", "u3", base),
	} {
		if _, err := repo.Create(ctx, m); err != nil {
			t.Fatalf("create %s: %v", m.MessageID, err)
		}
	}

	got, err := repo.Query(ctx, "u2", "u1", 0)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	want := []string{"m1", "m2", "m3"}
	if len(got) != len(want) {
		t.Fatalf("expected %d messages, got %d", len(want), len(got))
	}
	for i, id := range want {
		if got[i].MessageID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, got[i].MessageID)
		}
	}

	latest, err := repo.Query(ctx, "u1", "u2", 2)
	if err != nil {
		t.Fatalf("query with limit: %v", err)
	}
	if len(latest) != 2 || latest[0].MessageID != "m2" || latest[1].MessageID != "m3" {
		t.Fatalf("expected newest two in ascending order, got %+v", latest)
	}
}

func TestCreateRejectsInvalid(t *testing.T) {
	repo := NewMessageRepository(newTestDB(t), &services.NoOpLogger{})
	_, err := repo.Create(context.Background(), msg("m1", "u1", "u1", time.Now()))
	if err == nil {
		t.Fatalf("expected self-addressed message to be rejected")
	}
	if !domain.IsType(err, domain.ErrTypeValidation) {
		t.Fatalf("expected a validation error, got %v", err)
	}
	if domain.Retryable(err) {
		t.Fatalf("a malformed message must not be retried")
	}
}

func TestFindByIDNotFound(t *testing.T) {
	repo := NewMessageRepository(newTestDB(t), &services.NoOpLogger{})
	if _, err := repo.FindByID(context.Background(), "missing"); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound, got %v", err)
	}
}
