package history

import (
	"context"
	"path/filepath"
	"testing"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAndRecent(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	turns := []struct{ role, content string }{
		{"user", "hello"},
		{"assistant", "hi there"},
		{"user", "how are you"},
		{"assistant", "fine"},
	}
	for _, turn := range turns {
		if err := s.Append(ctx, "chat1", turn.role, turn.content); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := s.Append(ctx, "chat2", "user", "other chat"); err != nil {
		t.Fatal(err)
	}

	got, err := s.Recent(ctx, "chat1", 3)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(got))
	}
	// Ascending order, window anchored at the most recent turns.
	if got[0].Content != "hi there" || got[2].Content != "fine" {
		t.Errorf("unexpected window: %+v", got)
	}
	for _, m := range got {
		if m.ChatID != "chat1" {
			t.Errorf("cross-chat leak: %+v", m)
		}
	}
}

func TestAfter(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := s.Append(ctx, "c", "user", "msg"); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.After(ctx, 2, 100)
	if err != nil {
		t.Fatalf("After: %v", err)
	}
	if len(got) != 3 || got[0].ID != 3 {
		t.Errorf("expected ids 3..5, got %+v", got)
	}
}

func TestInvalidRoleRejected(t *testing.T) {
	s := openTest(t)
	if err := s.Append(context.Background(), "c", "system", "nope"); err == nil {
		t.Error("CHECK constraint should reject unknown roles")
	}
}

func TestRecordUsage(t *testing.T) {
	s := openTest(t)
	s.RecordUsage(Usage{
		Model:        "claude-haiku",
		InputTokens:  120,
		OutputTokens: 45,
		CostUSD:      0.0031,
		DurationMS:   980,
	})

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM token_usage`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("expected 1 usage row, got %d", count)
	}
}
