package memory

import (
	"context"
	"path/filepath"
	"testing"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "memory_test.db")
	s, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAndRecent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	turns := []struct{ role, content string }{
		{"user", "first question"},
		{"assistant", "first answer"},
		{"user", "second question"},
		{"assistant", "second answer"},
	}
	for _, m := range turns {
		if err := s.Append(ctx, "subject-1", m.role, m.content); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := s.Recent(ctx, "subject-1", 3)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Recent returned %d messages, want 3", len(got))
	}
	// Newest first.
	want := []string{"second answer", "second question", "first answer"}
	for i := range want {
		if got[i].Content != want[i] {
			t.Errorf("Recent[%d].Content = %q, want %q", i, got[i].Content, want[i])
		}
	}
}

func TestRecent_SubjectIsolation(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.Append(ctx, "alice", "user", "alice's message"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Append(ctx, "bob", "user", "bob's message"); err != nil {
		t.Fatalf("Append: %v", err)
	}

	got, err := s.Recent(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 1 || got[0].Content != "alice's message" {
		t.Errorf("Recent(alice) = %+v, want only alice's message", got)
	}
}

func TestRecent_EmptyAndZeroLimit(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if got, err := s.Recent(ctx, "nobody", 5); err != nil || len(got) != 0 {
		t.Errorf("Recent(nobody) = %v, %v; want empty, nil", got, err)
	}
	if got, err := s.Recent(ctx, "nobody", 0); err != nil || got != nil {
		t.Errorf("Recent with n=0 = %v, %v; want nil, nil", got, err)
	}
}
