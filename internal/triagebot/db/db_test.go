package db

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	database, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("opening db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func TestBudget_RoundTrip(t *testing.T) {
	database := openTestDB(t)

	_, ok, err := database.GetBudget()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected no budget before SetBudget")
	}

	resetAt := time.Date(2024, 6, 1, 13, 0, 0, 0, time.UTC)
	if err := database.SetBudget(4321, 5000, resetAt); err != nil {
		t.Fatalf("setting budget: %v", err)
	}

	b, ok, err := database.GetBudget()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected budget after SetBudget")
	}
	if b.Remaining != 4321 || b.Limit != 5000 {
		t.Errorf("budget = %+v", b)
	}
	if !b.ResetAt.Equal(resetAt) {
		t.Errorf("reset at = %s, want %s", b.ResetAt, resetAt)
	}
	if b.QueryCounter != 0 {
		t.Errorf("query counter = %d, want 0", b.QueryCounter)
	}
}

func TestIncrementQueryCounter(t *testing.T) {
	database := openTestDB(t)

	// No snapshot yet: counter stays at zero.
	n, err := database.IncrementQueryCounter()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 0 {
		t.Errorf("counter without snapshot = %d, want 0", n)
	}

	if err := database.SetBudget(100, 5000, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("setting budget: %v", err)
	}
	for i := 1; i <= 3; i++ {
		n, err = database.IncrementQueryCounter()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if n != i {
			t.Errorf("counter = %d, want %d", n, i)
		}
	}

	// A fresh snapshot resets the counter.
	if err := database.SetBudget(99, 5000, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("setting budget: %v", err)
	}
	b, _, err := database.GetBudget()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.QueryCounter != 0 {
		t.Errorf("counter after refresh = %d, want 0", b.QueryCounter)
	}
}

func TestActionLog(t *testing.T) {
	database := openTestDB(t)

	for _, action := range []string{"label", "comment", "close"} {
		if err := database.LogAction(uuid.New().String(), "ansible/ansible", 123, action, "detail"); err != nil {
			t.Fatalf("logging action: %v", err)
		}
	}

	entries, err := database.ListActions("ansible/ansible", 123, 10)
	if err != nil {
		t.Fatalf("listing actions: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].Action != "close" {
		t.Errorf("most recent action = %q, want close", entries[0].Action)
	}

	other, err := database.ListActions("ansible/ansible", 999, 10)
	if err != nil {
		t.Fatalf("listing actions: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("expected no entries for other issue, got %d", len(other))
	}
}
