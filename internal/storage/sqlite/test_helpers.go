package sqlite

import (
	"testing"
	"time"
)

// NewSQLiteTest returns a private in-memory store closed at test cleanup.
func NewSQLiteTest(t *testing.T) *Store {
	t.Helper()
	st, err := NewInMemory()
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// NewSQLiteTestWithClock is NewSQLiteTest with a controlled clock.
func NewSQLiteTestWithClock(t *testing.T, now func() time.Time) *Store {
	t.Helper()
	return NewSQLiteTest(t).WithNow(now)
}
