package sqlite

import "testing"

// NewSQLiteTest returns an in-memory store closed when the test ends.
func NewSQLiteTest(t testing.TB) *Store {
	t.Helper()
	st, err := NewInMemory()
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}
