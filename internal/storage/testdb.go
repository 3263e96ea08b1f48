package storage

import "testing"

// NewTestStorage creates a fresh in-memory SQLite storage with the schema applied.
func NewTestStorage(t testing.TB) *SQLStorage {
	t.Helper()

	s, err := NewSQLiteStorage(":memory:")
	if err != nil {
		t.Fatalf("opening test storage: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	return s
}
