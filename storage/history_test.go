package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *HistoryStore {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestHistoryAppendAndList(t *testing.T) {
	store := openTestStore(t)

	first := time.Date(2026, time.August, 20, 14, 0, 0, 500000000, time.UTC)
	second := first.Add(90 * time.Second)

	rec, err := store.Append(first)
	require.NoError(t, err)
	assert.NotZero(t, rec.ID)
	assert.True(t, rec.FiredAt.Equal(first))
	assert.False(t, rec.RecordedAt.IsZero())

	_, err = store.Append(second)
	require.NoError(t, err)

	records, err := store.List()
	require.NoError(t, err)
	require.Len(t, records, 2)

	// Newest first.
	assert.True(t, records[0].FiredAt.Equal(second))
	assert.True(t, records[1].FiredAt.Equal(first))
}

func TestHistoryListEmpty(t *testing.T) {
	store := openTestStore(t)

	records, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestHistoryClear(t *testing.T) {
	store := openTestStore(t)

	_, err := store.Append(time.Now())
	require.NoError(t, err)

	require.NoError(t, store.Clear())

	records, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestHistorySurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")

	store, err := Open(path)
	require.NoError(t, err)
	firedAt := time.Date(2026, time.August, 21, 9, 30, 0, 0, time.UTC)
	_, err = store.Append(firedAt)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = Open(path)
	require.NoError(t, err)
	defer store.Close()

	records, err := store.List()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].FiredAt.Equal(firedAt))
}
