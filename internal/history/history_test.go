package history

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "evals.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordAndRecent(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Record(Evaluation{ID: "a", Platform: "twitch", Status: 200, DurationMS: 1.5, Code: "1+1"}))
	require.NoError(t, s.Record(Evaluation{ID: "b", Platform: "discord", Status: 500, DurationMS: 0.2, Code: "oops"}))

	got, err := s.Recent(10)
	require.NoError(t, err)
	require.Len(t, got, 2)

	byID := map[string]Evaluation{got[0].ID: got[0], got[1].ID: got[1]}
	assert.Equal(t, "twitch", byID["a"].Platform)
	assert.Equal(t, 500, byID["b"].Status)
}

func TestRecord_TruncatesCode(t *testing.T) {
	s := openTestStore(t)

	long := strings.Repeat("x", 1000)
	require.NoError(t, s.Record(Evaluation{ID: "long", Code: long}))

	got, err := s.Recent(1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Len(t, got[0].Code, codePreviewLimit)
}

func TestRecent_Limit(t *testing.T) {
	s := openTestStore(t)
	for _, id := range []string{"1", "2", "3"} {
		require.NoError(t, s.Record(Evaluation{ID: id}))
	}
	got, err := s.Recent(2)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}
