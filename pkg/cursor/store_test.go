package cursor

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cursors.json")
	return Open(path, zerolog.Nop()), path
}

func TestOpen_MissingFile(t *testing.T) {
	s, _ := testStore(t)
	assert.Equal(t, 0, s.Len())
	assert.EqualValues(t, 0, s.Get("42"))
}

func TestOpen_CorruptFileStartsFresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cursors.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	s := Open(path, zerolog.Nop())
	assert.Equal(t, 0, s.Len())

	// A fresh store over a corrupt file must still be writable.
	require.NoError(t, s.Advance("1", 5))
	assert.EqualValues(t, 5, s.Get("1"))
}

func TestAdvance_PersistsAndReloads(t *testing.T) {
	s, path := testStore(t)
	require.NoError(t, s.Advance("100", 42))
	require.NoError(t, s.Advance("group_7", 9))

	reloaded := Open(path, zerolog.Nop())
	assert.EqualValues(t, 42, reloaded.Get("100"))
	assert.EqualValues(t, 9, reloaded.Get("group_7"))
	assert.Equal(t, 2, reloaded.Len())
}

func TestAdvance_NeverDecreases(t *testing.T) {
	s, _ := testStore(t)
	require.NoError(t, s.Advance("1", 10))
	saves := s.Saves()

	require.NoError(t, s.Advance("1", 4))
	assert.EqualValues(t, 10, s.Get("1"))
	assert.Equal(t, saves, s.Saves(), "regressing advance must not persist")

	require.NoError(t, s.Advance("1", 10))
	assert.Equal(t, saves, s.Saves(), "equal advance must not persist")
}

func TestRecent_TopNBySequence(t *testing.T) {
	s, _ := testStore(t)
	require.NoError(t, s.Advance("a", 3))
	require.NoError(t, s.Advance("b", 9))
	require.NoError(t, s.Advance("c", 6))

	recent := s.Recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, Entry{Key: "b", Sequence: 9}, recent[0])
	assert.Equal(t, Entry{Key: "c", Sequence: 6}, recent[1])
}

func TestEvict_DropsLowestSequences(t *testing.T) {
	s, path := testStore(t)
	require.NoError(t, s.Advance("old", 1))
	require.NoError(t, s.Advance("mid", 50))
	require.NoError(t, s.Advance("new", 100))

	dropped, err := s.Evict(2)
	require.NoError(t, err)
	assert.Equal(t, 1, dropped)
	assert.EqualValues(t, 0, s.Get("old"))
	assert.EqualValues(t, 100, s.Get("new"))

	reloaded := Open(path, zerolog.Nop())
	assert.Equal(t, 2, reloaded.Len())
}

func TestEvict_UnderCapacityIsNoop(t *testing.T) {
	s, _ := testStore(t)
	require.NoError(t, s.Advance("a", 1))

	dropped, err := s.Evict(10)
	require.NoError(t, err)
	assert.Equal(t, 0, dropped)
}

func TestSave_AtomicReplace(t *testing.T) {
	s, path := testStore(t)
	require.NoError(t, s.Advance("1", 1))

	// Simulate an interrupted write: a stale temp file must not shadow or
	// corrupt the committed state.
	require.NoError(t, os.WriteFile(path+".tmp", []byte("garbage"), 0o600))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var m map[string]int64
	require.NoError(t, json.Unmarshal(data, &m))
	assert.EqualValues(t, 1, m["1"])

	require.NoError(t, s.Advance("1", 2))
	reloaded := Open(path, zerolog.Nop())
	assert.EqualValues(t, 2, reloaded.Get("1"))
}
