package checkpoint

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "transfers.db")
	store, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, path
}

func TestSaveAndLoad(t *testing.T) {
	store, _ := openTestStore(t)

	require.NoError(t, store.Save("12345", 41, 1<<20))

	last, found, err := store.Load("12345")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, uint32(41), last)

	size, found, err := store.LoadFileSize("12345")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, uint64(1<<20), size)
}

func TestLoadAbsent(t *testing.T) {
	store, _ := openTestStore(t)

	_, found, err := store.Load("nope")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSaveUpsertsLastWriterWins(t *testing.T) {
	store, _ := openTestStore(t)

	require.NoError(t, store.Save("77", 3, 100))
	require.NoError(t, store.Save("77", 9, 100))

	last, found, err := store.Load("77")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint32(9), last)
}

func TestClear(t *testing.T) {
	store, _ := openTestStore(t)

	require.NoError(t, store.Save("88", 1, 50))
	require.NoError(t, store.Clear("88"))

	_, found, err := store.Load("88")
	require.NoError(t, err)
	assert.False(t, found)

	// Clearing an absent record is not an error.
	assert.NoError(t, store.Clear("88"))
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transfers.db")

	store, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, store.Save("survivor", 17, 4096))
	require.NoError(t, store.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	last, found, err := reopened.Load("survivor")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, uint32(17), last)
}

func TestConcurrentSavesSerialized(t *testing.T) {
	store, _ := openTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n uint32) {
			defer wg.Done()
			_ = store.Save("contended", n, 1000)
		}(uint32(i))
	}
	wg.Wait()

	_, found, err := store.Load("contended")
	require.NoError(t, err)
	assert.True(t, found, "some writer must have won")
}
