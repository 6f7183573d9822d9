package transport

import (
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jonmobley/EclipseTV/storage"
)

func TestStoreResourceKeepsBothCollidingResources(t *testing.T) {
	store, err := storage.NewMediaStore(t.TempDir())
	require.NoError(t, err)

	s := &quicSession{cfg: Config{Store: store}}

	var mu sync.Mutex
	var paths []string
	s.OnResource(func(name, path string) {
		mu.Lock()
		defer mu.Unlock()
		require.Equal(t, "photo.jpg", name)
		paths = append(paths, path)
	})

	s.storeResource("photo.jpg", strings.NewReader("FIRST MEDIA"))
	s.storeResource("photo.jpg", strings.NewReader("SECOND MEDIA"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, paths, 2)
	require.NotEqual(t, paths[0], paths[1], "second resource must not replace the first")

	first, err := os.ReadFile(paths[0])
	require.NoError(t, err)
	require.Equal(t, "FIRST MEDIA", string(first))

	second, err := os.ReadFile(paths[1])
	require.NoError(t, err)
	require.Equal(t, "SECOND MEDIA", string(second))
}

func TestStoreResourceReportsBaseName(t *testing.T) {
	store, err := storage.NewMediaStore(t.TempDir())
	require.NoError(t, err)

	s := &quicSession{cfg: Config{Store: store}}

	done := make(chan string, 1)
	s.OnResource(func(name, path string) {
		done <- path
	})

	s.storeResource("clip.mp4", strings.NewReader("video bytes"))

	path := <-done
	require.True(t, store.FileExists(path))
}
