package credstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

// storeFactories builds every backend against test-local resources.
func storeFactories(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"file": func(t *testing.T) Store {
			s, err := NewFileStore(filepath.Join(t.TempDir(), "nested", "credentials.json"))
			require.NoError(t, err)
			return s
		},
		"bolt": func(t *testing.T) Store {
			s, err := NewBoltStore(filepath.Join(t.TempDir(), "credentials.db"))
			require.NoError(t, err)
			return s
		},
		"redis": func(t *testing.T) Store {
			mr := miniredis.RunT(t)
			s, err := NewRedisStore("redis://"+mr.Addr()+"/0", "stringart:")
			require.NoError(t, err)
			return s
		},
		"keyring": func(t *testing.T) Store {
			keyring.MockInit()
			s, err := NewKeyringStore("stringart-test", "alice")
			require.NoError(t, err)
			return s
		},
	}
}

func TestStoreContract(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })

			_, err := s.Read(ctx, "missing")
			require.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Write(ctx,
				Entry{Key: "a", Value: "1"},
				Entry{Key: "b", Value: "2"},
			))

			v, err := s.Read(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, "1", v)

			// Later entries in the same write win
			require.NoError(t, s.Write(ctx, Entry{Key: "a", Value: "x"}, Entry{Key: "a", Value: "y"}))
			v, err = s.Read(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, "y", v)

			require.NoError(t, s.Delete(ctx, "a", "never-written"))
			_, err = s.Read(ctx, "a")
			require.ErrorIs(t, err, ErrNotFound)

			v, err = s.Read(ctx, "b")
			require.NoError(t, err)
			assert.Equal(t, "2", v)
		})
	}
}

func TestStoreCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for _, name := range []string{"memory", "file", "bolt", "keyring"} {
		t.Run(name, func(t *testing.T) {
			s := storeFactories(t)[name](t)
			t.Cleanup(func() { _ = s.Close() })

			_, err := s.Read(ctx, "a")
			assert.ErrorIs(t, err, context.Canceled)
			assert.ErrorIs(t, s.Write(ctx, Entry{Key: "a", Value: "1"}), context.Canceled)
			assert.ErrorIs(t, s.Delete(ctx, "a"), context.Canceled)
		})
	}
}

func TestFileStorePermissions(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "credentials.json")

	s, err := NewFileStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Write(ctx, Entry{Key: "token", Value: "secret"}))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	require.NoError(t, os.Chmod(path, 0644))
	_, err = s.Read(ctx, "token")
	assert.ErrorContains(t, err, "insecure permissions")
}

func TestFileStoreSharedAcrossInstances(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "credentials.json")

	writer, err := NewFileStore(path)
	require.NoError(t, err)
	reader, err := NewFileStore(path)
	require.NoError(t, err)

	require.NoError(t, writer.Write(ctx, Entry{Key: "token", Value: "secret"}))
	v, err := reader.Read(ctx, "token")
	require.NoError(t, err)
	assert.Equal(t, "secret", v)
}

func TestFileStoreRejectsCorruptDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0600))

	s, err := NewFileStore(path)
	require.NoError(t, err)

	_, err = s.Read(context.Background(), "token")
	assert.ErrorContains(t, err, "parsing")
}

func TestConstructorsRejectEmptyArguments(t *testing.T) {
	_, err := NewFileStore("")
	assert.Error(t, err)
	_, err = NewBoltStore("")
	assert.Error(t, err)
	_, err = NewRedisStore("", "")
	assert.Error(t, err)
	_, err = NewKeyringStore("", "user")
	assert.Error(t, err)
	_, err = NewKeyringStore("service", "")
	assert.Error(t, err)
}
