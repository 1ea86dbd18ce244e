package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()

	file, err := NewFile(filepath.Join(t.TempDir(), "state"))
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return map[string]Store{
		"memory": NewMemory(),
		"file":   file,
		"redis":  NewRedis(client, ""),
	}
}

func TestStore_SetGetDelete(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(ctx, KeySettings)
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Set(ctx, KeySettings, []byte(`{"title_prefix":"[Intra]"}`)))
			require.NoError(t, s.Set(ctx, KeySettings, []byte(`{"title_prefix":"[Epitech]"}`)))

			got, err := s.Get(ctx, KeySettings)
			require.NoError(t, err)
			assert.JSONEq(t, `{"title_prefix":"[Epitech]"}`, string(got))

			require.NoError(t, s.Delete(ctx, KeySettings))
			require.NoError(t, s.Delete(ctx, KeySettings))
			_, err = s.Get(ctx, KeySettings)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	type status struct {
		Connected bool   `json:"connected"`
		LastError string `json:"last_error"`
	}

	var got status
	found, err := GetJSON(ctx, s, KeySyncStatus, &got)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, SetJSON(ctx, s, KeySyncStatus, status{Connected: true, LastError: "boom"}))
	found, err = GetJSON(ctx, s, KeySyncStatus, &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, status{Connected: true, LastError: "boom"}, got)

	require.NoError(t, s.Set(ctx, KeySyncStatus, []byte("{not json")))
	_, err = GetJSON(ctx, s, KeySyncStatus, &got)
	assert.Error(t, err)
}

func TestFile_WritesAtomicallyWithPrivatePermissions(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFile(dir)
	require.NoError(t, err)

	require.NoError(t, s.Set(context.Background(), KeyCachedEvents, []byte("[]")))

	info, err := os.Stat(filepath.Join(dir, "cached_events.json"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files left behind")
}

func TestFile_RejectsPathKeys(t *testing.T) {
	s, err := NewFile(t.TempDir())
	require.NoError(t, err)

	for _, key := range []string{"", "../escape", "a/b", ".hidden"} {
		assert.Error(t, s.Set(context.Background(), key, []byte("x")), key)
	}
}

func TestRedis_UsesPrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	s := NewRedis(client, "test:")
	require.NoError(t, s.Set(context.Background(), KeySyncStatus, []byte("{}")))

	v, err := mr.Get("test:sync_status")
	require.NoError(t, err)
	assert.Equal(t, "{}", v)
}
