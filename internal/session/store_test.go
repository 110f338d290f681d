package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func newTestStore(t *testing.T) (*Store, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	return NewStore(filepath.Join(t.TempDir(), "sessions"), zap.New(core)), logs
}

func TestStore_SaveAndLoad(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	state := &State{
		Cookies: []Cookie{
			{Name: "SID", Value: "abc", Domain: ".google.com", Path: "/", Expires: 4102444800, Secure: true, SameSite: "Lax"},
		},
		LocalStorage: map[string]map[string]string{
			"https://mail.google.com": {"theme": "dark"},
		},
	}

	require.NoError(t, store.Save(ctx, "gmail", state))
	assert.FileExists(t, store.Path("gmail"))
	info, err := os.Stat(store.Path("gmail"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(fileMode), info.Mode().Perm())

	loaded, err := store.Load(ctx, "gmail")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, state.Cookies, loaded.Cookies)
	assert.Equal(t, "dark", loaded.LocalStorage["https://mail.google.com"]["theme"])
	assert.False(t, loaded.SavedAt.IsZero())
}

func TestStore_PathPerProvider(t *testing.T) {
	store := NewStore("/tmp/sessions", zap.NewNop())
	assert.Equal(t, "/tmp/sessions/outlook_auth.json", store.Path("outlook"))
}

func TestStore_LoadMissing(t *testing.T) {
	store, _ := newTestStore(t)

	state, err := store.Load(context.Background(), "gmail")
	require.NoError(t, err)
	assert.Nil(t, state)

	require.NoError(t, os.MkdirAll(store.dir, dirMode))
	state, err = store.Load(context.Background(), "gmail")
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestStore_LoadDeletesInvalidFile(t *testing.T) {
	tests := map[string]string{
		"not json":        "{not json",
		"missing cookies": `{"local_storage":{}}`,
		"nameless cookie": `{"cookies":[{"value":"x"}]}`,
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			store, logs := newTestStore(t)
			require.NoError(t, os.MkdirAll(store.dir, dirMode))
			require.NoError(t, os.WriteFile(store.Path("gmail"), []byte(content), fileMode))

			state, err := store.Load(context.Background(), "gmail")

			require.NoError(t, err)
			assert.Nil(t, state)
			assert.NoFileExists(t, store.Path("gmail"))
			assert.Equal(t, 1, logs.FilterMessage("Invalid session file. Deleting and proceeding without it.").Len())
		})
	}
}

func TestStore_SaveOverwritesAtomically(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "gmail", &State{Cookies: []Cookie{{Name: "a"}}}))
	require.NoError(t, store.Save(ctx, "gmail", &State{Cookies: []Cookie{{Name: "b"}}}))

	loaded, err := store.Load(ctx, "gmail")
	require.NoError(t, err)
	require.Len(t, loaded.Cookies, 1)
	assert.Equal(t, "b", loaded.Cookies[0].Name)

	entries, err := os.ReadDir(store.dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp-", "temp files are renamed or removed")
	}
}

func TestStore_SaveRejectsNil(t *testing.T) {
	store, _ := newTestStore(t)
	assert.ErrorIs(t, store.Save(context.Background(), "gmail", nil), ErrInvalidState)
}

func TestStore_Delete(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, "outlook", &State{Cookies: []Cookie{}}))

	require.NoError(t, store.Delete("outlook"))
	assert.NoFileExists(t, store.Path("outlook"))
	assert.NoError(t, store.Delete("outlook"), "deleting twice is fine")
}

func TestStore_SaveHonorsCancelledContextWhileLocked(t *testing.T) {
	store, _ := newTestStore(t)
	require.NoError(t, store.Save(context.Background(), "gmail", &State{Cookies: []Cookie{}}))

	// Hold the lock from another handle.
	other := NewStore(store.dir, zap.NewNop())
	held, err := lockFor(other.Path("gmail"))
	require.NoError(t, err)
	defer held.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err = store.Save(ctx, "gmail", &State{Cookies: []Cookie{}})
	assert.ErrorContains(t, err, "failed to lock session file")
}

func lockFor(path string) (*flock.Flock, error) {
	l := flock.New(path + ".lock")
	if _, err := l.TryLock(); err != nil {
		return nil, err
	}
	return l, nil
}

func TestCookieConversion(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cdpCookies := []*network.Cookie{
		{Name: "SID", Value: "1", Domain: ".google.com", Path: "/", Expires: 1_800_000_000.5, Secure: true, HTTPOnly: true, SameSite: network.CookieSameSiteLax},
		{Name: "tmp", Value: "2", Domain: "mail.google.com", Path: "/", Expires: 0, Session: true},
		nil,
	}

	cookies := CookiesFromCDP(cdpCookies)
	require.Len(t, cookies, 2)
	assert.Equal(t, "Lax", cookies[0].SameSite)
	assert.Equal(t, float64(-1), cookies[1].Expires)

	state := &State{Cookies: append(cookies, Cookie{Name: "old", Expires: 1_600_000_000})}
	params := state.CookieParams(now)
	require.Len(t, params, 2, "expired cookies are not restored")

	require.NotNil(t, params[0].Expires)
	assert.Equal(t, int64(1_800_000_000), params[0].Expires.Time().Unix())
	assert.Equal(t, network.CookieSameSiteLax, params[0].SameSite)
	assert.True(t, params[0].HTTPOnly)
	assert.Nil(t, params[1].Expires, "session cookies carry no expiry")

	var nilState *State
	assert.Nil(t, nilState.CookieParams(now))
}
