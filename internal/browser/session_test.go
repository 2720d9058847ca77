package browser

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanStaleLocks(t *testing.T) {
	dir := t.TempDir()

	// Chromium writes SingletonLock as a symlink to "<host>-<pid>", which
	// dangles once the process is gone.
	require.NoError(t, os.Symlink("myhost-424242", filepath.Join(dir, "SingletonLock")))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "SingletonCookie"), []byte("x"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Preferences"), []byte("{}"), 0600))

	removed, err := CleanStaleLocks(dir)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"SingletonLock", "SingletonCookie"}, removed)

	_, err = os.Lstat(filepath.Join(dir, "SingletonLock"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "Preferences"))
	assert.NoError(t, err, "profile data must survive")
}

func TestCleanStaleLocksEmptyDir(t *testing.T) {
	removed, err := CleanStaleLocks(t.TempDir())
	assert.NoError(t, err)
	assert.Empty(t, removed)
}

func TestIsProfileInUse(t *testing.T) {
	testCases := []struct {
		msg      string
		expected bool
	}{
		{"[launcher] Failed to create a ProcessSingleton for your profile directory", true},
		{"Opening in existing browser session.", true},
		{"open /tmp/p/SingletonLock: file exists", true},
		{"exec: \"chrome\": executable file not found in $PATH", false},
	}

	for _, tc := range testCases {
		t.Run(tc.msg, func(t *testing.T) {
			assert.Equal(t, tc.expected, isProfileInUse(errors.New(tc.msg)))
		})
	}
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	calls := 0
	boom := errors.New("close failed")
	s := NewSession(nil, func() error {
		calls++
		return boom
	}, nil)

	assert.ErrorIs(t, s.Close(), boom)
	assert.ErrorIs(t, s.Close(), boom)
	assert.Equal(t, 1, calls)
	assert.True(t, s.Alive())
}

func TestSessionAlive(t *testing.T) {
	alive := true
	s := NewSession(nil, nil, func() bool { return alive })
	assert.True(t, s.Alive())
	alive = false
	assert.False(t, s.Alive())
	assert.NoError(t, s.Close())
}
