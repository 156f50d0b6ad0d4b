package installer

import (
	"testing"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/require"
)

func newLockForTest(t *testing.T, path string) *flock.Flock {
	t.Helper()
	lock := flock.New(path)
	locked, err := lock.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	return lock
}
