// KFRelay - WeCom customer-service to gateway relay
// Binding store tests

package binding

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingTokenConsumption(t *testing.T) {
	store := NewMemoryStore()

	token, err := store.CreatePending("gw-A", 15*time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, token)
	assert.GreaterOrEqual(t, len(token), 8)
	assert.LessOrEqual(t, len(token), 32)

	gw, ok := store.ResolvePending(token)
	require.True(t, ok)
	assert.Equal(t, "gw-A", gw)

	// Single use: a second resolution must miss.
	_, ok = store.ResolvePending(token)
	assert.False(t, ok)
}

func TestPendingTokenExpiry(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	store.now = func() time.Time { return now }

	token, err := store.CreatePending("gw-A", 15*time.Minute)
	require.NoError(t, err)

	now = now.Add(16 * time.Minute)
	_, ok := store.ResolvePending(token)
	assert.False(t, ok, "expired token must not resolve")
}

func TestPendingTokensSameGateway(t *testing.T) {
	store := NewMemoryStore()

	t1, err := store.CreatePending("gw-A", 0)
	require.NoError(t, err)
	t2, err := store.CreatePending("gw-A", 0)
	require.NoError(t, err)
	require.NotEqual(t, t1, t2)

	gw, ok := store.ResolvePending(t2)
	require.True(t, ok)
	assert.Equal(t, "gw-A", gw)

	gw, ok = store.ResolvePending(t1)
	require.True(t, ok)
	assert.Equal(t, "gw-A", gw)
}

func TestBindReplacesPrior(t *testing.T) {
	store := NewMemoryStore()

	require.NoError(t, store.Bind("u1", "gw-A"))
	require.NoError(t, store.Bind("u1", "gw-B"))

	gw, ok := store.Lookup("u1")
	require.True(t, ok)
	assert.Equal(t, "gw-B", gw)
}

func TestUnbindAll(t *testing.T) {
	store := NewMemoryStore()

	require.NoError(t, store.Bind("u1", "gw-A"))
	require.NoError(t, store.Bind("u2", "gw-A"))
	require.NoError(t, store.Bind("u3", "gw-B"))

	count, err := store.UnbindAll("gw-A")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	_, ok := store.Lookup("u1")
	assert.False(t, ok)
	gw, ok := store.Lookup("u3")
	require.True(t, ok)
	assert.Equal(t, "gw-B", gw)
}

func TestSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bindings.db")

	store, err := NewSQLiteStore(path)
	require.NoError(t, err)

	require.NoError(t, store.Bind("u1", "gw-A"))
	require.NoError(t, store.Bind("u2", "gw-A"))
	require.NoError(t, store.Bind("u1", "gw-B")) // rebind

	gw, ok := store.Lookup("u1")
	require.True(t, ok)
	assert.Equal(t, "gw-B", gw)

	token, err := store.CreatePending("gw-A", time.Minute)
	require.NoError(t, err)
	gw, ok = store.ResolvePending(token)
	require.True(t, ok)
	assert.Equal(t, "gw-A", gw)

	count, err := store.UnbindAll("gw-A")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, store.Close())

	// Bindings survive a reopen; pending tokens do not.
	store2, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer store2.Close()

	gw, ok = store2.Lookup("u1")
	require.True(t, ok)
	assert.Equal(t, "gw-B", gw)
	_, ok = store2.Lookup("u2")
	assert.False(t, ok)
}
