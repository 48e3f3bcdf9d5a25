package watermark

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyFormat(t *testing.T) {
	assert.Equal(t, "lastSeenMessage_client_c_conv1", Key("client_c", "conv1"))
}

func storesUnderTest(t *testing.T) map[string]Store {
	t.Helper()
	return map[string]Store{
		"memory": NewMemoryStore(),
		"file":   NewFileStore(filepath.Join(t.TempDir(), "watermarks.json")),
	}
}

func TestMarkSeenIsIdempotent(t *testing.T) {
	ctx := context.Background()
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			changed, err := store.MarkSeen(ctx, "client_c", "conv1", "r1")
			require.NoError(t, err)
			assert.True(t, changed)

			changed, err = store.MarkSeen(ctx, "client_c", "conv1", "r1")
			require.NoError(t, err)
			assert.False(t, changed, "second mark of the same id must not change the store")

			got, err := store.Get(ctx, "client_c", "conv1")
			require.NoError(t, err)
			assert.Equal(t, "r1", got)

			changed, err = store.MarkSeen(ctx, "client_c", "conv1", "r2")
			require.NoError(t, err)
			assert.True(t, changed)
		})
	}
}

func TestWatermarksArePerViewerAndConversation(t *testing.T) {
	ctx := context.Background()
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.MarkSeen(ctx, "client_c", "conv1", "r1")
			require.NoError(t, err)
			_, err = store.MarkSeen(ctx, "client_d", "conv1", "r9")
			require.NoError(t, err)

			got, err := store.Get(ctx, "client_c", "conv2")
			require.NoError(t, err)
			assert.Empty(t, got)
			got, err = store.Get(ctx, "client_d", "conv1")
			require.NoError(t, err)
			assert.Equal(t, "r9", got)

			require.NoError(t, store.Clear(ctx, "client_c", "conv1"))
			got, err = store.Get(ctx, "client_c", "conv1")
			require.NoError(t, err)
			assert.Empty(t, got)
		})
	}
}

func TestStoresRejectBlankInput(t *testing.T) {
	ctx := context.Background()
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Get(ctx, " ", "conv1")
			assert.ErrorIs(t, err, ErrInvalidInput)
			_, err = store.MarkSeen(ctx, "client_c", "conv1", "")
			assert.ErrorIs(t, err, ErrInvalidInput)
			assert.ErrorIs(t, store.Clear(ctx, "client_c", ""), ErrInvalidInput)
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "watermarks.json")
	first := NewFileStore(path)
	_, err := first.MarkSeen(ctx, "client_c", "conv1", "r1")
	require.NoError(t, err)

	second := NewFileStore(path)
	got, err := second.Get(ctx, "client_c", "conv1")
	require.NoError(t, err)
	assert.Equal(t, "r1", got)
}

func TestFileStoreWritersKeepEachOthersKeys(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "watermarks.json")
	a := NewFileStore(path)
	b := NewFileStore(path)

	// Prime b's cache before a writes.
	_, err := b.Get(ctx, "client_c", "conv1")
	require.NoError(t, err)

	_, err = a.MarkSeen(ctx, "client_c", "conv1", "r1")
	require.NoError(t, err)
	_, err = b.MarkSeen(ctx, "client_c", "conv2", "r7")
	require.NoError(t, err)

	reopened := NewFileStore(path)
	got, err := reopened.Get(ctx, "client_c", "conv1")
	require.NoError(t, err)
	assert.Equal(t, "r1", got)
	got, err = reopened.Get(ctx, "client_c", "conv2")
	require.NoError(t, err)
	assert.Equal(t, "r7", got)
}

func TestFileStoreReloadPicksUpExternalWrites(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "watermarks.json")
	store := NewFileStore(path)
	got, err := store.Get(ctx, "client_c", "conv1")
	require.NoError(t, err)
	require.Empty(t, got)

	require.NoError(t, os.WriteFile(path, []byte(`{"lastSeenMessage_client_c_conv1":"r4"}`), 0o644))
	got, err = store.Get(ctx, "client_c", "conv1")
	require.NoError(t, err)
	assert.Equal(t, "r4", got)

	require.NoError(t, os.Remove(path))
	got, err = store.Get(ctx, "client_c", "conv1")
	require.NoError(t, err)
	assert.Empty(t, got, "a removed file reads as empty")
}

func TestFileStoreGetSeesOtherWritersWithoutReload(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "watermarks.json")
	a := NewFileStore(path)
	b := NewFileStore(path)

	_, err := b.MarkSeen(ctx, "client_c", "conv1", "r1")
	require.NoError(t, err)
	got, err := a.Get(ctx, "client_c", "conv1")
	require.NoError(t, err)
	require.Equal(t, "r1", got)

	_, err = b.MarkSeen(ctx, "client_c", "conv1", "r9")
	require.NoError(t, err)
	got, err = a.Get(ctx, "client_c", "conv1")
	require.NoError(t, err)
	assert.Equal(t, "r9", got)
}

func TestFileStoreRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watermarks.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	_, err := NewFileStore(path).Get(context.Background(), "client_c", "conv1")
	require.Error(t, err)
}

func TestFileStoreWatchReloadsOnChange(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	path := filepath.Join(t.TempDir(), "watermarks.json")
	watched := NewFileStore(path)
	writer := NewFileStore(path)

	changed := make(chan struct{}, 8)
	done := make(chan error, 1)
	go func() {
		done <- watched.Watch(ctx, func() {
			select {
			case changed <- struct{}{}:
			default:
			}
		})
	}()

	deadline := time.After(5 * time.Second)
	for {
		// The watcher may not be registered yet, so keep writing until
		// it reports.
		_, err := writer.MarkSeen(context.Background(), "client_c", "conv1", "r"+time.Now().Format("150405.000000000"))
		require.NoError(t, err)
		select {
		case <-changed:
			got, err := watched.Get(context.Background(), "client_c", "conv1")
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(got, "r"))
			cancel()
			require.NoError(t, <-done)
			return
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			t.Fatal("watch never reported a change")
		}
	}
}

func TestCloseIgnoresStoresWithoutResources(t *testing.T) {
	require.NoError(t, Close(NewMemoryStore()))
}

func TestPostgresStoreIntegration(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("RELAYDESK_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("RELAYDESK_TEST_POSTGRES_DSN is not set")
	}
	store, err := NewPostgresStore(dsn)
	require.NoError(t, err)
	store.tableName = "relaydesk_watermarks_test_" + time.Now().UTC().Format("20060102150405")
	defer func() {
		if store.db != nil {
			_, _ = store.db.Exec("DROP TABLE IF EXISTS " + postgresQuoteIdentifier(store.tableName))
		}
		_ = store.Close()
	}()

	ctx := context.Background()
	changed, err := store.MarkSeen(ctx, "client_c", "conv1", "r1")
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = store.MarkSeen(ctx, "client_c", "conv1", "r1")
	require.NoError(t, err)
	assert.False(t, changed)

	got, err := store.Get(ctx, "client_c", "conv1")
	require.NoError(t, err)
	assert.Equal(t, "r1", got)

	require.NoError(t, store.Clear(ctx, "client_c", "conv1"))
	got, err = store.Get(ctx, "client_c", "conv1")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestPostgresStoreReportsOpenFailure(t *testing.T) {
	store, err := NewPostgresStore("postgres://example.invalid/db")
	require.NoError(t, err)
	boom := errors.New("boom")
	store.openDB = func(string, string) (*sql.DB, error) { return nil, boom }
	_, err = store.Get(context.Background(), "client_c", "conv1")
	assert.ErrorIs(t, err, boom)
}
