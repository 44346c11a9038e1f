package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDatabase(t *testing.T) *Database {
	t.Helper()
	db, err := NewDatabase(filepath.Join(t.TempDir(), "journal.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	db := testDatabase(t)

	run, err := db.CreateRun(ctx, "https://example.com/test.img")
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, StateNew, run.State)

	require.NoError(t, db.UpdateRunImage(ctx, run.ID, "/tmp/flash/cache/test.img", "abc123"))
	require.NoError(t, db.UpdateRunDevice(ctx, run.ID, "/dev/sdb"))
	require.NoError(t, db.UpdateRunState(ctx, run.ID, StateWritten))

	got, err := db.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/test.img", got.Source)
	assert.Equal(t, "/tmp/flash/cache/test.img", got.ImagePath)
	assert.Equal(t, "abc123", got.SHA256)
	assert.Equal(t, "/dev/sdb", got.Device)
	assert.Equal(t, StateWritten, got.State)
}

func TestGetRunUnknownID(t *testing.T) {
	db := testDatabase(t)

	_, err := db.GetRun(context.Background(), "nope")
	assert.Error(t, err)
}

func TestNamedLocks(t *testing.T) {
	ctx := context.Background()
	db := testDatabase(t)

	locked, err := db.TryLock(ctx, "fetch_test.img")
	require.NoError(t, err)
	assert.True(t, locked)

	locked, err = db.TryLock(ctx, "fetch_test.img")
	require.NoError(t, err)
	assert.False(t, locked, "a held lock cannot be acquired twice")

	locked, err = db.TryLock(ctx, "fetch_other.img")
	require.NoError(t, err)
	assert.True(t, locked, "locks are independent by name")

	require.NoError(t, db.ReleaseLock(ctx, "fetch_test.img"))

	locked, err = db.TryLock(ctx, "fetch_test.img")
	require.NoError(t, err)
	assert.True(t, locked, "a released lock can be reacquired")
}

func TestContextInjection(t *testing.T) {
	db := testDatabase(t)

	ctx := WithDatabase(context.Background(), db)
	assert.Same(t, db, GetDatabase(ctx))
	assert.Nil(t, GetDatabase(context.Background()))

	assert.NotNil(t, GetLogger(context.Background()), "logger access never fails")
}
