package profile

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/shehryarbajwa/browserbot/internal/store"
	"github.com/shehryarbajwa/browserbot/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	s, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	root := t.TempDir()
	m, err := NewManager(s, filepath.Join(root, "user_data"), filepath.Join(root, "downloads"))
	require.NoError(t, err)
	return m
}

func TestCreate(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	p, err := m.Create(ctx, models.CreateProfileRequest{ID: "work", Name: "  Work  "})
	require.NoError(t, err)
	assert.Equal(t, "work", p.ID)
	assert.Equal(t, "Work", p.Name)

	_, err = m.Create(ctx, models.CreateProfileRequest{ID: "work"})
	assert.ErrorIs(t, err, ErrExists)

	_, err = m.Create(ctx, models.CreateProfileRequest{ID: "../etc"})
	assert.ErrorIs(t, err, ErrInvalidID)

	generated, err := m.Create(ctx, models.CreateProfileRequest{})
	require.NoError(t, err)
	assert.True(t, models.ValidProfileID(generated.ID))
	assert.Equal(t, generated.ID, generated.Name)
}

func TestEnsure_DefaultsAndRegistersLazily(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	id, err := m.Ensure(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, models.DefaultProfileID, id)

	id, err = m.Ensure(ctx, "shopping")
	require.NoError(t, err)
	p, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "shopping", p.Name)

	_, err = m.Ensure(ctx, "a/b")
	assert.ErrorIs(t, err, ErrInvalidID)

	// directories are only created when prepared
	_, err = os.Stat(m.Paths("shopping").Downloads)
	assert.True(t, os.IsNotExist(err))
	dirs, err := m.Prepare("shopping")
	require.NoError(t, err)
	assert.DirExists(t, dirs.Data)
	assert.DirExists(t, dirs.Downloads)
}

func TestDelete_RemovesDirectories(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	_, err := m.Ensure(ctx, "temp")
	require.NoError(t, err)
	dirs, err := m.Prepare("temp")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dirs.Downloads, "report.pdf"), []byte("%PDF"), 0644))

	require.NoError(t, m.Delete(ctx, "temp"))
	assert.NoDirExists(t, dirs.Data)
	assert.NoDirExists(t, dirs.Downloads)

	_, err = m.Get(ctx, "temp")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, m.Delete(ctx, "temp"), ErrNotFound)

	// a deleted profile is registered again on next use
	_, err = m.Ensure(ctx, "temp")
	require.NoError(t, err)
	_, err = m.Get(ctx, "temp")
	assert.NoError(t, err)
}

func TestExportRestore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	_, err := m.Ensure(ctx, "src")
	require.NoError(t, err)
	dirs, err := m.Prepare("src")
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(dirs.Data, "Default"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dirs.Data, "Default", "Cookies"), []byte("cookie-db"), 0644))
	require.NoError(t, os.Symlink("host-1234", filepath.Join(dirs.Data, "SingletonLock")))

	var archive bytes.Buffer
	require.NoError(t, m.Export(ctx, "src", &archive))

	// pre-existing state in the destination is replaced
	dst, err := m.Prepare("dst")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dst.Data, "stale"), []byte("x"), 0644))

	require.NoError(t, m.Restore(ctx, "dst", &archive))

	data, err := os.ReadFile(filepath.Join(dst.Data, "Default", "Cookies"))
	require.NoError(t, err)
	assert.Equal(t, "cookie-db", string(data))
	assert.NoFileExists(t, filepath.Join(dst.Data, "stale"))
	_, err = os.Lstat(filepath.Join(dst.Data, "SingletonLock"))
	assert.True(t, os.IsNotExist(err))
}

func TestExport_UnknownProfile(t *testing.T) {
	m := newTestManager(t)
	err := m.Export(context.Background(), "ghost", &bytes.Buffer{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRestore_RejectsTraversal(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	dirs, err := m.Prepare("victim")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dirs.Data, "keep"), []byte("ok"), 0644))

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	body := []byte("pwned")
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "../../escape", Mode: 0644, Size: int64(len(body)), Typeflag: tar.TypeReg}))
	_, err = tw.Write(body)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	err = m.Restore(ctx, "victim", &buf)
	assert.ErrorIs(t, err, ErrUnsafeArchive)
	// the old state is untouched
	assert.FileExists(t, filepath.Join(dirs.Data, "keep"))
}
