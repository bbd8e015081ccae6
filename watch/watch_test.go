package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/gpgpu"
)

const v1 = `@compute @workgroup_size(1) fn main() {}`
const v2 = `@compute @workgroup_size(2) fn main() {}`

type reload struct {
	name string
	err  error
}

func newWatcher(t *testing.T, lib *gpgpu.Library) (*Watcher, <-chan reload) {
	t.Helper()
	ch := make(chan reload, 16)
	w, err := New(lib, WithDebounce(10*time.Millisecond), OnReload(func(name string, err error) {
		ch <- reload{name, err}
	}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = w.Close()
	})
	return w, ch
}

func waitReload(t *testing.T, ch <-chan reload) reload {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("no reload within 5s")
		return reload{}
	}
}

func TestNameFor(t *testing.T) {
	assert.Equal(t, "blur", NameFor("shaders/blur.wgsl"))
	assert.Equal(t, "a.b", NameFor("/x/a.b.wgsl"))
	assert.Equal(t, "plain", NameFor("plain"))
}

func TestAddDirRegistersShaders(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scale.wgsl"), []byte(v1), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	lib := gpgpu.NewLibrary()
	w, _ := newWatcher(t, lib)
	require.NoError(t, w.AddDir(dir))

	assert.Equal(t, []string{"scale"}, lib.Names())
	src, ok := lib.Source("scale")
	require.True(t, ok)
	assert.Equal(t, v1, src.Code)
	assert.Contains(t, w.Watched(), dir)
}

func TestAddDirMissing(t *testing.T) {
	w, _ := newWatcher(t, gpgpu.NewLibrary())
	err := w.AddDir(filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestWriteTriggersReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scale.wgsl")
	require.NoError(t, os.WriteFile(path, []byte(v1), 0o644))

	lib := gpgpu.NewLibrary()
	w, ch := newWatcher(t, lib)
	require.NoError(t, w.AddDir(dir))
	require.Equal(t, uint64(1), lib.Revision("scale"))

	require.NoError(t, os.WriteFile(path, []byte(v2), 0o644))
	r := waitReload(t, ch)
	require.NoError(t, r.err)
	assert.Equal(t, "scale", r.name)

	src, _ := lib.Source("scale")
	assert.Equal(t, v2, src.Code)
	assert.GreaterOrEqual(t, lib.Revision("scale"), uint64(2))
}

func TestNewFileInWatchedDir(t *testing.T) {
	dir := t.TempDir()
	lib := gpgpu.NewLibrary()
	w, ch := newWatcher(t, lib)
	require.NoError(t, w.AddDir(dir))
	assert.Empty(t, lib.Names())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "fresh.wgsl"), []byte(v1), 0o644))
	r := waitReload(t, ch)
	require.NoError(t, r.err)
	assert.Equal(t, "fresh", r.name)
	assert.Equal(t, []string{"fresh"}, lib.Names())
}

func TestAddFileIgnoresSiblings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "one.wgsl")
	require.NoError(t, os.WriteFile(path, []byte(v1), 0o644))

	lib := gpgpu.NewLibrary()
	w, ch := newWatcher(t, lib)
	require.NoError(t, w.AddFile(path))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.wgsl"), []byte(v1), 0o644))
	require.NoError(t, os.WriteFile(path, []byte(v2), 0o644))

	r := waitReload(t, ch)
	assert.Equal(t, "one", r.name)
	assert.Equal(t, []string{"one"}, lib.Names())
}

func TestCustomExtension(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "k.comp"), []byte(v1), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "k2.wgsl"), []byte(v1), 0o644))

	lib := gpgpu.NewLibrary()
	w, err := New(lib, WithExtension("comp"))
	require.NoError(t, err)
	defer w.Close()
	require.NoError(t, w.AddDir(dir))
	assert.Equal(t, []string{"k"}, lib.Names())
}

func TestClosedWatcher(t *testing.T) {
	w, err := New(gpgpu.NewLibrary())
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.AddDir(t.TempDir()), ErrClosed)

	_, err = New(nil)
	assert.Error(t, err)
}
