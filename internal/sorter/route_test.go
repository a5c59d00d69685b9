package sorter

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var man30 = Classification{Gender: "Man", Ethnicity: "white", Age: 30}

func quietLogger() *log.Logger {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return logger
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

// countEntries returns the number of files and directories below root, or
// 0 when root does not exist.
func countEntries(t *testing.T, root string) int {
	t.Helper()
	n := 0
	err := filepath.Walk(root, func(path string, _ os.FileInfo, err error) error {
		if os.IsNotExist(err) {
			return filepath.SkipDir
		}
		if err != nil {
			return err
		}
		if path != root {
			n++
		}
		return nil
	})
	require.NoError(t, err)
	return n
}

func TestRouter_Move(t *testing.T) {
	t.Parallel()
	in, out := t.TempDir(), t.TempDir()
	src := writeFile(t, in, "a.jpg", "pixels")

	r := NewRouter(RouterOptions{OutputDir: out}, quietLogger())
	routed, err := r.Route(src, "a.jpg", man30)
	require.NoError(t, err)

	want := filepath.Join(out, "Man", "white", "young", "a.jpg")
	assert.Equal(t, ActionMoved, routed.Action)
	assert.Equal(t, want, routed.Destination)
	assert.Equal(t, "pixels", readFile(t, want))
	assert.NoFileExists(t, src)
	assert.Empty(t, routed.Backup)
}

func TestRouter_CopyKeepsSource(t *testing.T) {
	t.Parallel()
	in, out := t.TempDir(), t.TempDir()
	src := writeFile(t, in, "a.jpg", "pixels")

	r := NewRouter(RouterOptions{OutputDir: out, Copy: true}, quietLogger())
	routed, err := r.Route(src, "a.jpg", man30)
	require.NoError(t, err)

	assert.Equal(t, ActionCopied, routed.Action)
	assert.FileExists(t, src)
	assert.Equal(t, "pixels", readFile(t, routed.Destination))
}

func TestRouter_BackupRegardlessOfMode(t *testing.T) {
	t.Parallel()

	for _, copyMode := range []bool{true, false} {
		in, out := t.TempDir(), t.TempDir()
		src := writeFile(t, in, "a.jpg", "pixels")

		r := NewRouter(RouterOptions{OutputDir: out, Copy: copyMode, Backup: true}, quietLogger())
		routed, err := r.Route(src, "a.jpg", man30)
		require.NoError(t, err)

		backup := filepath.Join(out, BackupDirName, "a.jpg")
		assert.Equal(t, backup, routed.Backup, "copy=%v", copyMode)
		assert.Equal(t, "pixels", readFile(t, backup), "copy=%v", copyMode)
		assert.Equal(t, "pixels", readFile(t, routed.Destination), "copy=%v", copyMode)
	}
}

func TestRouter_DryRunTouchesNothing(t *testing.T) {
	t.Parallel()
	in := t.TempDir()
	out := filepath.Join(t.TempDir(), "output")
	src := writeFile(t, in, "a.jpg", "pixels")

	r := NewRouter(RouterOptions{OutputDir: out, Backup: true, DryRun: true}, quietLogger())
	routed, err := r.Route(src, "a.jpg", man30)
	require.NoError(t, err)

	assert.Equal(t, ActionDryRun, routed.Action)
	assert.Equal(t, filepath.Join(out, "Man", "white", "young", "a.jpg"), routed.Destination)
	assert.Equal(t, filepath.Join(out, BackupDirName, "a.jpg"), routed.Backup)
	assert.FileExists(t, src)
	assert.NoDirExists(t, out)
}

func TestRouter_CollisionAddsSuffix(t *testing.T) {
	t.Parallel()
	in1, in2, out := t.TempDir(), t.TempDir(), t.TempDir()
	first := writeFile(t, in1, "a.jpg", "first")
	second := writeFile(t, in2, "a.jpg", "second")

	r := NewRouter(RouterOptions{OutputDir: out}, quietLogger())
	r1, err := r.Route(first, "a.jpg", man30)
	require.NoError(t, err)
	r2, err := r.Route(second, "a.jpg", man30)
	require.NoError(t, err)

	dir := filepath.Join(out, "Man", "white", "young")
	assert.Equal(t, filepath.Join(dir, "a.jpg"), r1.Destination)
	assert.Equal(t, filepath.Join(dir, "a-1.jpg"), r2.Destination)
	assert.Equal(t, "first", readFile(t, r1.Destination))
	assert.Equal(t, "second", readFile(t, r2.Destination))

	// A dry run reports the next free name.
	dry := NewRouter(RouterOptions{OutputDir: out, DryRun: true}, quietLogger())
	third := writeFile(t, in1, "a.jpg", "third")
	r3, err := dry.Route(third, "a.jpg", man30)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "a-2.jpg"), r3.Destination)
}

func TestRouter_ConcurrentSameName(t *testing.T) {
	t.Parallel()
	const n = 16
	out := t.TempDir()
	r := NewRouter(RouterOptions{OutputDir: out}, quietLogger())

	var wg sync.WaitGroup
	dests := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		src := writeFile(t, t.TempDir(), "a.jpg", fmt.Sprintf("image %d", i))
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			routed, err := r.Route(src, "a.jpg", man30)
			dests[i], errs[i] = routed.Destination, err
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.False(t, seen[dests[i]], "destination %s used twice", dests[i])
		seen[dests[i]] = true
		assert.Equal(t, fmt.Sprintf("image %d", i), readFile(t, dests[i]))
	}
	assert.Equal(t, n, countEntries(t, filepath.Join(out, "Man", "white", "young")))
}

func TestRouter_MoveAcrossDevices(t *testing.T) {
	t.Parallel()
	in, out := t.TempDir(), t.TempDir()
	src := writeFile(t, in, "a.jpg", "pixels")

	r := NewRouter(RouterOptions{OutputDir: out}, quietLogger())
	r.rename = func(oldpath, newpath string) error {
		return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: syscall.EXDEV}
	}

	routed, err := r.Route(src, "a.jpg", man30)
	require.NoError(t, err)

	assert.Equal(t, ActionMoved, routed.Action)
	assert.Equal(t, "pixels", readFile(t, routed.Destination))
	assert.NoFileExists(t, src)
}

func TestMoveFile_OtherRenameErrors(t *testing.T) {
	t.Parallel()
	in := t.TempDir()
	src := writeFile(t, in, "a.jpg", "pixels")
	dst := filepath.Join(in, "b.jpg")

	err := moveFile(func(string, string) error { return syscall.EACCES }, src, dst)
	assert.ErrorIs(t, err, syscall.EACCES)
	assert.FileExists(t, src)
	assert.NoFileExists(t, dst)
}

func TestRouter_MissingSourceLeavesNoDebris(t *testing.T) {
	t.Parallel()
	out := t.TempDir()

	r := NewRouter(RouterOptions{OutputDir: out, Copy: true}, quietLogger())
	_, err := r.Route(filepath.Join(t.TempDir(), "gone.jpg"), "gone.jpg", man30)
	require.Error(t, err)

	assert.NoFileExists(t, filepath.Join(out, "Man", "white", "young", "gone.jpg"))
}

func TestRouter_LabelsStayInsideOutput(t *testing.T) {
	t.Parallel()
	out := t.TempDir()
	r := NewRouter(RouterOptions{OutputDir: out}, quietLogger())

	dir, err := r.DestinationDir(Classification{Gender: "../x", Ethnicity: "latino hispanic", Age: 70})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(out, ".._x", "latino hispanic", BracketOld), dir)

	for _, bad := range []string{"", " ", ".", ".."} {
		_, err := r.DestinationDir(Classification{Gender: bad, Ethnicity: "white"})
		assert.ErrorIs(t, err, ErrInvalidLabel, "gender %q", bad)
	}
}

func TestCandidateName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "d/a.jpg", candidateName("d/a.jpg", 0))
	assert.Equal(t, "d/a-3.jpg", candidateName("d/a.jpg", 3))
	assert.Equal(t, "d/noext-1", candidateName("d/noext", 1))
}
