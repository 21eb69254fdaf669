package bundle

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/gaomanyi/AutoXPlugin/internal/errors"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func zipEntries(t *testing.T, data []byte) map[string]string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	entries := make(map[string]string)
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		b, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		entries[f.Name] = string(b)
	}
	return entries
}

func TestPackUsesRelativePaths(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "main.js"), "toast('hi')")
	writeFile(t, filepath.Join(root, "project.json"), `{"name":"demo"}`)
	writeFile(t, filepath.Join(root, "lib", "util.js"), "module.exports = 1")
	writeFile(t, filepath.Join(root, ".git", "HEAD"), "ref: refs/heads/main")

	data, files, err := Pack(root)
	require.NoError(t, err)
	assert.Equal(t, 3, files)

	entries := zipEntries(t, data)
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)
	assert.Equal(t, []string{"lib/util.js", "main.js", "project.json"}, names)
	assert.Equal(t, "toast('hi')", entries["main.js"])
}

func TestPackEmptyDirectory(t *testing.T) {
	data, files, err := Pack(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 0, files)
	assert.Empty(t, zipEntries(t, data))
}

func TestPackRejectsFile(t *testing.T) {
	f := filepath.Join(t.TempDir(), "a.js")
	writeFile(t, f, "x")

	_, _, err := Pack(f)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeBundleNotDirectory))
}

func TestChecksum(t *testing.T) {
	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", Checksum(nil))
	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", Checksum([]byte("hello")))
}

func TestResolveProjectDir(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "project.json"), "{}")
	plain := t.TempDir()
	writeFile(t, filepath.Join(plain, "a.js"), "x")

	dir, err := ResolveProjectDir(filepath.Join(root, "project.json"), true)
	require.NoError(t, err)
	assert.Equal(t, root, dir)

	dir, err = ResolveProjectDir(root, true)
	require.NoError(t, err)
	assert.Equal(t, root, dir)

	_, err = ResolveProjectDir(plain, true)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeBundleNotProject))

	dir, err = ResolveProjectDir(plain, false)
	require.NoError(t, err)
	assert.Equal(t, plain, dir)

	_, err = ResolveProjectDir(filepath.Join(plain, "a.js"), false)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeBundleNotDirectory))

	_, err = ResolveProjectDir(filepath.Join(root, "missing"), false)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeBundleReadFailed))
}

func TestPackProject(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "package.json"), "{}")
	writeFile(t, filepath.Join(root, "main.js"), "log(1)")

	archive, err := PackProject(root, true)
	require.NoError(t, err)
	assert.Equal(t, filepath.ToSlash(root), archive.Dir)
	assert.Equal(t, 2, archive.Files)
	assert.Equal(t, Checksum(archive.Data), archive.MD5)
	assert.Len(t, archive.MD5, 32)

	_, err = PackProject(t.TempDir(), false)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeBundleEmpty))
}

func TestScripts(t *testing.T) {
	assert.True(t, IsScriptFile("a.js"))
	assert.True(t, IsScriptFile("b.MJS"))
	assert.True(t, IsScriptFile("dir/c.cjs"))
	assert.False(t, IsScriptFile("d.ts"))
	assert.False(t, IsScriptFile("project.json"))

	dir := t.TempDir()
	path := filepath.Join(dir, "main.js")
	writeFile(t, path, "toast(1)")

	id, script, err := ReadScript(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.ToSlash(path), id)
	assert.Equal(t, "toast(1)", script)

	_, _, err = ReadScript(filepath.Join(dir, "notes.txt"))
	assert.True(t, apperrors.IsCode(err, apperrors.CodeBundleNotScript))

	_, _, err = ReadScript(filepath.Join(dir, "missing.js"))
	assert.True(t, apperrors.IsCode(err, apperrors.CodeBundleReadFailed))

	id, err = ScriptID(filepath.Join(dir, "missing.js"))
	require.NoError(t, err)
	assert.Equal(t, filepath.ToSlash(filepath.Join(dir, "missing.js")), id)
}
