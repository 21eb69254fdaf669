// Package bundle prepares scripts and project directories for sending to
// devices: it zips a project directory into memory, computes the md5 the
// device verifies, and applies the same file-type rules the AutoX app uses.
package bundle

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"

	apperrors "github.com/gaomanyi/AutoXPlugin/internal/errors"
)

// ProjectConfigFiles mark a directory as a runnable project.
var ProjectConfigFiles = []string{"project.json", "package.json"}

// scriptExtensions are the file types devices accept as single scripts.
var scriptExtensions = map[string]bool{".js": true, ".cjs": true, ".mjs": true}

// skippedDirs hold editor and VCS metadata that devices never need.
var skippedDirs = map[string]bool{".git": true, ".idea": true, ".svn": true}

// Archive is a packed project ready for a bytes_command.
type Archive struct {
	// Dir is the absolute project directory, used as the command id and name.
	Dir string
	// Data is the zip payload sent as the binary frame.
	Data []byte
	// Files is the number of regular files in the zip.
	Files int
	// MD5 is the lowercase hex checksum of Data.
	MD5 string
}

// Checksum returns the lowercase hex md5 of b.
func Checksum(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

// Pack zips every regular file under root. Entry names are relative to root
// and always use forward slashes. A directory with no files yields zero
// files and a valid, empty zip.
func Pack(root string) (data []byte, files int, err error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, 0, apperrors.Wrap(apperrors.CodeBundleReadFailed, fmt.Sprintf("cannot read %s", root), err)
	}
	if !info.IsDir() {
		return nil, 0, apperrors.New(apperrors.CodeBundleNotDirectory, fmt.Sprintf("%s is not a directory", root))
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && skippedDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if err := addFile(zw, path, filepath.ToSlash(rel), d); err != nil {
			return err
		}
		files++
		return nil
	})
	if walkErr != nil {
		zw.Close()
		return nil, 0, apperrors.Wrap(apperrors.CodeBundleReadFailed, fmt.Sprintf("cannot pack %s", root), walkErr)
	}

	if err := zw.Close(); err != nil {
		return nil, 0, apperrors.Internal("finish zip", err)
	}
	return buf.Bytes(), files, nil
}

func addFile(zw *zip.Writer, path, name string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	header.Name = name
	header.Method = zip.Deflate

	w, err := zw.CreateHeader(header)
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(w, f)
	return err
}

// ResolveProjectDir turns a project path into its directory.
// A project.json or package.json file resolves to its parent. When
// requireConfig is set the directory must contain one of those files,
// which run_project needs.
func ResolveProjectDir(path string, requireConfig bool) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeBundleReadFailed, fmt.Sprintf("cannot resolve %s", path), err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeBundleReadFailed, fmt.Sprintf("cannot read %s", path), err)
	}

	dir := abs
	if !info.IsDir() {
		if !isProjectConfig(filepath.Base(abs)) {
			return "", apperrors.New(apperrors.CodeBundleNotDirectory, fmt.Sprintf("%s is not a directory or project config", path))
		}
		dir = filepath.Dir(abs)
	}

	if requireConfig && !HasProjectConfig(dir) {
		return "", apperrors.New(apperrors.CodeBundleNotProject,
			fmt.Sprintf("%s has no %s", dir, strings.Join(ProjectConfigFiles, " or ")))
	}
	return dir, nil
}

// HasProjectConfig reports whether dir directly contains a project config file.
func HasProjectConfig(dir string) bool {
	for _, name := range ProjectConfigFiles {
		if info, err := os.Stat(filepath.Join(dir, name)); err == nil && !info.IsDir() {
			return true
		}
	}
	return false
}

func isProjectConfig(name string) bool {
	for _, n := range ProjectConfigFiles {
		if name == n {
			return true
		}
	}
	return false
}

// PackProject resolves and packs a project for save_project (run=false)
// or run_project (run=true). An empty project is an error: there is
// nothing to send.
func PackProject(path string, run bool) (*Archive, error) {
	dir, err := ResolveProjectDir(path, run)
	if err != nil {
		return nil, err
	}

	data, files, err := Pack(dir)
	if err != nil {
		return nil, err
	}
	if files == 0 {
		return nil, apperrors.New(apperrors.CodeBundleEmpty, fmt.Sprintf("no files found in %s", dir))
	}

	return &Archive{
		Dir:   filepath.ToSlash(dir),
		Data:  data,
		Files: files,
		MD5:   Checksum(data),
	}, nil
}

// IsScriptFile reports whether path has a script extension the device runs.
func IsScriptFile(path string) bool {
	return scriptExtensions[strings.ToLower(filepath.Ext(path))]
}

// ReadScript loads a single script. It returns the absolute, slash-separated
// path used as the command id together with the file contents.
func ReadScript(path string) (id, script string, err error) {
	if !IsScriptFile(path) {
		return "", "", apperrors.New(apperrors.CodeBundleNotScript, fmt.Sprintf("%s is not a .js, .cjs or .mjs file", path))
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", "", apperrors.Wrap(apperrors.CodeBundleReadFailed, fmt.Sprintf("cannot resolve %s", path), err)
	}

	content, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", "", apperrors.Wrap(apperrors.CodeBundleReadFailed, fmt.Sprintf("%s does not exist", path), err)
		}
		return "", "", apperrors.Wrap(apperrors.CodeBundleReadFailed, fmt.Sprintf("cannot read %s", path), err)
	}

	return filepath.ToSlash(abs), string(content), nil
}

// ScriptID returns the command id for a script path without reading it;
// stop only needs the id.
func ScriptID(path string) (string, error) {
	if !IsScriptFile(path) {
		return "", apperrors.New(apperrors.CodeBundleNotScript, fmt.Sprintf("%s is not a .js, .cjs or .mjs file", path))
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeBundleReadFailed, fmt.Sprintf("cannot resolve %s", path), err)
	}
	return filepath.ToSlash(abs), nil
}
