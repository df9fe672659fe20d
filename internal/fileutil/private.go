// Package fileutil creates files and directories readable only by the
// current user: mode 0600/0700 on Unix and, on Windows, additionally a DACL
// granting access to the current user alone. Decrypted snapshots are
// written through it.
package fileutil

import (
	"io"
	"os"
	"path/filepath"
)

const (
	dirPerm  os.FileMode = 0o700
	filePerm os.FileMode = 0o600
)

// TempDir creates a new owner-only directory in parent, or in the system
// temp directory when parent is empty.
func TempDir(parent, pattern string) (string, error) {
	if parent != "" {
		if err := MkdirAll(parent); err != nil {
			return "", err
		}
	}
	dir, err := os.MkdirTemp(parent, pattern)
	if err != nil {
		return "", err
	}
	if err := os.Chmod(dir, dirPerm); err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	restrict(dir)
	return dir, nil
}

// MkdirAll creates path and any missing parents as owner-only directories.
// Directories that already exist keep their permissions.
func MkdirAll(path string) error {
	created := missingDirs(path)
	if err := os.MkdirAll(path, dirPerm); err != nil {
		return err
	}
	for _, dir := range created {
		restrict(dir)
	}
	return nil
}

// WriteAtomic writes path through a sibling temp file and a rename, so
// readers see either the previous file or the complete new one. If write
// fails, path is left untouched and the temp file is removed.
func WriteAtomic(path string, write func(w io.Writer) error) error {
	if err := MkdirAll(filepath.Dir(path)); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, filePerm)
	if err != nil {
		return err
	}
	restrict(tmp)

	err = write(f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, path)
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// missingDirs lists path and each of its ancestors that does not exist yet,
// leaf first.
func missingDirs(path string) []string {
	var dirs []string
	p := filepath.Clean(path)
	for p != "" && p != "." && p != string(filepath.Separator) {
		if _, err := os.Stat(p); err == nil {
			break
		}
		dirs = append(dirs, p)
		parent := filepath.Dir(p)
		if parent == p {
			break
		}
		p = parent
	}
	return dirs
}
