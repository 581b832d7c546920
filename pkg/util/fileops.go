package util

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// CopyFile copies a single file from src to dst
func CopyFile(src, dst string) error {
	sourceFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer sourceFile.Close()

	destFile, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer destFile.Close()

	if _, err := io.Copy(destFile, sourceFile); err != nil {
		return err
	}

	// Copy file permissions
	sourceInfo, err := os.Stat(src)
	if err != nil {
		return err
	}
	return os.Chmod(dst, sourceInfo.Mode())
}

// UniquePath returns path if nothing exists there, otherwise the first free
// "name (n).ext" sibling, the way browsers uniquify downloads.
func UniquePath(path string) string {
	if _, err := os.Lstat(path); errors.Is(err, os.ErrNotExist) {
		return path
	}
	dir, base := filepath.Split(path)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	for n := 1; ; n++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, n, ext))
		if _, err := os.Lstat(candidate); errors.Is(err, os.ErrNotExist) {
			return candidate
		}
	}
}

// MoveFileUnique moves src to dst, creating parent directories and picking a
// free name when dst is taken. It returns the final path.
func MoveFileUnique(src, dst string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return "", err
	}
	final := UniquePath(dst)
	if err := os.Rename(src, final); err == nil {
		return final, nil
	}
	// Rename fails across filesystems; fall back to copy and remove.
	if err := CopyFile(src, final); err != nil {
		return "", err
	}
	if err := os.Remove(src); err != nil {
		return final, err
	}
	return final, nil
}

// WriteFileUnique writes data to path, or to a free sibling name when path is
// taken. It returns the final path.
func WriteFileUnique(path string, data []byte) (string, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", err
	}
	final := UniquePath(path)
	if err := os.WriteFile(final, data, 0644); err != nil {
		return "", err
	}
	return final, nil
}
