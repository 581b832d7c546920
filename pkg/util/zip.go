package util

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/boyter/gocodewalker"
)

// PartialDownloadPatterns match files a browser leaves behind while a
// download is still running or after it was interrupted.
var PartialDownloadPatterns = []string{
	"*.crdownload",
	"*.part",
	"*.tmp",
	".com.google.Chrome.*",
}

// ZipOptions configures ZipOutputDirectory.
type ZipOptions struct {
	// MediaOnly skips the prompt text sidecars.
	MediaOnly bool
	// Verbose records every excluded path in ZipStats.
	Verbose bool
}

// ZipStats tracks statistics about the zipping operation
type ZipStats struct {
	mu            sync.Mutex
	FilesIncluded int
	FilesExcluded int
	BytesIncluded int64
	BytesExcluded int64
	ExcludedPaths []string
}

func (s *ZipStats) AddIncluded(bytes int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FilesIncluded++
	s.BytesIncluded += bytes
}

func (s *ZipStats) AddExcluded(path string, bytes int64, verbose bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FilesExcluded++
	s.BytesExcluded += bytes
	if verbose {
		s.ExcludedPaths = append(s.ExcludedPaths, path)
	}
}

// ZipOutputDirectory archives the files of a run folder into destZip, paths
// relative to srcDir. Partial downloads are never included.
func ZipOutputDirectory(srcDir, destZip string, opts *ZipOptions) (*ZipStats, error) {
	if opts == nil {
		opts = &ZipOptions{}
	}
	info, err := os.Stat(srcDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read output folder: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", srcDir)
	}

	zipFile, err := os.Create(destZip)
	if err != nil {
		return nil, err
	}
	defer zipFile.Close()

	zipWriter := zip.NewWriter(zipFile)
	defer zipWriter.Close()

	stats := &ZipStats{}
	fileQueue := make(chan *gocodewalker.File, 256)
	walker := gocodewalker.NewFileWalker(srcDir, fileQueue)
	walker.IgnoreGitIgnore = true
	walker.IgnoreIgnoreFile = true

	errChan := make(chan error, 1)
	go func() {
		errChan <- walker.Start()
	}()

	absDest, _ := filepath.Abs(destZip)
	var firstErr error
	for f := range fileQueue {
		// The walker must be drained even after a failure.
		if firstErr != nil {
			continue
		}
		if abs, _ := filepath.Abs(f.Location); abs == absDest {
			continue
		}
		if err := addToZip(zipWriter, srcDir, f.Location, opts, stats); err != nil {
			firstErr = err
		}
	}

	if err := <-errChan; err != nil {
		return stats, fmt.Errorf("directory walk failed: %w", err)
	}
	return stats, firstErr
}

func addToZip(zw *zip.Writer, srcDir, location string, opts *ZipOptions, stats *ZipStats) error {
	relPath, err := filepath.Rel(srcDir, location)
	if err != nil {
		return err
	}
	relPath = filepath.ToSlash(relPath)

	fileInfo, err := os.Lstat(location)
	if err != nil {
		return err
	}
	if !fileInfo.Mode().IsRegular() || excluded(filepath.Base(location), opts) {
		stats.AddExcluded(relPath, fileInfo.Size(), opts.Verbose)
		return nil
	}

	hdr, err := zip.FileInfoHeader(fileInfo)
	if err != nil {
		return err
	}
	hdr.Name = relPath
	// Media is already compressed.
	hdr.Method = zip.Store
	if strings.EqualFold(filepath.Ext(relPath), ".txt") {
		hdr.Method = zip.Deflate
	}

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	file, err := os.Open(location)
	if err != nil {
		return err
	}
	written, err := io.Copy(w, file)
	closeErr := file.Close()
	if err != nil {
		return err
	}
	if closeErr != nil {
		return closeErr
	}
	stats.AddIncluded(written)
	return nil
}

func excluded(name string, opts *ZipOptions) bool {
	for _, pattern := range PartialDownloadPatterns {
		if matched, err := filepath.Match(pattern, name); err == nil && matched {
			return true
		}
	}
	return opts.MediaOnly && strings.EqualFold(filepath.Ext(name), ".txt")
}
