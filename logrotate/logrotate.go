// Package logrotate implements a size- and age-based rotating io.Writer for
// the daemon's log file. No third-party rotation library appears anywhere
// in the example corpus; this is a deliberate stdlib-only exception (see
// DESIGN.md).
package logrotate

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const baseName = "filbridge.log"

// Writer is an io.Writer that appends to dir/filbridge.log, rolling the
// file to filbridge-<timestamp>.log once it exceeds maxSizeMB, or once
// maxAgeDays have passed since the modification time the file had when it
// was opened.
type Writer struct {
	dir        string
	maxSizeMB  int
	maxAgeDays int

	mu       sync.Mutex
	file     *os.File
	size     int64
	openedAt time.Time
}

// New opens (creating if necessary) dir/filbridge.log for appending.
func New(dir string, maxSizeMB, maxAgeDays int) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("logrotate: create %s: %w", dir, err)
	}
	w := &Writer{dir: dir, maxSizeMB: maxSizeMB, maxAgeDays: maxAgeDays}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Writer) open() error {
	path := filepath.Join(w.dir, baseName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("logrotate: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("logrotate: stat %s: %w", path, err)
	}
	w.file = f
	w.size = info.Size()
	w.openedAt = info.ModTime()
	return nil
}

// Write implements io.Writer, rolling the file first if it has grown past
// maxSizeMB or aged past maxAgeDays.
func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.shouldRotate(len(p)) {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *Writer) shouldRotate(nextWrite int) bool {
	if w.maxSizeMB > 0 && w.size+int64(nextWrite) > int64(w.maxSizeMB)*1024*1024 {
		return true
	}
	if w.maxAgeDays > 0 && time.Since(w.openedAt) > time.Duration(w.maxAgeDays)*24*time.Hour {
		return true
	}
	return false
}

func (w *Writer) rotate() error {
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("logrotate: close current log: %w", err)
	}

	oldPath := filepath.Join(w.dir, baseName)
	rolledName := fmt.Sprintf("filbridge-%d.log", time.Now().Unix())
	rolledPath := filepath.Join(w.dir, rolledName)
	if err := os.Rename(oldPath, rolledPath); err != nil {
		return fmt.Errorf("logrotate: rename to %s: %w", rolledPath, err)
	}

	return w.open()
}

// Close flushes and closes the current log file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// Stats summarizes the log directory for --log-stats.
type Stats struct {
	ActiveSizeBytes int64
	RolledFiles     int
	RolledSizeBytes int64
	ArchivedFiles   int
}

// ReadStats inspects dir without holding any Writer's lock.
func ReadStats(dir string) (Stats, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Stats{}, fmt.Errorf("logrotate: read %s: %w", dir, err)
	}

	var stats Stats
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		name := entry.Name()
		switch {
		case name == baseName:
			stats.ActiveSizeBytes = info.Size()
		case strings.HasPrefix(name, "filbridge-") && strings.HasSuffix(name, ".log"):
			stats.RolledFiles++
			stats.RolledSizeBytes += info.Size()
		case strings.HasPrefix(name, "filbridge-") && strings.HasSuffix(name, ".log.gz"):
			stats.ArchivedFiles++
			stats.RolledSizeBytes += info.Size()
		}
	}
	return stats, nil
}

// ArchiveRolled gzips every rolled (un-archived) log file in dir and
// removes the uncompressed original, for --archive-logs.
func ArchiveRolled(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("logrotate: read %s: %w", dir, err)
	}

	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, "filbridge-") && strings.HasSuffix(name, ".log") {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	count := 0
	for _, name := range names {
		if err := gzipFile(filepath.Join(dir, name)); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func gzipFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("logrotate: open %s: %w", path, err)
	}
	defer src.Close()

	dstPath := path + ".gz"
	dst, err := os.Create(dstPath)
	if err != nil {
		return fmt.Errorf("logrotate: create %s: %w", dstPath, err)
	}
	gz := gzip.NewWriter(dst)

	if _, err := io.Copy(gz, src); err != nil {
		gz.Close()
		dst.Close()
		os.Remove(dstPath)
		return fmt.Errorf("logrotate: compress %s: %w", path, err)
	}
	if err := gz.Close(); err != nil {
		dst.Close()
		os.Remove(dstPath)
		return fmt.Errorf("logrotate: finalize %s: %w", dstPath, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("logrotate: close %s: %w", dstPath, err)
	}

	src.Close()
	return os.Remove(path)
}
