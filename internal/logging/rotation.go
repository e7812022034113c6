package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/gzip"
)

const (
	defaultMaxSizeMB  = 10
	defaultMaxBackups = 3
)

// RotatingWriter appends to a log file and, once the file would exceed its
// size limit, compresses it to path.1.gz and starts over. Older backups shift
// up by one and anything past maxBackups is deleted. Safe for concurrent use.
type RotatingWriter struct {
	mu       sync.Mutex
	path     string
	limit    int64
	keep     int
	file     *os.File
	size     int64
	failures int
}

// NewRotatingWriter opens (or creates) the log file at path.
func NewRotatingWriter(path string, maxSizeMB, maxBackups int) (*RotatingWriter, error) {
	if maxSizeMB <= 0 {
		maxSizeMB = defaultMaxSizeMB
	}
	if maxBackups <= 0 {
		maxBackups = defaultMaxBackups
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	w := &RotatingWriter{path: path, limit: int64(maxSizeMB) << 20, keep: maxBackups}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, os.ErrClosed
	}
	if w.size > 0 && w.size+int64(len(p)) > w.limit {
		if err := w.rotate(); err != nil {
			// Keep appending to the oversized file rather than losing lines.
			w.failures++
			if w.file == nil {
				return 0, fmt.Errorf("log rotation: %w", err)
			}
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Path returns the active log file path.
func (w *RotatingWriter) Path() string {
	return w.path
}

// RotationFailures counts rotations that could not complete.
func (w *RotatingWriter) RotationFailures() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failures
}

func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// TeeWriter duplicates writes to both writers.
func TeeWriter(a, b io.Writer) io.Writer {
	return io.MultiWriter(a, b)
}

func (w *RotatingWriter) open() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	w.file, w.size = f, info.Size()
	return nil
}

func (w *RotatingWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return err
	}
	w.file = nil

	os.Remove(backupPath(w.path, w.keep))
	for i := w.keep - 1; i >= 1; i-- {
		os.Rename(backupPath(w.path, i), backupPath(w.path, i+1))
	}
	compressErr := compressFile(w.path, backupPath(w.path, 1))
	if compressErr == nil {
		compressErr = os.Truncate(w.path, 0)
	}
	if err := w.open(); err != nil {
		return err
	}
	return compressErr
}

func backupPath(path string, index int) string {
	return fmt.Sprintf("%s.%d.gz", path, index)
}

// compressFile writes a gzip copy of src to dst.
func compressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(out)
	if _, err := io.Copy(zw, in); err != nil {
		zw.Close()
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := zw.Close(); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}
