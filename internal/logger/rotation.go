package logger

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// RotatingWriter appends to a log file and moves it aside once it would
// exceed maxSize. Rotated files older than maxAge days are removed.
type RotatingWriter struct {
	filename string
	maxSize  int64
	maxAge   int
	compress bool
	now      func() time.Time

	mu   sync.Mutex
	file *os.File
	size int64
	// wg tracks background compression.
	wg sync.WaitGroup
}

// NewRotatingWriter opens filename for appending.
func NewRotatingWriter(filename string, maxSizeMB, maxAge int, compress bool) (*RotatingWriter, error) {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	w := &RotatingWriter{
		filename: filename,
		maxSize:  int64(maxSizeMB) * 1024 * 1024,
		maxAge:   maxAge,
		compress: compress,
		now:      time.Now,
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	w.removeExpired()
	return w, nil
}

func (w *RotatingWriter) open() error {
	f, err := os.OpenFile(w.filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	w.file = f
	w.size = info.Size()
	return nil
}

// Write implements io.Writer.
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.maxSize > 0 && w.size > 0 && w.size+int64(len(p)) > w.maxSize {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Close closes the current file and waits for pending compression.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	var err error
	if w.file != nil {
		err = w.file.Close()
		w.file = nil
	}
	w.mu.Unlock()
	w.wg.Wait()
	return err
}

func (w *RotatingWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return err
	}
	rotated := fmt.Sprintf("%s.%s", w.filename, w.now().Format("20060102-150405.000"))
	if err := os.Rename(w.filename, rotated); err != nil {
		return fmt.Errorf("failed to rotate log file: %w", err)
	}
	if w.compress {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			_ = compressFile(rotated)
		}()
	}
	return w.open()
}

func compressFile(name string) error {
	src, err := os.Open(name)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(name + ".gz")
	if err != nil {
		return err
	}
	gz := gzip.NewWriter(dst)
	if _, err := io.Copy(gz, src); err != nil {
		dst.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Remove(name)
}

// removeExpired deletes rotated files older than maxAge days.
func (w *RotatingWriter) removeExpired() {
	if w.maxAge <= 0 {
		return
	}
	matches, err := filepath.Glob(w.filename + ".*")
	if err != nil {
		return
	}
	cutoff := w.now().AddDate(0, 0, -w.maxAge)
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		os.Remove(m)
		if !strings.HasSuffix(m, ".gz") {
			os.Remove(m + ".gz")
		}
	}
}
