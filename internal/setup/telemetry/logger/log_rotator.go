// Package logger provides a file writer that keeps log files to a bounded number of lines.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// LogRotator writes through to a log file and, once twice the line limit has
// been written, rewrites the file to hold only the most recent lines.
type LogRotator struct {
	mu       sync.Mutex
	writer   io.Writer
	buffer   *RingBuffer
	filePath string
}

// NewLogRotator wraps writer, which must be the open file at filePath.
func NewLogRotator(writer io.Writer, maxLines int, filePath string) *LogRotator {
	return &LogRotator{
		writer:   writer,
		buffer:   NewRingBuffer(maxLines),
		filePath: filePath,
	}
}

// Write implements io.Writer.
func (w *LogRotator) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	n, err := w.writer.Write(p)
	if err != nil {
		return n, err
	}

	for line := range strings.SplitSeq(strings.TrimRight(string(p), "\n"), "\n") {
		if line == "" {
			continue
		}

		w.buffer.Add(line)

		if w.buffer.seen >= w.buffer.capacity*2 {
			err := w.rotate()
			w.buffer.seen = w.buffer.size

			if err != nil {
				return n, fmt.Errorf("failed to rotate log file: %w", err)
			}
		}
	}

	return n, nil
}

// Close closes the underlying file.
func (w *LogRotator) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if closer, ok := w.writer.(io.Closer); ok {
		return closer.Close()
	}

	return nil
}

// rotate replaces the file with the buffered lines.
func (w *LogRotator) rotate() error {
	lines := w.buffer.Lines()
	if len(lines) == 0 {
		return nil
	}

	temp, err := os.CreateTemp(filepath.Dir(w.filePath), "rotate-*.log")
	if err != nil {
		return err
	}

	tempPath := temp.Name()

	if _, err := temp.WriteString(strings.Join(lines, "\n") + "\n"); err != nil {
		temp.Close()
		os.Remove(tempPath)

		return err
	}

	if err := temp.Close(); err != nil {
		os.Remove(tempPath)
		return err
	}

	if err := os.Rename(tempPath, w.filePath); err != nil {
		os.Remove(tempPath)
		return err
	}

	file, err := os.OpenFile(w.filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	// The old writer stays live until the rewritten file is open.
	if closer, ok := w.writer.(io.Closer); ok {
		closer.Close()
	}

	w.writer = file

	return nil
}
