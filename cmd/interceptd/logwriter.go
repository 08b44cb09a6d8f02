package main

import (
	"io"
	"os"
	"sync"
)

// reopenWriter is the log sink: stdout, or a file that SIGUSR1 can reopen
// after rotation.
type reopenWriter struct {
	path string

	mu   sync.Mutex
	file *os.File
}

func newReopenWriter(path string) *reopenWriter {
	w := &reopenWriter{path: path}
	if path != "" {
		_ = w.Reopen()
	}
	return w
}

func (w *reopenWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		return w.file.Write(p)
	}
	return os.Stdout.Write(p)
}

// Reopen closes and reopens the log file; a no-op when logging to stdout.
func (w *reopenWriter) Reopen() error {
	if w.path == "" {
		return nil
	}
	f, err := os.OpenFile(w.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	w.mu.Lock()
	old := w.file
	w.file = f
	w.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

// Close releases the log file.
func (w *reopenWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		err := w.file.Close()
		w.file = nil
		return err
	}
	return nil
}

var _ io.Writer = (*reopenWriter)(nil)
