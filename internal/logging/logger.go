// Package logging provides the file-backed debug log shared by foreman
// components.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DebugLogger writes timestamped lines to a file or writer.
// A nil *DebugLogger and one built by Nop both discard everything.
type DebugLogger struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
	tag    string
}

// New creates a logger writing to the specified path.
// If the path is empty, returns a no-op logger.
// Creates parent directories if they don't exist.
func New(logPath string) (*DebugLogger, error) {
	if logPath == "" {
		return &DebugLogger{}, nil
	}

	dir := filepath.Dir(logPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	logger := &DebugLogger{w: f, closer: f}
	logger.Log("=== foreman debug log started at %s ===", time.Now().Format(time.RFC3339))
	return logger, nil
}

// ForProject creates a logger in the project's .foreman/logs directory.
// Returns a no-op logger if the directory cannot be created.
func ForProject(projectRoot string) *DebugLogger {
	logger, err := New(filepath.Join(projectRoot, ".foreman", "logs", "foreman-debug.log"))
	if err != nil {
		return &DebugLogger{}
	}
	return logger
}

// NewWriter creates a logger writing to w. The caller owns w.
func NewWriter(w io.Writer) *DebugLogger {
	return &DebugLogger{w: w}
}

// Nop returns a logger that discards everything.
func Nop() *DebugLogger {
	return &DebugLogger{}
}

// With returns a logger sharing the same output whose lines carry a
// "[component]" tag.
func (l *DebugLogger) With(component string) *DebugLogger {
	if l == nil {
		return nil
	}
	return &DebugLogger{w: &sharedWriter{parent: l}, tag: component}
}

// Log writes a timestamped message to the debug log.
func (l *DebugLogger) Log(format string, args ...any) {
	if l == nil || l.w == nil {
		return
	}

	msg := fmt.Sprintf(format, args...)
	if l.tag != "" {
		msg = "[" + l.tag + "] " + msg
	}
	line := fmt.Sprintf("[%s] %s\n", time.Now().Format("15:04:05.000"), msg)

	l.mu.Lock()
	defer l.mu.Unlock()
	io.WriteString(l.w, line)
	if f, ok := l.w.(*os.File); ok {
		f.Sync()
	}
}

// Close closes the underlying file, if the logger opened one.
// Safe to call on nil logger or logger without file.
func (l *DebugLogger) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closer.Close()
}

// sharedWriter funnels tagged child loggers through the parent's lock.
type sharedWriter struct {
	parent *DebugLogger
}

func (s *sharedWriter) Write(p []byte) (int, error) {
	if s.parent.w == nil {
		return len(p), nil
	}
	s.parent.mu.Lock()
	defer s.parent.mu.Unlock()
	n, err := s.parent.w.Write(p)
	if f, ok := s.parent.w.(*os.File); ok {
		f.Sync()
	}
	return n, err
}
