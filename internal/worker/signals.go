package worker

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	stopFile  = "stop"
	pauseFile = "pause"
)

// SignalWatcher exposes the stop and pause files of a signals directory.
//
// A stop is sticky until ClearSignals. A pause lasts while the pause file
// exists.
type SignalWatcher struct {
	dir string

	mu    sync.RWMutex
	stop  bool
	pause bool

	watcher *fsnotify.Watcher
	done    chan struct{}
	once    sync.Once
}

// NewSignalWatcher creates dir if needed and starts watching it.
func NewSignalWatcher(dir string) (*SignalWatcher, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	sw := &SignalWatcher{
		dir:  dir,
		done: make(chan struct{}),
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		// Stat fallback in ShouldStop/ShouldPause still works.
		return sw, nil
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return sw, nil
	}
	sw.watcher = watcher

	go sw.watch()

	return sw, nil
}

func (sw *SignalWatcher) watch() {
	for {
		select {
		case <-sw.done:
			return
		case event, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			// Events can arrive late, so trust the file over the event.
			name := filepath.Base(event.Name)
			if name != stopFile && name != pauseFile {
				continue
			}
			sw.mu.Lock()
			present := sw.exists(name)
			if name == stopFile {
				sw.stop = sw.stop || present
			} else {
				sw.pause = present
			}
			sw.mu.Unlock()
		case _, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// Dir returns the watched directory.
func (sw *SignalWatcher) Dir() string {
	return sw.dir
}

// ShouldStop reports whether a stop has been requested.
func (sw *SignalWatcher) ShouldStop() bool {
	// The watcher may have missed a file written before it started.
	if sw.exists(stopFile) {
		sw.mu.Lock()
		sw.stop = true
		sw.mu.Unlock()
	}

	sw.mu.RLock()
	defer sw.mu.RUnlock()
	return sw.stop
}

// ShouldPause reports whether the pause file is present.
func (sw *SignalWatcher) ShouldPause() bool {
	present := sw.exists(pauseFile)

	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.pause = present
	return sw.pause
}

// SendStop writes the stop file.
func (sw *SignalWatcher) SendStop() error {
	return sw.write(stopFile)
}

// SendPause writes the pause file.
func (sw *SignalWatcher) SendPause() error {
	return sw.write(pauseFile)
}

// Resume removes the pause file.
func (sw *SignalWatcher) Resume() error {
	err := os.Remove(filepath.Join(sw.dir, pauseFile))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	sw.mu.Lock()
	sw.pause = false
	sw.mu.Unlock()
	return nil
}

// ClearSignals removes both signal files and resets the watcher state.
func (sw *SignalWatcher) ClearSignals() {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	sw.stop = false
	sw.pause = false

	os.Remove(filepath.Join(sw.dir, stopFile))
	os.Remove(filepath.Join(sw.dir, pauseFile))
}

// Close stops the watcher. It is safe to call more than once.
func (sw *SignalWatcher) Close() {
	sw.once.Do(func() {
		close(sw.done)
		if sw.watcher != nil {
			sw.watcher.Close()
		}
	})
}

func (sw *SignalWatcher) write(name string) error {
	path := filepath.Join(sw.dir, name)
	return os.WriteFile(path, []byte(time.Now().UTC().Format(time.RFC3339)), 0644)
}

func (sw *SignalWatcher) exists(name string) bool {
	_, err := os.Stat(filepath.Join(sw.dir, name))
	return err == nil
}
