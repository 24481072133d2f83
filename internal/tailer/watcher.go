package tailer

import (
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Op classifies a watch event.
type Op string

const (
	OpAdd    Op = "add"    // file created
	OpChange Op = "change" // file modified
)

// Event is one filesystem observation.
type Event struct {
	Path string
	Op   Op
}

// Watcher emits filesystem events for a directory tree. Tests substitute
// an implementation that pumps synthetic events.
type Watcher interface {
	Events() <-chan Event
	Close() error
}

// FSWatcher watches a root directory recursively using fsnotify. New
// subdirectories are added to the watch when they appear. Files already
// present at start are surfaced as synthetic add events, so a restart
// picks up idle conversations; the tailer's age filter drops the stale
// ones.
type FSWatcher struct {
	root    string
	watcher *fsnotify.Watcher
	events  chan Event
	done    chan struct{}
	once    sync.Once

	// initial holds the files found during the startup walk, emitted at
	// the head of the event stream.
	initial []string
}

// NewFSWatcher creates a recursive watcher rooted at root. The root must
// exist; subdirectories that fail to register are retried when they next
// produce a parent event.
func NewFSWatcher(root string) (*FSWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	fw := &FSWatcher{
		root:    root,
		watcher: w,
		events:  make(chan Event, 256),
		done:    make(chan struct{}),
	}
	fw.initial = fw.addTree(root)

	go fw.loop()
	return fw, nil
}

// Events returns the event channel. It is closed when the watcher stops.
func (fw *FSWatcher) Events() <-chan Event {
	return fw.events
}

// Close stops the watcher. Safe to call more than once.
func (fw *FSWatcher) Close() error {
	var err error
	fw.once.Do(func() {
		close(fw.done)
		err = fw.watcher.Close()
	})
	return err
}

// addTree registers root and every directory below it, returning the
// files seen along the way.
func (fw *FSWatcher) addTree(root string) []string {
	var files []string
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// A directory vanishing mid-walk is not fatal.
			return nil
		}
		if d.IsDir() {
			fw.watcher.Add(path)
			return nil
		}
		files = append(files, path)
		return nil
	})
	return files
}

func (fw *FSWatcher) loop() {
	defer close(fw.events)

	for _, path := range fw.initial {
		select {
		case fw.events <- Event{Path: path, Op: OpAdd}:
		case <-fw.done:
			return
		}
	}
	fw.initial = nil

	for {
		select {
		case <-fw.done:
			return

		case ev, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			fw.handle(ev)

		case _, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			// Watch errors are transient; keep going.
		}
	}
}

func (fw *FSWatcher) handle(ev fsnotify.Event) {
	if ev.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			// New subdirectory: watch it and surface any files already
			// inside, which raced the watch registration.
			for _, path := range fw.addTree(ev.Name) {
				fw.emit(Event{Path: path, Op: OpAdd})
			}
			return
		}
		fw.emit(Event{Path: ev.Name, Op: OpAdd})
		return
	}
	if ev.Op&fsnotify.Write != 0 {
		fw.emit(Event{Path: ev.Name, Op: OpChange})
	}
}

func (fw *FSWatcher) emit(ev Event) {
	select {
	case fw.events <- ev:
	case <-fw.done:
	default:
		// Drop when the consumer is behind; the debounced reader
		// re-snapshots the whole file so a lost event only delays it.
	}
}
