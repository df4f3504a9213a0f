package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// FileConfig configures a File backend.
type FileConfig struct {
	Dir string
	// Settle is how long a key's file must be quiet before a change is
	// reported. Defaults to 50ms.
	Settle time.Duration
	Logger zerolog.Logger
}

// File stores one JSON document per key in a directory. Writes from other
// processes sharing the directory are picked up through fsnotify.
type File struct {
	dir    string
	settle time.Duration
	logger zerolog.Logger

	mu     sync.Mutex
	last   map[string]string
	timers map[string]*time.Timer
	closed bool

	fsw  *fsnotify.Watcher
	done chan struct{}
	n    *notifier
}

type fileEnvelope struct {
	Origin  string `json:"origin"`
	Value   string `json:"value"`
	Deleted bool   `json:"deleted,omitempty"`
}

// OpenFile opens (creating if needed) a directory-backed store.
func OpenFile(cfg FileConfig) (*File, error) {
	if cfg.Dir == "" {
		return nil, errors.New("storage directory is required")
	}
	if cfg.Settle <= 0 {
		cfg.Settle = 50 * time.Millisecond
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fsw.Add(cfg.Dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch storage directory: %w", err)
	}

	f := &File{
		dir:    cfg.Dir,
		settle: cfg.Settle,
		logger: cfg.Logger.With().Str("component", "storage.file").Logger(),
		last:   make(map[string]string),
		timers: make(map[string]*time.Timer),
		fsw:    fsw,
		done:   make(chan struct{}),
		n:      newNotifier(),
	}
	f.prime()
	go f.eventLoop()
	return f, nil
}

func (f *File) path(key string) string {
	return filepath.Join(f.dir, url.QueryEscape(key)+".json")
}

func (f *File) keyFor(path string) (string, bool) {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || !strings.HasSuffix(base, ".json") {
		return "", false
	}
	key, err := url.QueryUnescape(strings.TrimSuffix(base, ".json"))
	if err != nil {
		return "", false
	}
	return key, true
}

// prime records current values so the first external change reports a
// correct OldValue.
func (f *File) prime() {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		key, ok := f.keyFor(e.Name())
		if !ok {
			continue
		}
		if env, err := f.read(key); err == nil && !env.Deleted {
			f.last[key] = env.Value
		}
	}
}

func (f *File) read(key string) (fileEnvelope, error) {
	var env fileEnvelope
	data, err := os.ReadFile(f.path(key))
	if err != nil {
		return env, err
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("failed to decode %q: %w", key, err)
	}
	return env, nil
}

func (f *File) write(key string, env fileEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(f.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write %q: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), f.path(key)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace %q: %w", key, err)
	}
	return nil
}

func (f *File) Get(key string) (string, bool, error) {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return "", false, ErrClosed
	}

	env, err := f.read(key)
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if env.Deleted {
		return "", false, nil
	}
	return env.Value, true, nil
}

func (f *File) Set(origin, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	if err := f.write(key, fileEnvelope{Origin: origin, Value: value}); err != nil {
		return err
	}
	old, existed := f.last[key]
	f.last[key] = value
	if !existed || old != value {
		f.n.publish(Event{Key: key, OldValue: old, NewValue: value, Origin: origin})
	}
	return nil
}

// Remove writes a tombstone rather than unlinking, so other processes can
// still tell who removed the key.
func (f *File) Remove(origin, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	old, existed := f.last[key]
	if !existed {
		if _, err := os.Stat(f.path(key)); errors.Is(err, os.ErrNotExist) {
			return nil
		}
	}
	if err := f.write(key, fileEnvelope{Origin: origin, Deleted: true}); err != nil {
		return err
	}
	delete(f.last, key)
	if existed {
		f.n.publish(Event{Key: key, OldValue: old, Deleted: true, Origin: origin})
	}
	return nil
}

func (f *File) Watch(fn func(Event)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}
	return f.n.watch(fn), nil
}

// Sync waits until every change observed so far has reached its watchers.
func (f *File) Sync() {
	f.n.sync()
}

func (f *File) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	for _, t := range f.timers {
		t.Stop()
	}
	clear(f.timers)
	f.mu.Unlock()

	close(f.done)
	f.n.close()
	if err := f.fsw.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

func (f *File) eventLoop() {
	for {
		select {
		case ev, ok := <-f.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if key, ok := f.keyFor(ev.Name); ok {
				f.debounce(key)
			}
		case err, ok := <-f.fsw.Errors:
			if !ok {
				return
			}
			f.logger.Debug().Err(err).Msg("Storage watcher error")
		case <-f.done:
			return
		}
	}
}

func (f *File) debounce(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	if t, ok := f.timers[key]; ok {
		t.Stop()
	}
	f.timers[key] = time.AfterFunc(f.settle, func() {
		f.mu.Lock()
		delete(f.timers, key)
		f.mu.Unlock()

		select {
		case <-f.done:
		default:
			f.reconcile(key)
		}
	})
}

// reconcile compares the file on disk with the last value this process saw
// and reports the difference. Our own writes already match and are skipped.
func (f *File) reconcile(key string) {
	env, err := f.read(key)
	deleted := errors.Is(err, os.ErrNotExist) || (err == nil && env.Deleted)
	if err != nil && !deleted {
		f.logger.Debug().Err(err).Str("key", key).Msg("Ignoring unreadable storage file")
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	old, existed := f.last[key]
	switch {
	case deleted && !existed:
		return
	case deleted:
		delete(f.last, key)
		f.n.publish(Event{Key: key, OldValue: old, Deleted: true, Origin: env.Origin})
	case existed && old == env.Value:
		return
	default:
		f.last[key] = env.Value
		f.n.publish(Event{Key: key, OldValue: old, NewValue: env.Value, Origin: env.Origin})
	}
}
