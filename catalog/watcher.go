package catalog

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// --- 目录监听器类型定义 ---

// FileOp is the kind of change detected on a definition file
type FileOp int

const (
	// FileOpCreate 表示文件已创建
	FileOpCreate FileOp = iota
	// FileOpWrite 指示文件已被修改
	FileOpWrite
	// FileOpRemove 表示文件已被删除
	FileOpRemove
)

// String returns the string representation of FileOp
func (op FileOp) String() string {
	switch op {
	case FileOpCreate:
		return "CREATE"
	case FileOpWrite:
		return "WRITE"
	case FileOpRemove:
		return "REMOVE"
	default:
		return "UNKNOWN"
	}
}

// ReloadEvent describes the handling of one changed definition file
type ReloadEvent struct {
	Path      string    `json:"path"`
	Op        FileOp    `json:"op"`
	GraphID   string    `json:"graph_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	// Error is set when the definition could not be loaded
	Error error `json:"-"`
}

// Watcher polls a definition directory and re-registers changed graphs
type Watcher struct {
	mu sync.Mutex

	// 配置
	dir           string
	registrar     Registrar
	pollInterval  time.Duration
	debounceDelay time.Duration
	logger        *zap.Logger

	// 状态
	running   bool
	stop      chan struct{}
	done      chan struct{}
	modTimes  map[string]time.Time
	callbacks []func(ReloadEvent)
}

// --- 监听器选项 ---

// WatcherOption configures the Watcher
type WatcherOption func(*Watcher)

// WithPollInterval sets how often the directory is scanned
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// WithDebounceDelay sets the quiet period before changes are applied
func WithDebounceDelay(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d >= 0 {
			w.debounceDelay = d
		}
	}
}

// WithWatcherLogger sets the logger for the watcher
func WithWatcherLogger(logger *zap.Logger) WatcherOption {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// --- 监听器实现 ---

// NewWatcher creates a watcher for dir. The directory must exist.
func NewWatcher(dir string, reg Registrar, opts ...WatcherOption) (*Watcher, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to stat graph dir %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("graph dir %s is not a directory", dir)
	}

	w := &Watcher{
		dir:           dir,
		registrar:     reg,
		pollInterval:  time.Second,
		debounceDelay: 100 * time.Millisecond,
		logger:        zap.NewNop(),
		modTimes:      make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With(zap.String("component", "graph_watcher"))
	return w, nil
}

// OnReload registers a callback invoked after each handled change
func (w *Watcher) OnReload(callback func(ReloadEvent)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Start begins watching. Files present at start are assumed loaded already.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("watcher already running")
	}

	files, err := definitionFiles(w.dir)
	if err != nil {
		return err
	}
	w.modTimes = make(map[string]time.Time, len(files))
	for _, path := range files {
		if info, err := os.Stat(path); err == nil {
			w.modTimes[path] = info.ModTime()
		}
	}

	w.running = true
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	go w.loop(ctx, w.stop, w.done)

	w.logger.Info("graph watcher started",
		zap.String("dir", w.dir),
		zap.Duration("poll_interval", w.pollInterval),
		zap.Duration("debounce_delay", w.debounceDelay))
	return nil
}

// Stop stops the watcher and waits for the poll loop to exit
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	stop, done := w.stop, w.done
	w.mu.Unlock()

	close(stop)
	<-done
	w.logger.Info("graph watcher stopped")
	return nil
}

// IsRunning returns whether the watcher is running
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// loop 轮询目录并在防抖期结束后统一处理变更
func (w *Watcher) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	var (
		pending = make(map[string]ReloadEvent)
		timer   *time.Timer
		fire    <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			changes := w.scan()
			if len(changes) == 0 {
				continue
			}
			for _, ev := range changes {
				// 同一路径只保留最后一次变更，但新建后的写入仍算新建
				if prev, ok := pending[ev.Path]; ok && prev.Op == FileOpCreate && ev.Op == FileOpWrite {
					ev.Op = FileOpCreate
				}
				pending[ev.Path] = ev
			}
			if timer == nil {
				timer = time.NewTimer(w.debounceDelay)
			} else {
				timer.Reset(w.debounceDelay)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			w.apply(pending)
			pending = make(map[string]ReloadEvent)
		}
	}
}

// scan compares the directory against the recorded modification times
func (w *Watcher) scan() []ReloadEvent {
	files, err := definitionFiles(w.dir)
	if err != nil {
		w.logger.Warn("scan graph dir failed", zap.Error(err))
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	seen := make(map[string]bool, len(files))
	var changes []ReloadEvent

	for _, path := range files {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		seen[path] = true

		lastMod, existed := w.modTimes[path]
		switch {
		case !existed:
			w.modTimes[path] = info.ModTime()
			changes = append(changes, ReloadEvent{Path: path, Op: FileOpCreate, Timestamp: now})
		case !info.ModTime().Equal(lastMod):
			w.modTimes[path] = info.ModTime()
			changes = append(changes, ReloadEvent{Path: path, Op: FileOpWrite, Timestamp: now})
		}
	}

	for path := range w.modTimes {
		if !seen[path] {
			delete(w.modTimes, path)
			changes = append(changes, ReloadEvent{Path: path, Op: FileOpRemove, Timestamp: now})
		}
	}
	return changes
}

// apply reloads changed definitions in path order and notifies callbacks
func (w *Watcher) apply(pending map[string]ReloadEvent) {
	paths := make([]string, 0, len(pending))
	for path := range pending {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	w.mu.Lock()
	callbacks := make([]func(ReloadEvent), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	for _, path := range paths {
		ev := pending[path]
		switch ev.Op {
		case FileOpRemove:
			w.logger.Info("graph definition removed, graph stays registered",
				zap.String("path", path))
		default:
			g, err := LoadFile(w.registrar, path)
			if err != nil {
				ev.Error = err
				w.logger.Warn("graph reload failed",
					zap.String("path", path),
					zap.String("op", ev.Op.String()),
					zap.Error(err))
			} else {
				ev.GraphID = g.ID()
				w.logger.Info("graph reloaded",
					zap.String("path", path),
					zap.String("op", ev.Op.String()),
					zap.String("graph_id", ev.GraphID))
			}
		}

		for _, cb := range callbacks {
			cb(ev)
		}
	}
}
