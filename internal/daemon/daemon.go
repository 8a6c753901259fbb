// Package daemon provides the inbox daemon: server-side side effects that
// reach subscribers through the push feed.
//
// The daemon:
// 1. Watches <inbox>/<scope>/ directories for dropped task JSON files
// 2. Imports each file into the store (insert, or update when the id exists)
// 3. Publishes the resulting change with an empty origin
// 4. Moves the file to <inbox>/<scope>/processed/ (or failed/)
// 5. Handles graceful shutdown
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/stratboard/stratboard/internal/metrics"
	"github.com/stratboard/stratboard/internal/schema"
)

const (
	processedDir = "processed"
	failedDir    = "failed"
)

// Importer writes imported tasks. *db.DB satisfies it.
type Importer interface {
	UpsertTask(ctx context.Context, scope string, t schema.Task, now time.Time) (schema.Task, bool, error)
}

// Publisher announces imported tasks to subscribers. *api.Server satisfies it.
type Publisher interface {
	PublishTask(created bool, t schema.Task)
}

// Config holds configuration for the daemon.
type Config struct {
	// DebounceInterval is how long a file must stay quiet before it is
	// imported. This batches the create and write events of one drop.
	DebounceInterval time.Duration

	Metrics *metrics.Server
	Now     func() time.Time

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 100 * time.Millisecond,
		Now:              time.Now,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon watches the inbox and imports dropped task files.
type Daemon struct {
	store     Importer
	publisher Publisher
	inboxDir  string
	config    *Config

	watcher       *fsnotify.Watcher
	changeQueue   map[string]time.Time // filepath -> last event
	changeQueueMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon. Use Start() to begin watching.
func New(store Importer, publisher Publisher, inboxDir string, config *Config) (*Daemon, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher cannot be nil")
	}
	if inboxDir == "" {
		return nil, fmt.Errorf("inboxDir cannot be empty")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = DefaultConfig().DebounceInterval
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		store:       store,
		publisher:   publisher,
		inboxDir:    filepath.Clean(inboxDir),
		config:      config,
		watcher:     watcher,
		changeQueue: make(map[string]time.Time),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start imports files already waiting in the inbox, then watches for new
// ones. It blocks until ctx is cancelled.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	if err := os.MkdirAll(d.inboxDir, 0755); err != nil {
		return fmt.Errorf("failed to create inbox directory: %w", err)
	}

	if err := d.watcher.Add(d.inboxDir); err != nil {
		return fmt.Errorf("failed to watch inbox directory: %w", err)
	}
	scopes, err := d.scopeDirs()
	if err != nil {
		return err
	}
	for _, dir := range scopes {
		if err := d.watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	n, err := d.ImportAll(ctx)
	if err != nil {
		return fmt.Errorf("initial import failed: %w", err)
	}
	d.config.Logger.Printf("Watching %s (%d scopes, %d files imported at startup)", d.inboxDir, len(scopes), n)

	d.wg.Add(2)
	go d.watchFileEvents()
	go d.processChangeQueue()

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping daemon")

	d.cancel()

	if err := d.watcher.Close(); err != nil {
		d.config.Logger.Printf("Error closing watcher: %v", err)
	}

	d.wg.Wait()

	d.config.Logger.Println("Daemon stopped")
	return nil
}

// ImportAll imports every task file waiting in any scope directory and
// returns the number imported.
func (d *Daemon) ImportAll(ctx context.Context) (int, error) {
	scopes, err := d.scopeDirs()
	if err != nil {
		return 0, err
	}

	imported := 0
	for _, dir := range scopes {
		paths, err := schema.ListTaskFiles(dir)
		if err != nil {
			return imported, err
		}
		for _, path := range paths {
			if err := d.importFile(ctx, path); err != nil {
				d.config.Logger.Printf("Warning: failed to import %s: %v", path, err)
				continue
			}
			imported++
		}
	}
	return imported, nil
}

func (d *Daemon) scopeDirs() ([]string, error) {
	entries, err := os.ReadDir(d.inboxDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read inbox directory: %w", err)
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			dirs = append(dirs, filepath.Join(d.inboxDir, e.Name()))
		}
	}
	return dirs, nil
}

// watchFileEvents monitors filesystem events and queues changes.
func (d *Daemon) watchFileEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			d.handleEvent(event)

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

func (d *Daemon) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}

	// A new scope directory: watch it and pick up files that landed before
	// the watch was added.
	if filepath.Dir(event.Name) == d.inboxDir {
		info, err := os.Stat(event.Name)
		if err != nil || !info.IsDir() || strings.HasPrefix(info.Name(), ".") {
			return
		}
		if err := d.watcher.Add(event.Name); err != nil {
			d.config.Logger.Printf("Failed to watch %s: %v", event.Name, err)
			return
		}
		d.queueScope(event.Name)
		return
	}

	if filepath.Ext(event.Name) != ".json" || filepath.Dir(filepath.Dir(event.Name)) != d.inboxDir {
		return
	}
	d.queueChange(event.Name)
}

// queueScope queues every task file already in a scope directory.
func (d *Daemon) queueScope(dir string) {
	paths, err := schema.ListTaskFiles(dir)
	if err != nil {
		d.config.Logger.Printf("Failed to list %s: %v", dir, err)
		return
	}
	for _, p := range paths {
		d.queueChange(p)
	}
}

// queueChange adds a file to the change queue with debouncing.
func (d *Daemon) queueChange(path string) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	d.changeQueue[path] = d.config.Now()
}

// processChangeQueue processes queued file changes with debouncing.
func (d *Daemon) processChangeQueue() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.processPendingChanges()
		}
	}
}

// processPendingChanges imports files that have been quiet for long enough.
func (d *Daemon) processPendingChanges() {
	now := d.config.Now()

	d.changeQueueMu.Lock()
	var ready []string
	for path, queuedAt := range d.changeQueue {
		if now.Sub(queuedAt) < d.config.DebounceInterval {
			continue
		}
		ready = append(ready, path)
		delete(d.changeQueue, path)
	}
	d.changeQueueMu.Unlock()

	for _, path := range ready {
		if err := d.importFile(d.ctx, path); err != nil {
			d.config.Logger.Printf("Error importing %s: %v", path, err)
		}
	}
}

// importFile imports one task file and moves it out of the inbox.
func (d *Daemon) importFile(ctx context.Context, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	scope := filepath.Base(filepath.Dir(path))

	task, err := schema.ReadTaskFile(path)
	if err != nil {
		d.config.Metrics.InboxFile("invalid")
		if mvErr := moveTo(path, failedDir); mvErr != nil {
			d.config.Logger.Printf("Failed to move %s aside: %v", path, mvErr)
		}
		return err
	}

	saved, created, err := d.store.UpsertTask(ctx, scope, *task, d.config.Now())
	if err != nil {
		d.config.Metrics.InboxFile("error")
		return fmt.Errorf("failed to import task: %w", err)
	}

	d.publisher.PublishTask(created, saved)
	if created {
		d.config.Metrics.InboxFile("created")
		d.config.Logger.Printf("Imported task %s into %s (%s)", saved.ID, scope, saved.Title)
	} else {
		d.config.Metrics.InboxFile("updated")
		d.config.Logger.Printf("Updated task %s in %s from inbox", saved.ID, scope)
	}

	if err := moveTo(path, processedDir); err != nil {
		return fmt.Errorf("imported but failed to move file: %w", err)
	}
	return nil
}

// moveTo renames path into the sibling directory sub, adding a timestamp
// when a file with the same name is already there.
func moveTo(path, sub string) error {
	dir := filepath.Join(filepath.Dir(path), sub)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	dest := filepath.Join(dir, filepath.Base(path))
	if _, err := os.Stat(dest); err == nil {
		ext := filepath.Ext(path)
		stem := strings.TrimSuffix(filepath.Base(path), ext)
		dest = filepath.Join(dir, fmt.Sprintf("%s-%d%s", stem, time.Now().UnixNano(), ext))
	}
	return os.Rename(path, dest)
}
