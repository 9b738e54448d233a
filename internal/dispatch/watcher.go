package dispatch

import (
	"errors"
	"io/fs"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"agentbridge/internal/config"
	"agentbridge/internal/logging"
)

// RuleTable is the swappable rule list shared by the orchestrator and the
// file watcher. Evaluation always sees one consistent rule set.
type RuleTable struct {
	mu    sync.RWMutex
	rules []DispatchRule
}

// NewRuleTable seeds a table with an initial rule set.
func NewRuleTable(rules []DispatchRule) *RuleTable {
	return &RuleTable{rules: rules}
}

// Replace swaps in a new rule set atomically.
func (t *RuleTable) Replace(rules []DispatchRule) {
	t.mu.Lock()
	t.rules = rules
	t.mu.Unlock()
}

// Rules returns the current rule slice. Callers must not mutate it.
func (t *RuleTable) Rules() []DispatchRule {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rules
}

// Len reports the current rule count.
func (t *RuleTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rules)
}

// Evaluate runs one item down the current rule set.
func (t *RuleTable) Evaluate(item WorkItem) Evaluation {
	return Evaluate(t.Rules(), item)
}

// RuleWatcher hot-reloads the declarative rules file on change. A broken
// edit keeps the previous rule set; deleting the file restores the built-in
// defaults.
type RuleWatcher struct {
	mu        sync.Mutex
	watcher   *fsnotify.Watcher
	path      string
	table     *RuleTable
	cfg       config.DispatchConfig
	pendingAt time.Time // zero when no event awaits settling
	debounce  time.Duration
	stopCh    chan struct{}
	doneCh    chan struct{}
	running   bool
}

// NewRuleWatcher prepares a watcher for the given rules file. Call Start to
// begin watching.
func NewRuleWatcher(path string, table *RuleTable, cfg config.DispatchConfig) (*RuleWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &RuleWatcher{
		watcher:  w,
		path:     filepath.Clean(path),
		table:    table,
		cfg:      cfg,
		debounce: 500 * time.Millisecond, // editors save in bursts
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start loads the file once and begins watching its directory. Watching the
// directory rather than the file survives editors that replace on save.
func (rw *RuleWatcher) Start() error {
	rw.mu.Lock()
	if rw.running {
		rw.mu.Unlock()
		return nil
	}
	rw.running = true
	rw.mu.Unlock()

	rw.Reload()

	if err := rw.watcher.Add(filepath.Dir(rw.path)); err != nil {
		return err
	}
	logging.Rules("watching rules file %s", rw.path)

	go rw.run()
	return nil
}

// Stop halts the watcher and waits for the loop to drain.
func (rw *RuleWatcher) Stop() {
	rw.mu.Lock()
	if !rw.running {
		rw.mu.Unlock()
		return
	}
	rw.running = false
	rw.mu.Unlock()

	close(rw.stopCh)
	<-rw.doneCh

	if err := rw.watcher.Close(); err != nil {
		logging.Get(logging.CategoryRules).Error("closing rules watcher: %v", err)
	}
}

func (rw *RuleWatcher) run() {
	defer close(rw.doneCh)

	settle := time.NewTicker(100 * time.Millisecond)
	defer settle.Stop()

	for {
		select {
		case <-rw.stopCh:
			return

		case event, ok := <-rw.watcher.Events:
			if !ok {
				return
			}
			rw.handleEvent(event)

		case err, ok := <-rw.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryRules).Error("rules watcher: %v", err)

		case <-settle.C:
			rw.reloadSettled()
		}
	}
}

func (rw *RuleWatcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != rw.path {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
		return
	}
	logging.RulesDebug("rules file event: %s", event.Op)
	rw.mu.Lock()
	rw.pendingAt = time.Now()
	rw.mu.Unlock()
}

// reloadSettled reloads once the last event is older than the debounce
// window, collapsing save bursts into one reload.
func (rw *RuleWatcher) reloadSettled() {
	rw.mu.Lock()
	if rw.pendingAt.IsZero() || time.Since(rw.pendingAt) < rw.debounce {
		rw.mu.Unlock()
		return
	}
	rw.pendingAt = time.Time{}
	rw.mu.Unlock()

	rw.Reload()
}

// Reload re-reads the rules file immediately. A missing file falls back to
// the built-in defaults; any other failure keeps the previous rule set.
func (rw *RuleWatcher) Reload() {
	rules, err := LoadRulesFile(rw.path, rw.cfg)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			rw.table.Replace(DefaultRules(rw.cfg))
			logging.Rules("rules file %s absent; using %d built-in rules", rw.path, rw.table.Len())
			return
		}
		logging.Get(logging.CategoryRules).Error("rules reload failed, keeping previous %d rules: %v", rw.table.Len(), err)
		return
	}
	rw.table.Replace(rules)
	logging.Rules("loaded %d dispatch rules from %s", len(rules), rw.path)
}
