package config

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/kinamba/erm-core/internal/rules"
)

const pollInterval = 60 * time.Second

// PolicyStore holds the current admission policy and hot-reloads it from
// the config file when it changes.
type PolicyStore struct {
	mu      sync.RWMutex
	path    string
	policy  rules.Policy
	modTime time.Time
}

func NewPolicyStore(path string, initial rules.Policy) *PolicyStore {
	return &PolicyStore{path: path, policy: initial}
}

// Current is safe for concurrent use and satisfies admission.PolicyProvider.
func (s *PolicyStore) Current() rules.Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policy
}

// Reload re-reads the rules section of the config file. Invalid or
// unreadable files leave the previous policy in place.
func (s *PolicyStore) Reload() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		log.Printf("[WARN] policy reload: read %s: %v", s.path, err)
		return
	}

	var cfg struct {
		Rules rules.Policy `yaml:"rules"`
	}
	cfg.Rules = rules.DefaultPolicy()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		log.Printf("[WARN] policy reload: parse %s: %v", s.path, err)
		return
	}

	s.mu.Lock()
	s.policy = cfg.Rules
	s.mu.Unlock()
	log.Printf("Policy reloaded: floor=%d capacity=%d duplicates=%s",
		cfg.Rules.ConfidenceFloor, cfg.Rules.Capacity, cfg.Rules.DuplicatePolicy)
}

// reloadIfChanged stats the file first so the polling loop does not spam
// reload logs every tick.
func (s *PolicyStore) reloadIfChanged() {
	info, err := os.Stat(s.path)
	if err != nil {
		return
	}

	s.mu.RLock()
	changed := info.ModTime().After(s.modTime)
	s.mu.RUnlock()
	if !changed {
		return
	}

	s.mu.Lock()
	s.modTime = info.ModTime()
	s.mu.Unlock()
	s.Reload()
}

// StartWatcher monitors the config file and reloads the policy on change.
// Supports both fsnotify and polling as fallback.
func (s *PolicyStore) StartWatcher(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	usePolling := false

	if err != nil {
		log.Printf("Policy Watcher: fsnotify failed (%v), falling back to polling", err)
		usePolling = true
	} else {
		if err := watcher.Add(s.path); err != nil {
			log.Printf("Policy Watcher: failed to watch %s (%v), falling back to polling", s.path, err)
			usePolling = true
			watcher.Close()
		}
	}

	go func() {
		if usePolling {
			return
		}
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Write == fsnotify.Write || event.Op&fsnotify.Create == fsnotify.Create {
					// Debounce: editors often write in bursts.
					time.Sleep(100 * time.Millisecond)
					s.Reload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("Policy Watcher Error: %v", err)
			}
		}
	}()

	// Slow polling always runs as a safety net for missed events.
	go func() {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.reloadIfChanged()
			}
		}
	}()
}
