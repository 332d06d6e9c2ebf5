package rules

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/FairForge/aura/internal/sensors"
)

type ruleFile struct {
	Rules []BehaviorRule `yaml:"rules"`
}

// FileStore serves rules from a YAML file and reloads it when it changes
type FileStore struct {
	path    string
	catalog sensors.Catalog
	logger  *zap.Logger

	mu    sync.RWMutex
	rules []BehaviorRule
}

// NewFileStore loads path. Every rule is defaulted and validated.
func NewFileStore(path string, catalog sensors.Catalog, logger *zap.Logger) (*FileStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &FileStore{path: path, catalog: catalog, logger: logger}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// LoadRuleFile reads and validates a YAML rule file
func LoadRuleFile(path string, catalog sensors.Catalog) ([]BehaviorRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rules: read %s: %w", path, err)
	}
	// A half-written file reads as empty; use "rules: []" to clear.
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("rules: %s is empty", path)
	}

	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("rules: parse %s: %w", path, err)
	}

	seen := make(map[string]struct{}, len(f.Rules))
	for i := range f.Rules {
		r := &f.Rules[i]
		if r.ID == "" {
			r.ID = uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("%s#%d", path, i))).String()
		}
		if _, dup := seen[r.ID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateRule, r.ID)
		}
		seen[r.ID] = struct{}{}

		r.ApplyDefaults()
		if err := r.Validate(catalog); err != nil {
			return nil, fmt.Errorf("rules: %s rule %q: %w", path, r.Name, err)
		}
	}
	return f.Rules, nil
}

// Reload rereads the file. On error the previous rules stay in effect.
func (s *FileStore) Reload() error {
	list, err := LoadRuleFile(s.path, s.catalog)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.rules = list
	s.mu.Unlock()
	return nil
}

// ListByAura returns the Aura's rules in file order
func (s *FileStore) ListByAura(ctx context.Context, auraID string) ([]BehaviorRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []BehaviorRule
	for _, r := range s.rules {
		if r.AuraID == auraID {
			out = append(out, r)
		}
	}
	return out, nil
}

// ListAuras returns the distinct Aura ids in the file
func (s *FileStore) ListAuras(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []string
	for _, r := range s.rules {
		if _, ok := seen[r.AuraID]; !ok {
			seen[r.AuraID] = struct{}{}
			out = append(out, r.AuraID)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Watch reloads the file on every write until ctx is done, then calls
// onReload with the Auras present after a successful reload. The parent
// directory is watched so editors that replace the file are handled.
func (s *FileStore) Watch(ctx context.Context, onReload func(auraIDs []string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("rules: watch: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("rules: watch %s: %w", s.path, err)
	}
	target := filepath.Clean(s.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			if err := s.Reload(); err != nil {
				s.logger.Warn("rule file reload failed, keeping previous rules",
					zap.String("path", s.path), zap.Error(err))
				continue
			}
			s.logger.Info("rule file reloaded", zap.String("path", s.path))
			if onReload != nil {
				auras, _ := s.ListAuras(ctx)
				onReload(auras)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				s.logger.Warn("rule file watcher overflow")
				continue
			}
			s.logger.Error("rule file watcher error", zap.Error(err))
		}
	}
}
