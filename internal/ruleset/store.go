package ruleset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	json "github.com/goccy/go-json"

	"github.com/opensource-trust/shrike/internal/domain"
	"github.com/opensource-trust/shrike/internal/rules"
)

// ErrNoRuleset is returned when no ruleset has been published yet.
var ErrNoRuleset = errors.New("no ruleset published")

// ErrVersionNotFound is returned for an unknown ruleset version.
var ErrVersionNotFound = errors.New("ruleset version not found")

// Store holds every published ruleset version in compiled form and
// serves the current one. Versions are append-only: Publish assigns the
// next version number, persists the ruleset, then atomically swaps the
// current pointer. Evaluations running against the previous version
// finish against it untouched.
type Store struct {
	compiler *rules.Compiler
	repo     domain.Repository
	bus      domain.EventBus
	logger   *slog.Logger

	mu       sync.RWMutex
	versions map[int]*rules.CompiledRuleset

	current atomic.Pointer[rules.CompiledRuleset]

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewStore creates an empty ruleset store. repo and bus may be nil;
// persistence and publication events are then skipped.
func NewStore(compiler *rules.Compiler, repo domain.Repository, bus domain.EventBus, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		compiler: compiler,
		repo:     repo,
		bus:      bus,
		logger:   logger,
		versions: make(map[int]*rules.CompiledRuleset),
		done:     make(chan struct{}),
	}
}

// LoadFromRepository restores all persisted ruleset versions and points
// current at the highest one. Called once at startup, before serving.
func (s *Store) LoadFromRepository(ctx context.Context) error {
	if s.repo == nil {
		return nil
	}

	rulesets, err := s.repo.ListRulesets(ctx)
	if err != nil {
		return fmt.Errorf("failed to load rulesets: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *rules.CompiledRuleset
	for _, rs := range rulesets {
		crs, err := s.compiler.CompileRuleset(rs)
		if err != nil {
			// A persisted version that no longer compiles is a policy
			// regression; surface it instead of silently skipping
			return fmt.Errorf("persisted ruleset version %d no longer compiles: %w", rs.Version, err)
		}
		s.versions[rs.Version] = crs
		if latest == nil || rs.Version > latest.Ruleset.Version {
			latest = crs
		}
	}

	if latest != nil {
		s.current.Store(latest)
		s.logger.Info("rulesets restored",
			"versions", len(s.versions),
			"current_version", latest.Ruleset.Version)
	}

	return nil
}

// Publish validates, compiles, versions, and activates a ruleset.
// Validation and compilation happen before any state changes, so a bad
// ruleset leaves the current version serving (fail-closed). Returns the
// assigned version.
func (s *Store) Publish(ctx context.Context, rs *domain.Ruleset) (int, error) {
	if err := Validate(rs); err != nil {
		return 0, err
	}

	crs, err := s.compiler.CompileRuleset(rs)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidRuleset, err)
	}

	s.mu.Lock()
	version := s.latestVersionLocked() + 1
	rs.Version = version
	rs.CreatedAt = time.Now().UTC()

	if s.repo != nil {
		if err := s.repo.SaveRuleset(ctx, rs); err != nil {
			s.mu.Unlock()
			return 0, fmt.Errorf("failed to persist ruleset version %d: %w", version, err)
		}
	}

	s.versions[version] = crs
	s.mu.Unlock()

	s.current.Store(crs)

	s.logger.Info("ruleset published",
		"version", version,
		"name", rs.Name,
		"rules", len(rs.Rules))

	if s.bus != nil {
		payload, _ := json.Marshal(map[string]interface{}{
			"version": version,
			"name":    rs.Name,
			"rules":   len(rs.Rules),
		})
		if err := s.bus.Publish(ctx, domain.SystemTenant, domain.TopicRulesetPublished, payload); err != nil {
			s.logger.Warn("failed to publish ruleset event", "error", err)
		}
	}

	return version, nil
}

// PublishFile loads and publishes one ruleset file.
func (s *Store) PublishFile(ctx context.Context, path string) (int, error) {
	rs, err := LoadFile(path)
	if err != nil {
		return 0, err
	}
	return s.Publish(ctx, rs)
}

// PublishDir publishes every ruleset file in a directory in file-name
// order. Used at first boot to seed the initial versions.
func (s *Store) PublishDir(ctx context.Context, dir string) error {
	rulesets, err := LoadDir(dir)
	if err != nil {
		return err
	}
	for _, rs := range rulesets {
		if _, err := s.Publish(ctx, rs); err != nil {
			return err
		}
	}
	return nil
}

// Current returns the active compiled ruleset.
func (s *Store) Current() (*rules.CompiledRuleset, error) {
	crs := s.current.Load()
	if crs == nil {
		return nil, ErrNoRuleset
	}
	return crs, nil
}

// Get returns a specific published version.
func (s *Store) Get(version int) (*rules.CompiledRuleset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	crs, ok := s.versions[version]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrVersionNotFound, version)
	}
	return crs, nil
}

// List returns all published rulesets in ascending version order.
func (s *Store) List() []*domain.Ruleset {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Ruleset, 0, len(s.versions))
	for v := 1; v <= len(s.versions); v++ {
		if crs, ok := s.versions[v]; ok {
			out = append(out, crs.Ruleset)
		}
	}
	return out
}

// LatestVersion returns the highest published version, 0 when none.
func (s *Store) LatestVersion() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latestVersionLocked()
}

func (s *Store) latestVersionLocked() int {
	latest := 0
	for v := range s.versions {
		if v > latest {
			latest = v
		}
	}
	return latest
}

// Watch publishes ruleset files dropped into dir without a restart.
// Writes are debounced so a file is published once after its last
// write. Rejected files are logged and the current version keeps
// serving.
func (s *Store) Watch(dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create ruleset watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch rules directory %s: %w", dir, err)
	}
	s.watcher = watcher

	s.wg.Add(1)
	go s.watchLoop()

	s.logger.Info("watching rules directory", "dir", dir)
	return nil
}

func (s *Store) watchLoop() {
	defer s.wg.Done()

	const debounce = 500 * time.Millisecond
	pending := make(map[string]time.Time)

	ticker := time.NewTicker(debounce)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return

		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			ext := filepath.Ext(event.Name)
			if ext != ".yaml" && ext != ".yml" {
				continue
			}
			pending[event.Name] = time.Now()

		case now := <-ticker.C:
			for path, last := range pending {
				if now.Sub(last) < debounce {
					continue
				}
				delete(pending, path)

				version, err := s.PublishFile(context.Background(), path)
				if err != nil {
					s.logger.Error("rejected ruleset file",
						"path", path,
						"error", err)
					continue
				}
				s.logger.Info("published ruleset from file",
					"path", path,
					"version", version)
			}

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("ruleset watcher error", "error", err)
		}
	}
}

// Close stops the directory watcher, if started.
func (s *Store) Close() error {
	close(s.done)
	if s.watcher != nil {
		err := s.watcher.Close()
		s.wg.Wait()
		return err
	}
	s.wg.Wait()
	return nil
}
