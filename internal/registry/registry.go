// Package registry syncs task definitions from configured sources
// (directories, HTTP indexes) into the repository. Synced tasks carry
// their source name; in_sync flags drift between disk and database.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ratchetd/ratchet/internal/config"
	"github.com/ratchetd/ratchet/internal/domain"
	"github.com/ratchetd/ratchet/internal/taskfs"
)

// Repository is the slice of the store the registry needs.
type Repository interface {
	CreateTask(ctx context.Context, task *domain.Task) error
	UpdateTask(ctx context.Context, task *domain.Task) error
	FindTaskByName(ctx context.Context, name string) (*domain.Task, error)
	ListTasks(ctx context.Context, filters domain.TaskFilters, page domain.Pagination, sort *domain.Sort) (domain.Page[*domain.Task], error)
}

// Registry drives periodic and event-driven sync.
type Registry struct {
	repo    Repository
	sources []config.RegistrySource
	logger  *slog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
	running bool
}

// New creates a registry for the configured sources.
func New(repo Repository, sources []config.RegistrySource, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{repo: repo, sources: sources, logger: logger}
}

// Start runs an initial sync, then watches directory sources and polls
// every source on its interval.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = true
	r.done = make(chan struct{})
	r.mu.Unlock()

	if err := r.SyncAll(ctx); err != nil {
		r.logger.WarnContext(ctx, "initial registry sync failed", "error", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.logger.WarnContext(ctx, "filesystem watching unavailable", "error", err)
	} else {
		r.mu.Lock()
		r.watcher = watcher
		r.mu.Unlock()
		for _, src := range r.sources {
			if src.Type == config.SourceDirectory {
				if err := watcher.Add(src.URI); err != nil {
					r.logger.WarnContext(ctx, "failed to watch source directory",
						"source", src.Name, "dir", src.URI, "error", err)
				}
			}
		}
		go r.watchLoop(ctx, watcher)
	}

	for _, src := range r.sources {
		interval := src.PollingInterval
		if interval <= 0 {
			interval = 5 * time.Minute
		}
		go r.pollLoop(ctx, src, interval)
	}
	return nil
}

// Stop halts watching and polling.
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	r.running = false
	close(r.done)
	if r.watcher != nil {
		_ = r.watcher.Close()
		r.watcher = nil
	}
}

func (r *Registry) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	// Debounce bursts: editors fire several events per save.
	var pending <-chan time.Time
	for {
		select {
		case <-r.done:
			return
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				pending = time.After(500 * time.Millisecond)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			r.logger.Warn("registry watch error", "error", err)
		case <-pending:
			pending = nil
			if err := r.SyncAll(ctx); err != nil {
				r.logger.WarnContext(ctx, "registry sync after fs event failed", "error", err)
			}
		}
	}
}

func (r *Registry) pollLoop(ctx context.Context, src config.RegistrySource, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.SyncSource(ctx, src); err != nil {
				r.logger.WarnContext(ctx, "registry poll failed", "source", src.Name, "error", err)
			}
		}
	}
}

// SyncAll syncs every configured source. Per-source errors are joined,
// not short-circuited.
func (r *Registry) SyncAll(ctx context.Context) error {
	var errs []error
	for _, src := range r.sources {
		if err := r.SyncSource(ctx, src); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SyncSource syncs one source into the repository.
func (r *Registry) SyncSource(ctx context.Context, src config.RegistrySource) error {
	switch src.Type {
	case config.SourceDirectory:
		return r.syncDirectory(ctx, src)
	case config.SourceHTTP:
		return r.syncHTTP(ctx, src)
	case config.SourceGit:
		return domain.E(domain.KindValidation, "git sources are not supported (source %q)", src.Name)
	default:
		return domain.E(domain.KindValidation, "unknown source type %q", src.Type)
	}
}

// syncDirectory walks one level of task directories under the source
// root.
func (r *Registry) syncDirectory(ctx context.Context, src config.RegistrySource) error {
	entries, err := os.ReadDir(src.URI)
	if err != nil {
		return domain.Wrap(domain.KindInternal, err, "failed to read source directory %s", src.URI)
	}

	seen := make(map[string]struct{})
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(src.URI, entry.Name())
		def, err := taskfs.Load(dir)
		if err != nil {
			r.logger.WarnContext(ctx, "skipping unreadable task directory",
				"source", src.Name, "dir", dir, "error", err)
			continue
		}
		seen[def.Metadata.Name] = struct{}{}
		if err := r.upsert(ctx, src.Name, dir, def); err != nil {
			r.logger.WarnContext(ctx, "failed to sync task",
				"source", src.Name, "task", def.Metadata.Name, "error", err)
		}
	}

	return r.markMissing(ctx, src.Name, seen)
}

// upsert creates or refreshes the Task row for a loaded definition.
func (r *Registry) upsert(ctx context.Context, sourceName, dir string, def *taskfs.Definition) error {
	existing, err := r.repo.FindTaskByName(ctx, def.Metadata.Name)
	if domain.IsKind(err, domain.KindNotFound) {
		task := domain.NewTask(def.Metadata.Name, def.Metadata.Version)
		task.Description = def.Metadata.Description
		task.Tags = def.Metadata.Tags
		task.Path = dir
		task.InputSchema = def.InputSchema
		task.OutputSchema = def.OutputSchema
		task.Source = sourceName
		return r.repo.CreateTask(ctx, task)
	}
	if err != nil {
		return err
	}

	existing.Version = def.Metadata.Version
	existing.Description = def.Metadata.Description
	existing.Tags = def.Metadata.Tags
	existing.Path = dir
	existing.InputSchema = def.InputSchema
	existing.OutputSchema = def.OutputSchema
	existing.Source = sourceName
	existing.InSync = true
	return r.repo.UpdateTask(ctx, existing)
}

// markMissing clears in_sync on tasks of this source that vanished from
// disk. Rows are kept: execution history still references them.
func (r *Registry) markMissing(ctx context.Context, sourceName string, seen map[string]struct{}) error {
	page, err := r.repo.ListTasks(ctx, domain.TaskFilters{
		Source: &domain.StringFilter{Value: sourceName},
	}, domain.Pagination{Limit: domain.MaxPageLimit}, nil)
	if err != nil {
		return err
	}
	for _, task := range page.Items {
		if _, ok := seen[task.Name]; ok {
			continue
		}
		if !task.InSync {
			continue
		}
		task.InSync = false
		if err := r.repo.UpdateTask(ctx, task); err != nil {
			return err
		}
		r.logger.InfoContext(ctx, "task no longer present in source; marked out of sync",
			"source", sourceName, "task", task.Name)
	}
	return nil
}

// httpIndex is the JSON document an http source serves: a list of task
// bundles.
type httpIndex struct {
	Tasks []struct {
		Name    string `json:"name"`
		Version string `json:"version"`
		URL     string `json:"url"`
	} `json:"tasks"`
}

// syncHTTP polls a JSON index and downloads task bundles into a local
// cache directory, then syncs that directory.
func (r *Registry) syncHTTP(ctx context.Context, src config.RegistrySource) error {
	index, err := fetchJSON[httpIndex](ctx, src.URI)
	if err != nil {
		return domain.Wrap(domain.KindInternal, err, "failed to fetch index for source %q", src.Name)
	}

	cacheDir := filepath.Join(os.TempDir(), "ratchet-registry", src.Name)
	seen := make(map[string]struct{})
	for _, t := range index.Tasks {
		bundle, err := fetchJSON[taskBundle](ctx, t.URL)
		if err != nil {
			r.logger.WarnContext(ctx, "failed to fetch task bundle",
				"source", src.Name, "task", t.Name, "error", err)
			continue
		}
		dir := filepath.Join(cacheDir, t.Name)
		def := bundle.definition()
		if err := taskfs.Write(dir, def); err != nil {
			r.logger.WarnContext(ctx, "failed to cache task bundle",
				"source", src.Name, "task", t.Name, "error", err)
			continue
		}
		seen[def.Metadata.Name] = struct{}{}
		if err := r.upsert(ctx, src.Name, dir, def); err != nil {
			r.logger.WarnContext(ctx, "failed to sync task",
				"source", src.Name, "task", t.Name, "error", err)
		}
	}
	return r.markMissing(ctx, src.Name, seen)
}

// taskBundle is a task definition serialised as one JSON document.
type taskBundle struct {
	Metadata     taskfs.Metadata   `json:"metadata"`
	InputSchema  json.RawMessage   `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage   `json:"output_schema,omitempty"`
	Code         string            `json:"code"`
	Tests        []taskfs.TestCase `json:"tests,omitempty"`
}

func (b taskBundle) definition() *taskfs.Definition {
	return &taskfs.Definition{
		Metadata:     b.Metadata,
		InputSchema:  b.InputSchema,
		OutputSchema: b.OutputSchema,
		Code:         b.Code,
		Tests:        b.Tests,
	}
}
