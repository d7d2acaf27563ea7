// Package registry is the in-memory Project Registry (spec §4.C): a
// name -> {archive path, spider list} map persisted as a single JSON
// side-file rewritten atomically on every mutation. It knows nothing
// about jobs; the control API consults the schedule store separately
// before allowing a project to drop spiders or be removed.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/scrapydo/scrapyd-go/internal/domain"
)

// Registry holds the known projects, guarded by a mutex since the push
// and remove operations run on the orchestrator's single-owner line but
// reads (get_projects, get_spiders) may be called from HTTP handler
// goroutines.
type Registry struct {
	mu       sync.RWMutex
	path     string
	projects map[string]*domain.Project
}

type onDiskProject struct {
	Name    string   `json:"name"`
	Archive string   `json:"archive"`
	Spiders []string `json:"spiders"`
}

// Load reads the metadata side-file at path, if present, and returns a
// Registry seeded from it. A missing file is not an error: it means no
// project has ever been pushed.
func Load(path string) (*Registry, error) {
	r := &Registry{path: path, projects: make(map[string]*domain.Project)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("read project registry: %w", err)
	}

	var onDisk []onDiskProject
	if err := json.Unmarshal(data, &onDisk); err != nil {
		return nil, fmt.Errorf("parse project registry: %w", err)
	}
	for _, p := range onDisk {
		r.projects[p.Name] = &domain.Project{Name: p.Name, Archive: p.Archive, Spiders: p.Spiders}
	}
	return r, nil
}

// Get returns the named project. ok is false if unknown.
func (r *Registry) Get(name string) (*domain.Project, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.projects[name]
	if !ok {
		return nil, false
	}
	cp := *p
	return &cp, true
}

// Names returns every known project name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.projects))
	for name := range r.projects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Put inserts or replaces a project and rewrites the side-file. Callers
// (the push operation) must have already validated the project against
// the schedule store before calling Put.
func (r *Registry) Put(p *domain.Project) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *p
	r.projects[p.Name] = &cp
	return r.persistLocked()
}

// Remove deletes a project and rewrites the side-file. No-op if absent.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.projects, name)
	return r.persistLocked()
}

// persistLocked rewrites the metadata side-file via write-temp + fsync +
// rename, so a crash mid-write never leaves a torn file in place (spec
// §9's redesign of the original's rewrite-in-place side-file).
func (r *Registry) persistLocked() error {
	names := make([]string, 0, len(r.projects))
	for name := range r.projects {
		names = append(names, name)
	}
	sort.Strings(names)

	onDisk := make([]onDiskProject, 0, len(names))
	for _, name := range names {
		p := r.projects[name]
		onDisk = append(onDisk, onDiskProject{Name: p.Name, Archive: p.Archive, Spiders: p.Spiders})
	}

	data, err := json.MarshalIndent(onDisk, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal project registry: %w", err)
	}

	if dir := filepath.Dir(r.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create project store directory: %w", err)
		}
	}

	tmp := r.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create temp registry file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write temp registry file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync temp registry file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp registry file: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename registry file into place: %w", err)
	}
	return nil
}
