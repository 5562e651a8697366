package template

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/pitabwire/comfyflow/internal/observability"
	"github.com/pitabwire/comfyflow/model"
)

// Manager serves templates from a single directory. Templates are loaded on
// first use and cached until Reload is called. All methods are safe for
// concurrent use.
type Manager struct {
	dir       string
	loader    *Loader
	validator *Validator
	logger    *zap.Logger
	metrics   *observability.Metrics

	mu    sync.RWMutex
	cache map[string]*File
}

// NewManager creates a Manager for dir. It fails if dir does not exist or is
// not a directory. logger and metrics may be nil.
func NewManager(dir string, logger *zap.Logger, metrics *observability.Metrics) (*Manager, error) {
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("template directory not found: %s", dir)
		}
		return nil, fmt.Errorf("template directory %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("template directory must be a directory, not a file: %s", dir)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Manager{
		dir:       dir,
		loader:    NewLoader(),
		validator: NewValidator(),
		logger:    logger.Named("templates"),
		metrics:   metrics,
		cache:     make(map[string]*File),
	}, nil
}

// Dir returns the template directory.
func (m *Manager) Dir() string {
	return m.dir
}

// List returns the ids of all template files in the directory, sorted.
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("listing templates in %s: %w", m.dir, err)
	}

	var ids []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != Extension {
			continue
		}
		ids = append(ids, IDFromPath(e.Name()))
	}
	sort.Strings(ids)
	return ids, nil
}

// Load returns the template with the given id, reading it from disk on a
// cache miss. An unknown id yields a NOT_FOUND envelope. The returned
// template is shared and must not be modified.
func (m *Manager) Load(id string) (*model.Template, error) {
	f, err := m.file(id)
	if err != nil {
		return nil, err
	}
	return f.Template, nil
}

// Get is an alias for Load.
func (m *Manager) Get(id string) (*model.Template, error) {
	return m.Load(id)
}

// Checksum returns the SHA-256 checksum of the template file as loaded.
func (m *Manager) Checksum(id string) (string, error) {
	f, err := m.file(id)
	if err != nil {
		return "", err
	}
	return f.Checksum, nil
}

// All loads every template in the directory and returns them by id.
func (m *Manager) All() (map[string]*model.Template, error) {
	ids, err := m.List()
	if err != nil {
		return nil, err
	}

	out := make(map[string]*model.Template, len(ids))
	for _, id := range ids {
		t, err := m.Load(id)
		if err != nil {
			return nil, err
		}
		out[id] = t
	}
	return out, nil
}

// ListByCategory returns the sorted ids of templates whose category equals
// category. A nil category matches templates without one.
func (m *Manager) ListByCategory(category *string) ([]string, error) {
	all, err := m.All()
	if err != nil {
		return nil, err
	}

	var ids []string
	for id, t := range all {
		if sameCategory(t.Category, category) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Reload clears the cache so the next access reads templates from disk.
func (m *Manager) Reload() {
	m.mu.Lock()
	n := len(m.cache)
	m.cache = make(map[string]*File)
	m.mu.Unlock()

	m.metrics.RecordTemplateReload()
	m.metrics.SetTemplatesLoaded(0)
	m.logger.Info("template cache cleared", zap.Int("evicted", n))
}

// HealthCheck reports whether the template directory can be listed.
func (m *Manager) HealthCheck(_ context.Context) error {
	_, err := m.List()
	return err
}

func (m *Manager) file(id string) (*File, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return nil, model.NewBadRequestError(fmt.Sprintf("invalid template id %q", id))
	}

	m.mu.RLock()
	f, ok := m.cache[id]
	m.mu.RUnlock()
	if ok {
		m.metrics.RecordTemplateCacheHit()
		return f, nil
	}
	m.metrics.RecordTemplateCacheMiss()

	path := filepath.Join(m.dir, id+Extension)
	f, err := m.loader.LoadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, model.NewNotFoundError(fmt.Sprintf("Template not found: %s", id))
		}
		return nil, err
	}

	report := m.validator.Validate(id, f.Template)
	for _, w := range report.Warnings {
		m.logger.Warn("template warning",
			zap.String("template_id", id),
			zap.String("path", w.Path),
			zap.String("code", w.Code),
			zap.String("message", w.Message),
		)
	}
	if err := report.Err(); err != nil {
		return nil, fmt.Errorf("invalid template %s: %w", id, err)
	}

	m.mu.Lock()
	if existing, ok := m.cache[id]; ok {
		f = existing
	} else {
		m.cache[id] = f
	}
	n := len(m.cache)
	m.mu.Unlock()

	m.metrics.SetTemplatesLoaded(n)
	m.logger.Debug("template loaded",
		zap.String("template_id", id),
		zap.String("checksum", f.Checksum),
	)
	return f, nil
}

func sameCategory(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
