// Package template loads workflow templates from a directory of JSON files,
// validates them, and caches them for repeated instantiation.
package template

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pitabwire/comfyflow/model"
)

// Extension is the file extension of template files.
const Extension = ".json"

// File is a template together with where it was read from.
type File struct {
	ID         string
	SourceFile string
	Checksum   string
	Template   *model.Template
}

// Loader reads and writes template files and computes SHA-256 checksums.
type Loader struct{}

// NewLoader creates a new template Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadFile loads and parses a single template file. The template id is the
// file name without its extension.
func (l *Loader) LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var t model.Template
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if t.Parameters == nil {
		t.Parameters = map[string]model.ParameterSpec{}
	}
	if t.Nodes == nil {
		t.Nodes = map[string]model.RequestNode{}
	}

	return &File{
		ID:         IDFromPath(path),
		SourceFile: path,
		Checksum:   fmt.Sprintf("%x", sha256.Sum256(data)),
		Template:   &t,
	}, nil
}

// SaveFile writes t to path as indented JSON, creating parent directories
// as needed.
func (l *Loader) SaveFile(path string, t *model.Template) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encoding template %q: %w", t.Name, err)
	}

	// Map values encode themselves, so indent the finished document.
	var out bytes.Buffer
	if err := json.Indent(&out, data, "", "  "); err != nil {
		return fmt.Errorf("indenting template %q: %w", t.Name, err)
	}
	out.WriteByte('\n')

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", path, err)
	}
	if err := os.WriteFile(path, out.Bytes(), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// IDFromPath returns the template id for a file path.
func IDFromPath(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}
