// Package prompts provides the prompt templates used by the generation pipeline.
// Templates are embedded at compile time and may be overridden per id by files in a directory.
package prompts

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/goccy/go-json"
)

//go:embed templates.json
var embedded []byte

// Store loads templates by id. Overrides in dir are named <id>.txt.
type Store struct {
	dir  string
	base map[string]string

	mu    sync.RWMutex
	cache map[string]string
}

// New parses the embedded templates. An empty dir disables overrides.
func New(dir string) (*Store, error) {
	var base map[string]string
	if err := json.Unmarshal(embedded, &base); err != nil {
		return nil, fmt.Errorf("parse embedded templates: %w", err)
	}
	return &Store{dir: dir, base: base, cache: make(map[string]string)}, nil
}

// Get returns the template for id.
func (s *Store) Get(id string) (string, error) {
	s.mu.RLock()
	if t, ok := s.cache[id]; ok {
		s.mu.RUnlock()
		return t, nil
	}
	s.mu.RUnlock()

	t, err := s.load(id)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.cache[id] = t
	s.mu.Unlock()
	return t, nil
}

func (s *Store) load(id string) (string, error) {
	if s.dir != "" {
		data, err := os.ReadFile(filepath.Join(s.dir, filepath.Base(id)+".txt"))
		switch {
		case err == nil:
			return string(data), nil
		case !os.IsNotExist(err):
			return "", fmt.Errorf("read template %s: %w", id, err)
		}
	}
	t, ok := s.base[id]
	if !ok {
		return "", fmt.Errorf("template %q not found", id)
	}
	return t, nil
}

// IDs lists the embedded template ids.
func (s *Store) IDs() []string {
	out := make([]string, 0, len(s.base))
	for id := range s.base {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Missing returns the ids in want that have no template.
func (s *Store) Missing(want []string) []string {
	var out []string
	for _, id := range want {
		if _, err := s.Get(id); err != nil {
			out = append(out, id)
		}
	}
	return out
}

// Render replaces {key} placeholders with values from vars. Unknown placeholders are left as is.
func Render(template string, vars map[string]string) string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}
