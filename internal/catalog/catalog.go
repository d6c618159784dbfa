// Package catalog loads the static resource catalog and exposes it as a dependency graph.
package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var embedded []byte

// Resource is one catalog-defined document type.
type Resource struct {
	ID                   string   `yaml:"id" json:"id"`
	Name                 string   `yaml:"name" json:"name"`
	Tier                 int      `yaml:"tier" json:"tier"`
	Category             string   `yaml:"category" json:"category"`
	Version              int      `yaml:"version" json:"version"`
	Dependencies         []string `yaml:"dependencies" json:"dependencies"`
	StrategicPrompts     []string `yaml:"strategic_prompts" json:"strategicPrompts"`
	ImplementationGuides []string `yaml:"implementation_guides" json:"implementationGuides"`
	EstimatedCostUSD     float64  `yaml:"estimated_cost_usd" json:"estimatedCostUSD"`
	EstimatedTokens      int      `yaml:"estimated_tokens" json:"estimatedTokens"`
}

// CacheVersion identifies the definition revision used in cache keys.
func (r Resource) CacheVersion() string {
	return "v" + strconv.Itoa(r.Version)
}

// Category groups resources for the required-context bucket.
type Category struct {
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
}

type file struct {
	Version    int        `yaml:"version"`
	Categories []Category `yaml:"categories"`
	Resources  []Resource `yaml:"resources"`
}

// Graph is an immutable, acyclic view of the catalog.
type Graph struct {
	version    int
	categories []Category
	resources  []Resource
	index      map[string]int
	dependents map[string][]string
	topo       []string
}

// Load reads the catalog from path, or the embedded default when path is empty.
func Load(path string) (*Graph, error) {
	if path == "" {
		return Parse(embedded)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return Parse(data)
}

// Default returns the embedded catalog. It panics if the embedded file is invalid.
func Default() *Graph {
	g, err := Parse(embedded)
	if err != nil {
		panic(fmt.Sprintf("embedded catalog: %v", err))
	}
	return g
}

// Parse decodes YAML and builds the graph.
func Parse(data []byte) (*Graph, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	g, err := New(f.Resources)
	if err != nil {
		return nil, err
	}
	g.version = f.Version
	g.categories = f.Categories
	return g, nil
}

// New builds a graph, rejecting duplicate ids, unknown dependencies and cycles.
func New(resources []Resource) (*Graph, error) {
	g := &Graph{
		resources:  make([]Resource, len(resources)),
		index:      make(map[string]int, len(resources)),
		dependents: make(map[string][]string),
	}
	copy(g.resources, resources)

	for i, r := range g.resources {
		if r.ID == "" {
			return nil, fmt.Errorf("catalog: resource %d has no id", i)
		}
		if _, dup := g.index[r.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate resource %q", r.ID)
		}
		g.index[r.ID] = i
	}
	for _, r := range g.resources {
		for _, dep := range r.Dependencies {
			if _, ok := g.index[dep]; !ok {
				return nil, fmt.Errorf("catalog: %q depends on unknown resource %q", r.ID, dep)
			}
			if dep == r.ID {
				return nil, fmt.Errorf("catalog: %q depends on itself", r.ID)
			}
			g.dependents[dep] = append(g.dependents[dep], r.ID)
		}
	}

	topo, err := g.sort()
	if err != nil {
		return nil, err
	}
	g.topo = topo
	return g, nil
}

// sort is Kahn's algorithm; ready nodes are taken in catalog order so the result is stable.
func (g *Graph) sort() ([]string, error) {
	indegree := make([]int, len(g.resources))
	for i, r := range g.resources {
		indegree[i] = len(r.Dependencies)
	}

	var ready []int
	for i, d := range indegree {
		if d == 0 {
			ready = append(ready, i)
		}
	}

	order := make([]string, 0, len(g.resources))
	for len(ready) > 0 {
		sort.Ints(ready)
		cur := ready[0]
		ready = ready[1:]
		id := g.resources[cur].ID
		order = append(order, id)
		for _, dependent := range g.dependents[id] {
			j := g.index[dependent]
			indegree[j]--
			if indegree[j] == 0 {
				ready = append(ready, j)
			}
		}
	}

	if len(order) != len(g.resources) {
		var stuck []string
		for i, d := range indegree {
			if d > 0 {
				stuck = append(stuck, g.resources[i].ID)
			}
		}
		return nil, fmt.Errorf("catalog: dependency cycle among %v", stuck)
	}
	return order, nil
}

// Version is the catalog file revision.
func (g *Graph) Version() int { return g.version }

// Get looks up a resource definition.
func (g *Graph) Get(id string) (Resource, bool) {
	i, ok := g.index[id]
	if !ok {
		return Resource{}, false
	}
	return g.resources[i], true
}

// Resources returns every definition in catalog order.
func (g *Graph) Resources() []Resource {
	out := make([]Resource, len(g.resources))
	copy(out, g.resources)
	return out
}

// Categories returns the declared categories.
func (g *Graph) Categories() []Category {
	out := make([]Category, len(g.categories))
	copy(out, g.categories)
	return out
}

// Dependencies returns the direct prerequisites of id in declared order.
func (g *Graph) Dependencies(id string) []string {
	r, ok := g.Get(id)
	if !ok {
		return nil
	}
	out := make([]string, len(r.Dependencies))
	copy(out, r.Dependencies)
	return out
}

// Dependents returns resources that list id as a direct prerequisite.
func (g *Graph) Dependents(id string) []string {
	out := make([]string, len(g.dependents[id]))
	copy(out, g.dependents[id])
	return out
}

// TopologicalOrder lists every resource after all of its prerequisites.
func (g *Graph) TopologicalOrder() []string {
	out := make([]string, len(g.topo))
	copy(out, g.topo)
	return out
}

// Position is the catalog order of id, or -1.
func (g *Graph) Position(id string) int {
	if i, ok := g.index[id]; ok {
		return i
	}
	return -1
}

// SortByTier orders ids by ascending tier, breaking ties by catalog order. Unknown ids sort last.
func (g *Graph) SortByTier(ids []string) []string {
	out := make([]string, len(ids))
	copy(out, ids)
	sort.SliceStable(out, func(a, b int) bool {
		ra, okA := g.Get(out[a])
		rb, okB := g.Get(out[b])
		if okA != okB {
			return okA
		}
		if ra.Tier != rb.Tier {
			return ra.Tier < rb.Tier
		}
		return g.Position(out[a]) < g.Position(out[b])
	})
	return out
}

// DirectlyRelated reports whether dep is a direct prerequisite of target.
func (g *Graph) DirectlyRelated(target, dep string) bool {
	r, ok := g.Get(target)
	if !ok {
		return false
	}
	for _, d := range r.Dependencies {
		if d == dep {
			return true
		}
	}
	return false
}

// PromptIDs returns every strategic prompt and implementation guide referenced by the catalog.
func (g *Graph) PromptIDs() []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range g.resources {
		for _, list := range [][]string{r.StrategicPrompts, r.ImplementationGuides} {
			for _, id := range list {
				if !seen[id] {
					seen[id] = true
					out = append(out, id)
				}
			}
		}
	}
	return out
}
