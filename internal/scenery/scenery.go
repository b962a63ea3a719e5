// Package scenery is the catalog of interview panels a room can be created
// against.
package scenery

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// DefaultID is used when a room is created without a scenery.
const DefaultID = "default"

var ErrUnknownScenery = errors.New("unknown scenery")

type Agent struct {
	ID           string `json:"id" yaml:"id"`
	Name         string `json:"name" yaml:"name"`
	SystemPrompt string `json:"system_prompt" yaml:"system_prompt"`
}

type Scenery struct {
	ID          string  `json:"id" yaml:"id"`
	Name        string  `json:"name" yaml:"name"`
	Description string  `json:"description" yaml:"description"`
	Agents      []Agent `json:"agents" yaml:"agents"`
}

// Fallback display names for agents a scenery does not name.
var defaultAgentNames = map[string]string{
	"db-surgeon":       "DB Surgeon",
	"performance-nerd": "Performance Nerd",
	"skeptic":          "Skeptic",
}

// Defaults returns the built-in panel.
func Defaults() []Scenery {
	return []Scenery{
		{
			ID:          DefaultID,
			Name:        "System Design Panel",
			Description: "Three reviewers pick apart your design, one concern at a time.",
			Agents: []Agent{
				{ID: "db-surgeon", Name: "DB Surgeon", SystemPrompt: "You review data models, indexes and consistency."},
				{ID: "performance-nerd", Name: "Performance Nerd", SystemPrompt: "You hunt for latency, allocation and throughput problems."},
				{ID: "skeptic", Name: "Skeptic", SystemPrompt: "You question every assumption the candidate makes."},
			},
		},
	}
}

// Catalog is safe for concurrent use.
type Catalog struct {
	mu        sync.RWMutex
	sceneries map[string]Scenery
}

// NewCatalog registers the defaults followed by extra, which may override
// a default by id.
func NewCatalog(extra ...Scenery) (*Catalog, error) {
	c := &Catalog{sceneries: make(map[string]Scenery)}
	for _, s := range Defaults() {
		c.sceneries[s.ID] = s
	}
	for _, s := range extra {
		if err := c.Add(s); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Catalog) Add(s Scenery) error {
	if s.ID == "" {
		return errors.New("scenery id is required")
	}
	if len(s.Agents) == 0 {
		return errors.Errorf("scenery %s has no agents", s.ID)
	}
	seen := make(map[string]bool, len(s.Agents))
	for _, a := range s.Agents {
		if a.ID == "" {
			return errors.Errorf("scenery %s has an agent without id", s.ID)
		}
		if seen[a.ID] {
			return errors.Errorf("scenery %s lists agent %s twice", s.ID, a.ID)
		}
		seen[a.ID] = true
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.sceneries[s.ID] = s
	return nil
}

func (c *Catalog) Get(id string) (Scenery, error) {
	if id == "" {
		id = DefaultID
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sceneries[id]
	if !ok {
		return Scenery{}, errors.Wrapf(ErrUnknownScenery, "scenery %s", id)
	}
	return s, nil
}

// List returns every scenery sorted by id.
func (c *Catalog) List() []Scenery {
	c.mu.RLock()
	out := make([]Scenery, 0, len(c.sceneries))
	for _, s := range c.sceneries {
		out = append(out, s)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DisplayName resolves the scenery's own name for agentID, then the built-in
// name, then the id itself.
func (s Scenery) DisplayName(agentID string) string {
	for _, a := range s.Agents {
		if a.ID == agentID && a.Name != "" {
			return a.Name
		}
	}
	return DefaultAgentName(agentID)
}

func DefaultAgentName(agentID string) string {
	if name, ok := defaultAgentNames[agentID]; ok {
		return name
	}
	return agentID
}
