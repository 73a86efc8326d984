package constellation

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"time"
)

// Definition is the serialized form of a constellation.
type Definition struct {
	ID           string         `json:"id,omitempty"`
	Name         string         `json:"name"`
	State        State          `json:"state,omitempty"`
	Tasks        []TaskStar     `json:"tasks"`
	Dependencies []TaskStarLine `json:"dependencies,omitempty"`
	CreatedAt    time.Time      `json:"created_at,omitempty"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	FinishedAt   *time.Time     `json:"finished_at,omitempty"`
}

// Definition returns a serializable copy of c.
func (c *Constellation) Definition() Definition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def := Definition{
		ID:         c.id,
		Name:       c.name,
		State:      c.state,
		Tasks:      make([]TaskStar, 0, len(c.order)),
		CreatedAt:  c.createdAt,
		StartedAt:  copyTime(c.startedAt),
		FinishedAt: copyTime(c.finishedAt),
	}
	for _, id := range c.order {
		def.Tasks = append(def.Tasks, c.tasks[id].clone())
	}
	for _, l := range c.lines {
		def.Dependencies = append(def.Dependencies, *l)
	}
	sortLines(def.Dependencies)
	return def
}

// MarshalJSON encodes c as a Definition.
func (c *Constellation) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Definition())
}

// FromDefinition builds a constellation without enforcing graph invariants,
// so that Validate can report every problem at once. Duplicate task ids are
// still rejected.
func FromDefinition(def Definition) (*Constellation, error) {
	c := New(def.ID, def.Name)
	if def.State != "" {
		c.state = def.State
	}
	if !def.CreatedAt.IsZero() {
		c.createdAt = def.CreatedAt
	}
	c.startedAt = copyTime(def.StartedAt)
	c.finishedAt = copyTime(def.FinishedAt)

	for _, t := range def.Tasks {
		if _, err := c.addTaskLocked(t); err != nil {
			return nil, err
		}
	}
	for _, l := range def.Dependencies {
		if l.ID == "" {
			l.ID = l.From + "->" + l.To
		}
		if l.Kind == "" {
			l.Kind = Unconditional
			if l.Condition != "" {
				l.Kind = Conditional
			}
		}
		if _, ok := c.lines[l.ID]; ok {
			return nil, fmt.Errorf("dependency %s: %w", l.ID, ErrDuplicateLine)
		}
		stored := l
		c.lines[l.ID] = &stored
	}
	return c, nil
}

// Load decodes a Definition from r.
func Load(r io.Reader) (*Constellation, error) {
	var def Definition
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("decode constellation: %w", err)
	}
	return FromDefinition(def)
}

// LoadFile reads a constellation from a JSON file.
func LoadFile(path string) (*Constellation, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open constellation: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// SaveFile writes c to path as indented JSON.
func (c *Constellation) SaveFile(path string) error {
	data, err := json.MarshalIndent(c.Definition(), "", "  ")
	if err != nil {
		return fmt.Errorf("encode constellation: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func sortLines(lines []TaskStarLine) {
	sort.Slice(lines, func(i, j int) bool { return lines[i].ID < lines[j].ID })
}
