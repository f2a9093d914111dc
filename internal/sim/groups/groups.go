// Package groups keeps the placement-group bookkeeping: which agents belong
// to which group, bucketed by brain type.
package groups

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"crowdmaster.ai/internal/sim/model"
	"crowdmaster.ai/internal/sim/scene"
)

type Type string

const (
	Auto   Type = "auto"
	Manual Type = "manual"
)

// DefaultGroup receives agents when no Add-to-group node redirects them.
const DefaultGroup = "cm_allAgents"

type Member struct {
	Name     string     `json:"name"`      // scene object driving the agent
	GeoGroup string     `json:"geo_group"` // scene group owning its geometry; empty for manual agents
	Tags     model.Tags `json:"tags,omitempty"`
}

type AgentType struct {
	Name   string   `json:"name"` // brain type
	Agents []Member `json:"agents"`
}

type Group struct {
	Name        string       `json:"name"`
	Type        Type         `json:"type"`
	Frozen      bool         `json:"frozen"`
	TotalAgents int          `json:"total_agents"`
	AgentTypes  []*AgentType `json:"agent_types"`
}

func (g *Group) agentType(name string) *AgentType {
	for _, at := range g.AgentTypes {
		if at.Name == name {
			return at
		}
	}
	at := &AgentType{Name: name}
	g.AgentTypes = append(g.AgentTypes, at)
	return at
}

func (g *Group) clone() Group {
	out := *g
	out.AgentTypes = make([]*AgentType, len(g.AgentTypes))
	for i, at := range g.AgentTypes {
		cp := &AgentType{Name: at.Name, Agents: make([]Member, len(at.Agents))}
		for j, m := range at.Agents {
			m.Tags = m.Tags.Clone()
			cp.Agents[j] = m
		}
		out.AgentTypes[i] = cp
	}
	return out
}

// Registry is safe for concurrent use; group order is creation order.
type Registry struct {
	mu     sync.Mutex
	order  []string
	groups map[string]*Group
}

func NewRegistry() *Registry {
	return &Registry{groups: map[string]*Group{}}
}

// Get returns a snapshot of the named group.
func (r *Registry) Get(name string) (Group, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g := r.groups[name]
	if g == nil {
		return Group{}, false
	}
	return g.clone(), true
}

// All returns snapshots of every group in creation order.
func (r *Registry) All() []Group {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Group, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.groups[n].clone())
	}
	return out
}

// Create adds an empty group. It returns false if the name is taken.
func (r *Registry) Create(name string, typ Type) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.createLocked(name, typ)
}

func (r *Registry) createLocked(name string, typ Type) bool {
	if _, ok := r.groups[name]; ok {
		return false
	}
	r.groups[name] = &Group{Name: name, Type: typ}
	r.order = append(r.order, name)
	return true
}

func (r *Registry) SetFrozen(name string, frozen bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	g := r.groups[name]
	if g == nil {
		return false
	}
	g.Frozen = frozen
	return true
}

// AddAgent registers a generated agent. Missing groups are created as auto
// groups; manual and frozen groups refuse new members.
func (r *Registry) AddAgent(group, brainType string, m Member) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.createLocked(group, Auto)
	g := r.groups[group]
	if g.Type == Manual || g.Frozen {
		return false
	}
	at := g.agentType(brainType)
	m.Tags = m.Tags.Clone()
	at.Agents = append(at.Agents, m)
	g.TotalAgents++
	return true
}

// AddManualAgents registers existing scene objects as agents of a manual
// group, creating it if needed. It refuses blank names and auto groups.
func (r *Registry) AddManualAgents(group, brainType string, objects []string) error {
	if strings.TrimSpace(group) == "" || strings.TrimSpace(brainType) == "" {
		return fmt.Errorf("group name and brain type must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.createLocked(group, Manual)
	g := r.groups[group]
	if g.Type == Auto {
		return fmt.Errorf("group %s is an auto group", group)
	}
	at := g.agentType(brainType)
	for _, obj := range objects {
		at.Agents = append(at.Agents, Member{Name: obj})
		g.TotalAgents++
	}
	return nil
}

// Reset discards a group's generated state. Unfrozen auto groups lose their
// geometry and their registry entry. Frozen groups and manual groups only
// have their agents' animation cleared; a manual group's entry is dropped
// unless it is frozen.
func (r *Registry) Reset(name string, store scene.Store) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	g := r.groups[name]
	if g == nil {
		return fmt.Errorf("reset %s: no such group", name)
	}
	for _, at := range g.AgentTypes {
		for _, m := range at.Agents {
			removeGeo := g.Type == Auto && !g.Frozen
			if removeGeo && m.GeoGroup != "" && store.GroupExists(m.GeoGroup) {
				if err := store.RemoveGroup(m.GeoGroup, true); err != nil {
					return fmt.Errorf("reset %s: %w", name, err)
				}
				continue
			}
			if _, ok := store.Object(m.Name); ok {
				if err := store.ClearAnimation(m.Name); err != nil {
					return fmt.Errorf("reset %s: %w", name, err)
				}
			}
		}
	}
	if !g.Frozen {
		delete(r.groups, name)
		for i, n := range r.order {
			if n == name {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	return nil
}

// Names returns the group names sorted lexically.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]string(nil), r.order...)
	sort.Strings(out)
	return out
}
