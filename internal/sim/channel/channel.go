// Package channel implements the per-namespace mailboxes agents publish
// tagged values into. Registrations made during frame N are read during the
// same step and discarded by NewFrame.
package channel

import (
	"sort"
	"strings"
	"sync"
)

// Names lists the standard namespaces in matching order.
var Names = []string{"Noise", "Sound", "State", "World", "Crowd", "Ground", "Formation", "Path"}

// Channel holds at most one value per (agent, suffix) per frame.
type Channel struct {
	name string

	mu     sync.RWMutex
	values map[string]map[string]float64 // suffix -> agent -> value
	total  int
}

func New(name string) *Channel {
	return &Channel{name: name, values: map[string]map[string]float64{}}
}

func (c *Channel) Name() string { return c.name }

// Register records value for (agent, suffix). A second registration with the
// same key in one frame replaces the first.
func (c *Channel) Register(agent, suffix string, value float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.values[suffix]
	if m == nil {
		m = map[string]float64{}
		c.values[suffix] = m
	}
	if _, ok := m[agent]; !ok {
		c.total++
	}
	m[agent] = value
}

func (c *Channel) Value(suffix, agent string) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[suffix][agent]
	return v, ok
}

// Values returns a copy of agent -> value for suffix.
func (c *Channel) Values(suffix string) map[string]float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]float64, len(c.values[suffix]))
	for a, v := range c.values[suffix] {
		out[a] = v
	}
	return out
}

// Agents returns the agents registered under suffix, sorted.
func (c *Channel) Agents(suffix string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.values[suffix]))
	for a := range c.values[suffix] {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

func (c *Channel) Sum(suffix string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sum := 0.0
	for _, v := range c.values[suffix] {
		sum += v
	}
	return sum
}

func (c *Channel) Count(suffix string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.values[suffix])
}

// Len is the number of registrations held this frame.
func (c *Channel) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.total
}

func (c *Channel) NewFrame() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values = map[string]map[string]float64{}
	c.total = 0
}

// Set is the fixed collection of channels a simulation owns.
type Set struct {
	order  []*Channel
	byName map[string]*Channel
}

// NewSet creates one channel per name, defaulting to Names.
func NewSet(names ...string) *Set {
	if len(names) == 0 {
		names = Names
	}
	s := &Set{byName: make(map[string]*Channel, len(names))}
	for _, n := range names {
		if _, dup := s.byName[n]; dup {
			continue
		}
		c := New(n)
		s.order = append(s.order, c)
		s.byName[n] = c
	}
	return s
}

func (s *Set) Get(name string) (*Channel, bool) {
	c, ok := s.byName[name]
	return c, ok
}

func (s *Set) All() []*Channel { return append([]*Channel(nil), s.order...) }

// Dispatch registers tag into every channel whose name prefixes it, using
// the remainder of the tag as the suffix. It returns the number of channels
// that matched.
func (s *Set) Dispatch(agent, tag string, value float64) int {
	n := 0
	for _, c := range s.order {
		if strings.HasPrefix(tag, c.name) {
			c.Register(agent, tag[len(c.name):], value)
			n++
		}
	}
	return n
}

func (s *Set) NewFrame() {
	for _, c := range s.order {
		c.NewFrame()
	}
}
