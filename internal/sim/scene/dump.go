package scene

import (
	"sort"

	"crowdmaster.ai/internal/sim/model"
)

// Dump is a detached copy of everything a Memory store holds. Meshes are
// shared with the store and must be treated as read-only.
type Dump struct {
	Objects []Object
	Keys    map[string][]model.Key
	Groups  map[string][]string
}

// Dump copies the store's objects (sorted by name), keyframes and groups.
func (m *Memory) Dump() Dump {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d := Dump{
		Objects: make([]Object, 0, len(m.objects)),
		Keys:    map[string][]model.Key{},
		Groups:  make(map[string][]string, len(m.groups)),
	}
	for _, o := range m.objects {
		cp := o.Object
		cp.Constraints = append([]ChildOf(nil), o.Constraints...)
		if o.Deferred != nil {
			def := *o.Deferred
			cp.Deferred = &def
		}
		d.Objects = append(d.Objects, cp)
		if len(o.keys) > 0 {
			d.Keys[o.Name] = append([]model.Key(nil), o.keys...)
		}
	}
	sort.Slice(d.Objects, func(i, j int) bool { return d.Objects[i].Name < d.Objects[j].Name })
	for g, members := range m.groups {
		d.Groups[g] = append([]string{}, members...)
	}
	return d
}

// Restore builds a Memory store holding the contents of d.
func Restore(d Dump) *Memory {
	m := NewMemory()
	for _, o := range d.Objects {
		m.Add(o)
	}
	for name, keys := range d.Keys {
		if o := m.objects[name]; o != nil {
			o.keys = append([]model.Key(nil), keys...)
		}
	}
	for g, members := range d.Groups {
		m.AddGroup(g, members...)
	}
	return m
}
