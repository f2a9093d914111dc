package scene

import (
	"fmt"
	"sort"
	"sync"

	"crowdmaster.ai/internal/sim/mathx"
	"crowdmaster.ai/internal/sim/model"
)

type memObject struct {
	Object
	keys []model.Key
}

// Memory is an in-process Store.
type Memory struct {
	mu      sync.RWMutex
	objects map[string]*memObject
	groups  map[string][]string
}

func NewMemory() *Memory {
	return &Memory{
		objects: map[string]*memObject{},
		groups:  map[string][]string{},
	}
}

// Add inserts or replaces an object verbatim.
func (m *Memory) Add(o Object) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o.Transform.Scale == 0 {
		o.Transform.Scale = 1
	}
	m.objects[o.Name] = &memObject{Object: o}
}

// AddGroup creates (or replaces) a group with the given members.
func (m *Memory) AddGroup(name string, members ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups[name] = append([]string(nil), members...)
}

func (m *Memory) Object(name string) (Object, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o := m.objects[name]
	if o == nil {
		return Object{}, false
	}
	out := o.Object
	out.Constraints = append([]ChildOf(nil), o.Constraints...)
	if o.Deferred != nil {
		d := *o.Deferred
		out.Deferred = &d
	}
	return out, true
}

func (m *Memory) Objects() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.objects))
	for n := range m.objects {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (m *Memory) WorldMatrix(name string) (mathx.Mat4, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.worldLocked(name, 0)
}

func (m *Memory) worldLocked(name string, depth int) (mathx.Mat4, bool) {
	o := m.objects[name]
	if o == nil || depth > 64 {
		return mathx.Mat4{}, false
	}
	local := o.Transform.Matrix()
	if o.Parent == "" {
		return local, true
	}
	pw, ok := m.worldLocked(o.Parent, depth+1)
	if !ok {
		return local, true
	}
	return pw.Mul(local), true
}

func (m *Memory) BonePose(armature, bone string) (mathx.Mat4, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o := m.objects[armature]
	if o == nil || o.Bones == nil {
		return mathx.Mat4{}, false
	}
	p, ok := o.Bones[bone]
	return p, ok
}

func (m *Memory) uniqueNameLocked(base string) string {
	if _, taken := m.objects[base]; !taken {
		return base
	}
	for i := 1; ; i++ {
		n := fmt.Sprintf("%s.%03d", base, i)
		if _, taken := m.objects[n]; !taken {
			return n
		}
	}
}

func (m *Memory) CopyObject(src string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := m.objects[src]
	if o == nil {
		return "", fmt.Errorf("copy %q: %w", src, ErrNoObject)
	}
	cp := o.Object
	cp.Name = m.uniqueNameLocked(src)
	cp.Constraints = append([]ChildOf(nil), o.Constraints...)
	cp.Deferred = nil
	if o.Bones != nil {
		cp.Bones = make(map[string]mathx.Mat4, len(o.Bones))
		for k, v := range o.Bones {
			cp.Bones[k] = v
		}
	}
	m.objects[cp.Name] = &memObject{Object: cp}
	return cp.Name, nil
}

func (m *Memory) NewEmpty(base string, t model.Transform) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if base == "" {
		base = "Empty"
	}
	name := m.uniqueNameLocked(base)
	m.objects[name] = &memObject{Object: Object{Name: name, Kind: KindEmpty, Transform: t}}
	return name, nil
}

func (m *Memory) RemoveObject(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(name)
}

func (m *Memory) removeLocked(name string) error {
	if _, ok := m.objects[name]; !ok {
		return fmt.Errorf("remove %q: %w", name, ErrNoObject)
	}
	delete(m.objects, name)
	for g, members := range m.groups {
		m.groups[g] = without(members, name)
	}
	for _, o := range m.objects {
		if o.Parent == name {
			o.Parent = ""
		}
	}
	return nil
}

func without(list []string, name string) []string {
	out := list[:0]
	for _, n := range list {
		if n != name {
			out = append(out, n)
		}
	}
	return out
}

func (m *Memory) mutate(name string, fn func(o *memObject)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := m.objects[name]
	if o == nil {
		return fmt.Errorf("%q: %w", name, ErrNoObject)
	}
	fn(o)
	return nil
}

func (m *Memory) SetTransform(name string, t model.Transform) error {
	return m.mutate(name, func(o *memObject) { o.Transform = t })
}

func (m *Memory) SetParent(child, parent string) error {
	if parent != "" {
		if _, ok := m.Object(parent); !ok {
			return fmt.Errorf("parent %q: %w", parent, ErrNoObject)
		}
	}
	return m.mutate(child, func(o *memObject) { o.Parent = parent })
}

func (m *Memory) SetArmatureTarget(mesh, armature string) error {
	return m.mutate(mesh, func(o *memObject) {
		o.ArmatureTarget = armature
		o.HasArmatureModifier = true
	})
}

func (m *Memory) AddChildOf(child string, c ChildOf) error {
	return m.mutate(child, func(o *memObject) { o.Constraints = append(o.Constraints, c) })
}

func (m *Memory) SetDeferred(name string, d *Deferred) error {
	return m.mutate(name, func(o *memObject) { o.Deferred = d })
}

func (m *Memory) GroupExists(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.groups[name]
	return ok
}

func (m *Memory) GroupObjects(name string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.groups[name]...)
}

// GroupsOf returns the groups linking object, sorted.
func (m *Memory) GroupsOf(object string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for g, members := range m.groups {
		for _, n := range members {
			if n == object {
				out = append(out, g)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

func (m *Memory) NewGroup(name string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := name
	for i := 1; ; i++ {
		if _, taken := m.groups[n]; !taken {
			break
		}
		n = fmt.Sprintf("%s.%03d", name, i)
	}
	m.groups[n] = []string{}
	return n
}

func (m *Memory) LinkToGroup(group, object string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	members, ok := m.groups[group]
	if !ok {
		return fmt.Errorf("link to %q: %w", group, ErrNoGroup)
	}
	if _, ok := m.objects[object]; !ok {
		return fmt.Errorf("link %q: %w", object, ErrNoObject)
	}
	for _, n := range members {
		if n == object {
			return nil
		}
	}
	m.groups[group] = append(members, object)
	return nil
}

func (m *Memory) RemoveGroup(name string, deleteObjects bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	members, ok := m.groups[name]
	if !ok {
		return fmt.Errorf("remove group %q: %w", name, ErrNoGroup)
	}
	delete(m.groups, name)
	if deleteObjects {
		for _, n := range members {
			if _, ok := m.objects[n]; ok {
				_ = m.removeLocked(n)
			}
		}
	}
	return nil
}

func (m *Memory) ClearAnimation(name string) error {
	return m.mutate(name, func(o *memObject) { o.keys = nil })
}

// InsertKeyframe replaces any sample already on the same channel and frame.
func (m *Memory) InsertKeyframe(k model.Key) error {
	return m.mutate(k.Object, func(o *memObject) {
		for i := range o.keys {
			if o.keys[i].Path == k.Path && o.keys[i].Index == k.Index && o.keys[i].Frame == k.Frame {
				o.keys[i] = k
				return
			}
		}
		o.keys = append(o.keys, k)
	})
}

func (m *Memory) Keyframes(name string) []model.Key {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o := m.objects[name]
	if o == nil {
		return nil
	}
	return append([]model.Key(nil), o.keys...)
}
