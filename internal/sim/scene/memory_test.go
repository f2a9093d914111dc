package scene

import (
	"errors"
	"testing"

	"crowdmaster.ai/internal/sim/mathx"
	"crowdmaster.ai/internal/sim/model"
)

func TestMemoryCopyUsesUniqueNames(t *testing.T) {
	m := NewMemory()
	m.Add(Object{Name: "Man", Kind: KindMesh})
	a, err := m.CopyObject("Man")
	if err != nil {
		t.Fatalf("CopyObject: %v", err)
	}
	b, _ := m.CopyObject("Man")
	if a != "Man.001" || b != "Man.002" {
		t.Fatalf("copies named %q %q", a, b)
	}
	if _, err := m.CopyObject("Nope"); !errors.Is(err, ErrNoObject) {
		t.Fatalf("expected ErrNoObject, got %v", err)
	}
}

func TestMemoryRemoveGroupDeletesMembers(t *testing.T) {
	m := NewMemory()
	m.Add(Object{Name: "A"})
	m.Add(Object{Name: "B"})
	g := m.NewGroup("geo")
	_ = m.LinkToGroup(g, "A")
	_ = m.LinkToGroup(g, "A")
	if got := m.GroupObjects(g); len(got) != 1 {
		t.Fatalf("duplicate link: %v", got)
	}
	if err := m.RemoveGroup(g, true); err != nil {
		t.Fatalf("RemoveGroup: %v", err)
	}
	if _, ok := m.Object("A"); ok {
		t.Fatalf("A should be deleted with its group")
	}
	if _, ok := m.Object("B"); !ok {
		t.Fatalf("B is not in the group and must survive")
	}
	if m.GroupExists(g) {
		t.Fatalf("group should be gone")
	}
}

func TestMemoryKeyframeReplacesSameFrame(t *testing.T) {
	m := NewMemory()
	m.Add(Object{Name: "A"})
	_ = m.InsertKeyframe(model.Key{Object: "A", Path: model.PathLocation, Index: 0, Frame: 3, Value: 1})
	_ = m.InsertKeyframe(model.Key{Object: "A", Path: model.PathLocation, Index: 0, Frame: 3, Value: 2})
	_ = m.InsertKeyframe(model.Key{Object: "A", Path: model.PathLocation, Index: 1, Frame: 3, Value: 2})
	keys := m.Keyframes("A")
	if len(keys) != 2 || keys[0].Value != 2 {
		t.Fatalf("keys=%v", keys)
	}
	_ = m.ClearAnimation("A")
	if len(m.Keyframes("A")) != 0 {
		t.Fatalf("ClearAnimation left keys")
	}
}

func TestMemoryWorldMatrixFollowsParent(t *testing.T) {
	m := NewMemory()
	m.Add(Object{Name: "P", Transform: model.Transform{Location: mathx.V(1, 0, 0), Scale: 2}})
	m.Add(Object{Name: "C", Parent: "P", Transform: model.Transform{Location: mathx.V(0, 1, 0), Scale: 1}})
	w, ok := m.WorldMatrix("C")
	if !ok {
		t.Fatalf("WorldMatrix missing")
	}
	if got := w.Translation(); !got.ApproxEqual(mathx.V(1, 2, 0), 1e-12) {
		t.Fatalf("world translation=%v", got)
	}
}

func TestParseFixture(t *testing.T) {
	raw := []byte(`
objects:
  - name: Ground
    mesh:
      vertices: [[-1,-1,0],[1,-1,0],[1,1,0],[-1,1,0]]
      faces: [[0,1,2,3]]
  - name: Rig
    kind: armature
    bones:
      Head: {location: [0,0,1.7]}
  - name: Body
    parent: Rig
    armature: Rig
groups:
  - name: Man
    objects: [Rig, Body]
`)
	m, err := ParseFixture(raw)
	if err != nil {
		t.Fatalf("ParseFixture: %v", err)
	}
	g, _ := m.Object("Ground")
	if !g.Dimensions.ApproxEqual(mathx.V(2, 2, 0), 1e-12) {
		t.Fatalf("derived dimensions=%v", g.Dimensions)
	}
	if tris := g.Mesh.Triangles(); len(tris) != 2 {
		t.Fatalf("quad should fan into 2 triangles, got %d", len(tris))
	}
	if _, ok := m.BonePose("Rig", "Head"); !ok {
		t.Fatalf("bone missing")
	}
	if got := m.GroupObjects("Man"); len(got) != 2 {
		t.Fatalf("group=%v", got)
	}
	if _, err := ParseFixture([]byte("groups: [{name: G, objects: [Missing]}]")); err == nil {
		t.Fatalf("expected unknown object error")
	}
}

func TestDumpRestoreKeepsKeysAndGroups(t *testing.T) {
	m := NewMemory()
	m.Add(Object{Name: "A", Kind: KindMesh, Deferred: &Deferred{Object: "B"}})
	m.Add(Object{Name: "B", Kind: KindMesh})
	m.AddGroup("G", "A", "B")
	if err := m.InsertKeyframe(model.Key{Object: "A", Path: model.PathLocation, Index: 0, Frame: 1, Value: 2}); err != nil {
		t.Fatalf("InsertKeyframe: %v", err)
	}

	d := m.Dump()
	if len(d.Objects) != 2 || d.Objects[0].Name != "A" {
		t.Fatalf("dump objects %+v", d.Objects)
	}
	d.Objects[0].Deferred.Object = "mutated"

	r := Restore(m.Dump())
	if got := r.Keyframes("A"); len(got) != 1 || got[0].Value != 2 {
		t.Fatalf("keys %+v", got)
	}
	if got := r.GroupObjects("G"); len(got) != 2 {
		t.Fatalf("group %v", got)
	}
	if o, _ := r.Object("A"); o.Deferred == nil || o.Deferred.Object != "B" {
		t.Fatalf("dump aliased the store: %+v", o.Deferred)
	}
}
