package snapshot

import (
	"path/filepath"
	"testing"

	"crowdmaster.ai/internal/sim/mathx"
	"crowdmaster.ai/internal/sim/model"
	"crowdmaster.ai/internal/sim/scene"
)

func TestSnapshotRoundTrip(t *testing.T) {
	m := scene.NewMemory()
	m.Add(scene.Object{
		Name:      "Rig",
		Kind:      scene.KindArmature,
		Transform: model.Transform{Location: mathx.V(1, 2, 3), Scale: 1},
		Bones:     map[string]mathx.Mat4{"Head": mathx.Identity4()},
	})
	m.Add(scene.Object{Name: "Hat", Kind: scene.KindMesh, Constraints: []scene.ChildOf{{Target: "Rig", Subtarget: "Head", Inverse: mathx.Identity4()}}})
	m.AddGroup("cm_allAgents/walker", "Rig", "Hat")
	if err := m.InsertKeyframe(model.Key{Object: "Rig", Path: model.PathLocation, Index: 1, Frame: 4, Value: 2.5}); err != nil {
		t.Fatalf("InsertKeyframe: %v", err)
	}

	path := Path(t.TempDir(), 12)
	if filepath.Base(path) != "000012.snap.zst" {
		t.Fatalf("path %s", path)
	}
	if err := WriteSnapshot(path, Capture(m, "run-1", 12)); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}

	h, err := ReadHeader(path)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if h.Version != Version || h.Frame != 12 || h.Objects != 2 || h.Groups != 1 || h.RunID != "run-1" {
		t.Fatalf("header %+v", h)
	}

	snap, err := ReadSnapshot(path)
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	r := scene.Restore(snap.Scene)
	rig, ok := r.Object("Rig")
	if !ok || rig.Transform.Location != mathx.V(1, 2, 3) {
		t.Fatalf("rig %+v", rig)
	}
	if _, ok := r.BonePose("Rig", "Head"); !ok {
		t.Fatalf("bones lost")
	}
	hat, _ := r.Object("Hat")
	if len(hat.Constraints) != 1 || hat.Constraints[0].Subtarget != "Head" {
		t.Fatalf("constraints %+v", hat.Constraints)
	}
	if keys := r.Keyframes("Rig"); len(keys) != 1 || keys[0].Value != 2.5 {
		t.Fatalf("keys %+v", keys)
	}
	if len(r.GroupObjects("cm_allAgents/walker")) != 2 {
		t.Fatalf("group lost")
	}
}
