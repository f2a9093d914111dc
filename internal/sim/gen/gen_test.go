package gen

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"crowdmaster.ai/internal/sim/groups"
	"crowdmaster.ai/internal/sim/mathx"
	"crowdmaster.ai/internal/sim/model"
	"crowdmaster.ai/internal/sim/scene"
)

const tol = 1e-9

func newEnv() (Env, *scene.Memory) {
	m := scene.NewMemory()
	m.Add(scene.Object{Name: "Cube", Kind: scene.KindMesh, Transform: model.IdentityTransform(), Dimensions: mathx.Splat(1)})
	return Env{Scene: m, Groups: groups.NewRegistry(), Rand: rand.New(rand.NewSource(7))}, m
}

func node(kind Kind, mutate func(*Settings)) *Node {
	s := DefaultSettings(kind)
	if mutate != nil {
		mutate(&s)
	}
	return NewNode(kind.String(), kind, s)
}

func cubeAgent() *Node {
	obj := node(KindObject, func(s *Settings) { s.InputObject = "Cube" })
	return node(KindAgent, func(s *Settings) { s.BrainType = "walker" }).Connect(SlotObjects, obj)
}

func members(t *testing.T, env Env, group string) []groups.Member {
	t.Helper()
	g, ok := env.Groups.Get(group)
	if !ok {
		t.Fatalf("group %q missing", group)
	}
	var out []groups.Member
	for _, at := range g.AgentTypes {
		out = append(out, at.Agents...)
	}
	return out
}

func placements(t *testing.T, env Env, group string) []model.Transform {
	t.Helper()
	var out []model.Transform
	for _, m := range members(t, env, group) {
		o, ok := env.Scene.Object(m.Name)
		if !ok {
			t.Fatalf("agent object %q missing", m.Name)
		}
		out = append(out, o.Transform)
	}
	return out
}

func TestFormationFillsColumnsFirst(t *testing.T) {
	env, _ := newEnv()
	root := node(KindFormation, func(s *Settings) {
		s.NoToPlace, s.Rows, s.RowMargin, s.ColumnMargin = 5, 2, 1, 1
	}).Connect(SlotTemplate, cubeAgent())

	rep, err := (&Tree{Root: root}).Build(env, NewRequest(""))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if rep.Agents != 5 {
		t.Fatalf("agents=%d want 5", rep.Agents)
	}
	want := []mathx.Vec3{mathx.V(0, 0, 0), mathx.V(1, 0, 0), mathx.V(0, 1, 0), mathx.V(1, 1, 0), mathx.V(0, 2, 0)}
	got := placements(t, env, groups.DefaultGroup)
	for i, w := range want {
		if !got[i].Location.ApproxEqual(w, tol) {
			t.Fatalf("agent %d at %v want %v", i, got[i].Location, w)
		}
	}
}

func TestCombineForwardsIdenticalRequests(t *testing.T) {
	env, _ := newEnv()
	root := node(KindCombine, nil).
		Connect("A", cubeAgent()).
		Connect("B", cubeAgent())
	req := NewRequest("")
	req.Position = mathx.V(3, 4, 5)
	req.Rotation = mathx.V(0.1, 0.2, 0.3)
	req.Scale = 2

	if _, err := (&Tree{Root: root}).Build(env, req); err != nil {
		t.Fatalf("Build: %v", err)
	}
	got := placements(t, env, groups.DefaultGroup)
	if len(got) != 2 {
		t.Fatalf("agents=%d want 2", len(got))
	}
	for _, tr := range got {
		if !tr.Location.ApproxEqual(req.Position, tol) || !tr.Rotation.ApproxEqual(req.Rotation, tol) || tr.Scale != req.Scale {
			t.Fatalf("child placement %+v differs from request %+v", tr, req)
		}
	}
}

func TestOffsetAdditiveComposesReference(t *testing.T) {
	env, m := newEnv()
	m.Add(scene.Object{Name: "Marker", Kind: scene.KindEmpty, Transform: model.Transform{Location: mathx.V(1, 2, 3), Scale: 1}})
	root := node(KindOffset, func(s *Settings) {
		s.ReferenceObject = "Marker"
		s.LocationOffset = mathx.V(10, 0, 0)
		s.RotationOffset = mathx.V(0, 0, 90)
	}).Connect(SlotTemplate, cubeAgent())
	req := NewRequest("")
	req.Position = mathx.V(1, 1, 1)

	if _, err := (&Tree{Root: root}).Build(env, req); err != nil {
		t.Fatalf("Build: %v", err)
	}
	tr := placements(t, env, groups.DefaultGroup)[0]
	if !tr.Location.ApproxEqual(mathx.V(12, 3, 4), tol) {
		t.Fatalf("location %v", tr.Location)
	}
	if math.Abs(tr.Rotation.Z-math.Pi/2) > tol {
		t.Fatalf("rotation %v", tr.Rotation)
	}
}

func TestOffsetOverwriteIgnoresRequest(t *testing.T) {
	env, _ := newEnv()
	root := node(KindOffset, func(s *Settings) {
		s.Overwrite = true
		s.LocationOffset = mathx.V(0, 5, 0)
	}).Connect(SlotTemplate, cubeAgent())
	req := NewRequest("")
	req.Position = mathx.V(100, 100, 100)
	if _, err := (&Tree{Root: root}).Build(env, req); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if tr := placements(t, env, groups.DefaultGroup)[0]; !tr.Location.ApproxEqual(mathx.V(0, 5, 0), tol) {
		t.Fatalf("location %v", tr.Location)
	}
}

func TestRandomPositioningStaysInsideRadius(t *testing.T) {
	env, _ := newEnv()
	root := node(KindRandomPositioning, func(s *Settings) {
		s.NoToPlace, s.Radius, s.Relax = 50, 3, false
	}).Connect(SlotTemplate, cubeAgent())
	req := NewRequest("")
	req.Position = mathx.V(1, 1, 0)

	rep, err := (&Tree{Root: root}).Build(env, req)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if rep.Agents != 50 {
		t.Fatalf("agents=%d want 50", rep.Agents)
	}
	for _, tr := range placements(t, env, groups.DefaultGroup) {
		if d := tr.Location.Sub(req.Position).Len(); d > 3+tol {
			t.Fatalf("placement %v is %.4f from centre", tr.Location, d)
		}
	}
}

func TestRelaxPushesPairApart(t *testing.T) {
	pts := []mathx.Vec3{mathx.V(0, 0, 0), mathx.V(0.5, 0, 0)}
	relax(pts, 1, 1)
	if !pts[0].ApproxEqual(mathx.V(-0.75, 0, 0), tol) || !pts[1].ApproxEqual(mathx.V(1.25, 0, 0), tol) {
		t.Fatalf("relaxed to %v", pts)
	}
	far := []mathx.Vec3{mathx.V(0, 0, 0), mathx.V(10, 0, 0)}
	relax(far, 1, 3)
	if !far[1].ApproxEqual(mathx.V(10, 0, 0), tol) {
		t.Fatalf("distant points moved: %v", far)
	}
}

func TestObstacleRejectsInsidePoints(t *testing.T) {
	env, m := newEnv()
	m.Add(scene.Object{Name: "Wall", Kind: scene.KindMesh, Transform: model.IdentityTransform(), Dimensions: mathx.Splat(2)})
	m.AddGroup("Walls", "Wall")
	root := node(KindObstacle, func(s *Settings) {
		s.ObstacleGroup, s.Margin = "Walls", 0.5
	}).Connect(SlotTemplate, cubeAgent())
	tree := &Tree{Root: root}

	inside := NewRequest("")
	inside.Position = mathx.V(1.2, 0, 0)
	rep, err := tree.Build(env, inside)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if rep.Agents != 0 || rep.Dropped != 1 {
		t.Fatalf("inside point: %+v", rep)
	}

	outside := NewRequest("")
	outside.Position = mathx.V(5, 0, 0)
	rep, err = tree.Build(env, outside)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if rep.Agents != 1 {
		t.Fatalf("outside point: %+v", rep)
	}
}

func TestObstacleSphereShape(t *testing.T) {
	env, m := newEnv()
	m.Add(scene.Object{Name: "Rock", Kind: scene.KindMesh, Transform: model.IdentityTransform(), Dimensions: mathx.Splat(2)})
	m.AddGroup("Rocks", "Rock")
	root := node(KindObstacle, func(s *Settings) {
		s.ObstacleGroup, s.ObstacleShape = "Rocks", ShapeSphere
	}).Connect(SlotTemplate, cubeAgent())
	req := NewRequest("")
	req.Position = mathx.V(0.9, 0.9, 0) // inside the box, outside the unit sphere
	rep, err := (&Tree{Root: root}).Build(env, req)
	if err != nil || rep.Agents != 1 {
		t.Fatalf("rep=%+v err=%v", rep, err)
	}
}

func groundScene(m *scene.Memory) {
	m.Add(scene.Object{
		Name:      "Ground",
		Kind:      scene.KindMesh,
		Transform: model.Transform{Location: mathx.V(0, 0, 2), Scale: 1},
		Mesh: &scene.Mesh{
			Vertices: []mathx.Vec3{mathx.V(-10, -10, 0), mathx.V(10, -10, 0), mathx.V(10, 10, 0), mathx.V(-10, 10, 0)},
			Faces:    [][]int{{0, 1, 2, 3}},
		},
	})
}

func TestGroundProjectsOntoMesh(t *testing.T) {
	env, m := newEnv()
	groundScene(m)
	root := node(KindGround, func(s *Settings) { s.GroundMesh = "Ground" }).Connect(SlotTemplate, cubeAgent())
	tree := &Tree{Root: root}

	for _, z := range []float64{5, -3} {
		req := NewRequest("")
		req.Position = mathx.V(2, -3, z)
		if _, err := tree.Build(env, req); err != nil {
			t.Fatalf("Build: %v", err)
		}
	}
	for _, tr := range placements(t, env, groups.DefaultGroup) {
		if !tr.Location.ApproxEqual(mathx.V(2, -3, 2), 1e-6) {
			t.Fatalf("projected to %v", tr.Location)
		}
	}

	miss := NewRequest("")
	miss.Position = mathx.V(50, 50, 5)
	rep, err := tree.Build(env, miss)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if rep.Agents != 0 || rep.Dropped != 1 {
		t.Fatalf("miss: %+v", rep)
	}
}

func TestTargetVertexRelative(t *testing.T) {
	env, m := newEnv()
	groundScene(m)
	root := node(KindTarget, func(s *Settings) {
		s.TargetType, s.TargetObject = TargetVertex, "Ground"
	}).Connect(SlotTemplate, cubeAgent())
	req := NewRequest("")
	req.Position = mathx.V(0, 0, 1)
	req.Scale = 0.5
	rep, err := (&Tree{Root: root}).Build(env, req)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if rep.Agents != 4 {
		t.Fatalf("agents=%d want 4", rep.Agents)
	}
	if tr := placements(t, env, groups.DefaultGroup)[0]; !tr.Location.ApproxEqual(mathx.V(-5, -5, 1), tol) {
		t.Fatalf("first vertex placed at %v", tr.Location)
	}
}

func TestTargetObjectAbsolute(t *testing.T) {
	env, m := newEnv()
	m.Add(scene.Object{Name: "Spot", Transform: model.Transform{Location: mathx.V(4, 0, 0), Rotation: mathx.V(0, 0, 1), Scale: 1}})
	m.AddGroup("Spots", "Spot")
	root := node(KindTarget, func(s *Settings) {
		s.TargetType, s.TargetGroups, s.OverwritePosition = TargetObject, "Spots", true
	}).Connect(SlotTemplate, cubeAgent())
	req := NewRequest("")
	req.Position = mathx.V(9, 9, 9)
	if _, err := (&Tree{Root: root}).Build(env, req); err != nil {
		t.Fatalf("Build: %v", err)
	}
	tr := placements(t, env, groups.DefaultGroup)[0]
	if !tr.Location.ApproxEqual(mathx.V(4, 0, 0), tol) || !tr.Rotation.ApproxEqual(mathx.V(0, 0, 1), tol) {
		t.Fatalf("placed at %+v", tr)
	}
}

func TestSetTagSeedsAgentTags(t *testing.T) {
	env, _ := newEnv()
	root := node(KindSetTag, func(s *Settings) { s.TagName, s.TagValue = "team", 2 }).Connect(SlotTemplate, cubeAgent())
	req := NewRequest("")
	if _, err := (&Tree{Root: root}).Build(env, req); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got := members(t, env, groups.DefaultGroup)[0].Tags["team"]; got != 2 {
		t.Fatalf("team tag=%v", got)
	}
	if len(req.Tags) != 0 {
		t.Fatalf("root request tags mutated: %v", req.Tags)
	}
}

func TestInvalidTreeBuildsNothing(t *testing.T) {
	env, m := newEnv()
	obj := node(KindObject, func(s *Settings) { s.InputObject = "Missing" })
	agent := node(KindAgent, func(s *Settings) { s.BrainType = "walker" }).Connect(SlotObjects, obj)
	root := node(KindCombine, nil).Connect("A", cubeAgent()).Connect("B", agent)
	before := len(m.Objects())

	_, err := (&Tree{Root: root}).Build(env, NewRequest(""))
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	var ce *ConfigError
	if !errors.As(err, &ce) || ce.Kind != KindObject {
		t.Fatalf("error %v does not name the object node", err)
	}
	if len(m.Objects()) != before || len(env.Groups.All()) != 0 {
		t.Fatalf("invalid tree mutated the scene")
	}
}

func TestValidateRejectsCycles(t *testing.T) {
	env, _ := newEnv()
	a := node(KindOffset, nil)
	b := node(KindCombine, nil)
	a.Connect(SlotTemplate, b)
	b.Connect("loop", a)
	err := (&Tree{Root: a}).Validate(env.Scene)
	var ce *ConfigError
	if !errors.As(err, &ce) || ce.Reason != "cycle detected" {
		t.Fatalf("expected cycle error, got %v", err)
	}
}

func TestValidateRejectsWrongSlotKinds(t *testing.T) {
	env, _ := newEnv()
	geo := node(KindObject, func(s *Settings) { s.InputObject = "Cube" })
	if err := (&Tree{Root: node(KindOffset, nil).Connect(SlotTemplate, geo)}).Validate(env.Scene); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("geometry in a template slot accepted: %v", err)
	}
	if err := (&Tree{Root: geo}).Validate(env.Scene); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("geometry root accepted: %v", err)
	}
	bad := node(KindRandom, func(s *Settings) { s.MinRandSz = 0 }).Connect(SlotTemplate, cubeAgent())
	if bad.Check(env.Scene) {
		t.Fatalf("zero scale range accepted")
	}
}

func TestAddToGroupResetsAutoGroupOncePerRun(t *testing.T) {
	env, m := newEnv()
	add := node(KindAddToGroup, func(s *Settings) { s.GroupName = "squad" }).Connect(SlotTemplate, cubeAgent())
	tree := &Tree{Root: add}
	if _, err := tree.Build(env, NewRequest("")); err != nil {
		t.Fatalf("first Build: %v", err)
	}
	if got := len(m.Objects()); got != 2 {
		t.Fatalf("objects after first build: %d", got)
	}

	root := node(KindCombine, nil).Connect("a", add).Connect("b", add)
	if _, err := (&Tree{Root: root}).Build(env, NewRequest("")); err != nil {
		t.Fatalf("second Build: %v", err)
	}
	// Cube plus two fresh copies; the first run's copy is gone.
	if got := len(m.Objects()); got != 3 {
		t.Fatalf("objects after rebuild: %d want 3", got)
	}
	if got := len(members(t, env, "squad")); got != 2 {
		t.Fatalf("squad has %d agents want 2", got)
	}
}

func TestAddToGroupSkipsManualAndFrozen(t *testing.T) {
	env, _ := newEnv()
	if err := env.Groups.AddManualAgents("hand", "walker", []string{"Cube"}); err != nil {
		t.Fatalf("AddManualAgents: %v", err)
	}
	env.Groups.Create("ice", groups.Auto)
	env.Groups.SetFrozen("ice", true)

	for _, g := range []string{"hand", "ice"} {
		add := node(KindAddToGroup, func(s *Settings) { s.GroupName = g }).Connect(SlotTemplate, cubeAgent())
		rep, err := (&Tree{Root: add}).Build(env, NewRequest(""))
		if err != nil {
			t.Fatalf("Build %s: %v", g, err)
		}
		if rep.Agents != 0 {
			t.Fatalf("group %s accepted %d agents", g, rep.Agents)
		}
	}
	if got, _ := env.Groups.Get("hand"); got.TotalAgents != 1 {
		t.Fatalf("manual group changed: %+v", got)
	}
}

func TestTemplateSwitchPicksOneSide(t *testing.T) {
	env, _ := newEnv()
	one := node(KindAddToGroup, func(s *Settings) { s.GroupName = "one" }).Connect(SlotTemplate, cubeAgent())
	two := node(KindAddToGroup, func(s *Settings) { s.GroupName = "two" }).Connect(SlotTemplate, cubeAgent())
	root := node(KindTemplateSwitch, func(s *Settings) { s.SwitchAmount = 1 }).
		Connect(SlotTemplate1, one).
		Connect(SlotTemplate2, two)
	if _, err := (&Tree{Root: root}).Build(env, NewRequest("")); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, ok := env.Groups.Get("two"); ok {
		t.Fatalf("switch_amount=1 built the second template")
	}
	if got := len(members(t, env, "one")); got != 1 {
		t.Fatalf("one has %d agents", got)
	}
}

func TestGroupSourceRebindsArmature(t *testing.T) {
	env, m := newEnv()
	m.Add(scene.Object{Name: "Rig", Kind: scene.KindArmature, Transform: model.IdentityTransform()})
	m.Add(scene.Object{Name: "Body", Kind: scene.KindMesh, Parent: "Rig", ArmatureTarget: "Rig", HasArmatureModifier: true, Transform: model.IdentityTransform()})
	m.AddGroup("Soldier", "Body", "Rig")
	geo := node(KindGroup, func(s *Settings) { s.InputGroup = "Soldier" })
	root := node(KindAgent, func(s *Settings) { s.BrainType = "walker" }).Connect(SlotObjects, geo)
	req := NewRequest("")
	req.Position = mathx.V(2, 0, 0)

	rep, err := (&Tree{Root: root}).Build(env, req)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if rep.Geometry != 2 {
		t.Fatalf("geometry=%d want 2", rep.Geometry)
	}
	mem := members(t, env, groups.DefaultGroup)[0]
	top, _ := m.Object(mem.Name)
	if top.Kind != scene.KindArmature || top.Name == "Rig" {
		t.Fatalf("attachment point %+v", top)
	}
	for _, name := range m.GroupObjects(mem.GeoGroup) {
		o, _ := m.Object(name)
		if o.Kind == scene.KindMesh && (o.Parent != top.Name || o.ArmatureTarget != top.Name) {
			t.Fatalf("body copy %+v not rebound to %s", o, top.Name)
		}
	}
}

func TestParentAttachesChildToBone(t *testing.T) {
	env, m := newEnv()
	pose := mathx.Compose(mathx.V(0, 0, 1.5), mathx.Vec3{}, 1)
	m.Add(scene.Object{Name: "Rig", Kind: scene.KindArmature, Transform: model.IdentityTransform(), Bones: map[string]mathx.Mat4{"Head": pose}})
	m.Add(scene.Object{Name: "Hat", Kind: scene.KindMesh, Transform: model.IdentityTransform()})
	parent := node(KindParent, func(s *Settings) { s.ParentTo = "Head" }).
		Connect(SlotParent, node(KindObject, func(s *Settings) { s.InputObject = "Rig" })).
		Connect(SlotChild, node(KindObject, func(s *Settings) { s.InputObject = "Hat" }))
	root := node(KindAgent, func(s *Settings) { s.BrainType = "walker" }).Connect(SlotObjects, parent)

	if _, err := (&Tree{Root: root}).Build(env, NewRequest("")); err != nil {
		t.Fatalf("Build: %v", err)
	}
	mem := members(t, env, groups.DefaultGroup)[0]
	for _, name := range m.GroupObjects(mem.GeoGroup) {
		o, _ := m.Object(name)
		if o.Kind != scene.KindMesh {
			continue
		}
		if len(o.Constraints) != 1 || o.Constraints[0].Target != mem.Name || o.Constraints[0].Subtarget != "Head" {
			t.Fatalf("hat constraints %+v", o.Constraints)
		}
		if !o.Constraints[0].Inverse.Mul(pose).ApproxEqual(mathx.Identity4(), tol) {
			t.Fatalf("inverse bind is not the pose inverse")
		}
		return
	}
	t.Fatalf("hat copy not found")
}

func TestParentMissingBoneDropsAgent(t *testing.T) {
	env, m := newEnv()
	m.Add(scene.Object{Name: "Rig", Kind: scene.KindArmature, Transform: model.IdentityTransform()})
	m.Add(scene.Object{Name: "Hat", Kind: scene.KindMesh, Transform: model.IdentityTransform()})
	parent := node(KindParent, func(s *Settings) { s.ParentTo = "Tail" }).
		Connect(SlotParent, node(KindObject, func(s *Settings) { s.InputObject = "Rig" })).
		Connect(SlotChild, node(KindObject, func(s *Settings) { s.InputObject = "Hat" }))
	root := node(KindAgent, func(s *Settings) { s.BrainType = "walker" }).Connect(SlotObjects, parent)

	rep, err := (&Tree{Root: root}).Build(env, NewRequest(""))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if rep.Agents != 0 || rep.Dropped != 1 {
		t.Fatalf("report %+v", rep)
	}
	if got := len(m.Objects()); got != 3 {
		t.Fatalf("partial geometry left behind: %v", m.Objects())
	}
}

func TestDeferredObjectResolves(t *testing.T) {
	env, m := newEnv()
	obj := node(KindObject, func(s *Settings) { s.InputObject = "Cube" })
	root := node(KindAgent, func(s *Settings) {
		s.BrainType = "walker"
		s.DeferGeo = true
	}).Connect(SlotObjects, obj)
	rep, err := (&Tree{Root: root}).Build(env, NewRequest(""))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if rep.Deferred != 1 {
		t.Fatalf("deferred=%d", rep.Deferred)
	}
	mem := members(t, env, groups.DefaultGroup)[0]
	if o, _ := m.Object(mem.Name); o.Kind != scene.KindEmpty || o.Deferred == nil {
		t.Fatalf("placeholder %+v", o)
	}

	n, err := ResolveDeferred(m)
	if err != nil || n != 1 {
		t.Fatalf("ResolveDeferred=%d, %v", n, err)
	}
	if o, _ := m.Object(mem.Name); o.Deferred != nil {
		t.Fatalf("placeholder still deferred")
	}
	geo := m.GroupObjects(mem.GeoGroup)
	if len(geo) != 2 {
		t.Fatalf("geo group %v", geo)
	}
	for _, name := range geo {
		if name == mem.Name {
			continue
		}
		if o, _ := m.Object(name); o.Parent != mem.Name {
			t.Fatalf("resolved copy parent=%q", o.Parent)
		}
	}
	if n, _ := ResolveDeferred(m); n != 0 {
		t.Fatalf("second pass resolved %d", n)
	}
}
