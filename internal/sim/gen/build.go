package gen

import (
	"errors"
	"fmt"
	"math"

	"crowdmaster.ai/internal/sim/groups"
	"crowdmaster.ai/internal/sim/mathx"
	"crowdmaster.ai/internal/sim/spatial"
)

// build runs a template node. Geometry nodes are only reachable through an
// agent node and never through build.
func (n *Node) build(bc *buildCtx, req Request) error {
	s := n.Settings
	switch n.Kind {
	case KindAddToGroup:
		return n.buildAddToGroup(bc, req)
	case KindTemplateSwitch:
		if bc.env.Rand.Float64() < s.SwitchAmount {
			return n.Inputs[SlotTemplate1].build(bc, req)
		}
		return n.Inputs[SlotTemplate2].build(bc, req)
	case KindAgent:
		return n.buildAgent(bc, req)
	case KindOffset:
		return n.Inputs[SlotTemplate].build(bc, n.offset(bc, req))
	case KindRandom:
		angle := s.MinRandRot + bc.env.Rand.Float64()*(s.MaxRandRot-s.MinRandRot)
		out := req.Clone()
		out.Rotation = mathx.RotateAxisZ(req.Rotation, mathx.Radians(angle))
		out.Scale = req.Scale * (s.MinRandSz + bc.env.Rand.Float64()*(s.MaxRandSz-s.MinRandSz))
		return n.Inputs[SlotTemplate].build(bc, out)
	case KindCombine:
		for _, slot := range n.slots() {
			if err := n.Inputs[slot].build(bc, req.Clone()); err != nil {
				return err
			}
		}
		return nil
	case KindRandomPositioning:
		return n.fanOut(bc, req, n.randomPositions(bc, req))
	case KindFormation:
		return n.fanOut(bc, req, formationPositions(req, s.NoToPlace, s.Rows, s.RowMargin, s.ColumnMargin))
	case KindTarget:
		return n.buildTarget(bc, req)
	case KindObstacle:
		if len(n.obstacleIndex(bc).CheckPoint(req.Position)) > 0 {
			bc.drop()
			return nil
		}
		return n.Inputs[SlotTemplate].build(bc, req)
	case KindGround:
		return n.buildGround(bc, req)
	case KindSetTag:
		out := req.Clone()
		out.Tags = req.Tags.With(s.TagName, s.TagValue)
		return n.Inputs[SlotTemplate].build(bc, out)
	}
	return fmt.Errorf("node %q (%s) cannot build a placement", n.Name, n.Kind)
}

func (n *Node) fanOut(bc *buildCtx, req Request, positions []mathx.Vec3) error {
	child := n.Inputs[SlotTemplate]
	for _, p := range positions {
		if err := child.build(bc, req.withPlacement(p, req.Rotation)); err != nil {
			return err
		}
	}
	return nil
}

func (n *Node) buildAddToGroup(bc *buildCtx, req Request) error {
	reg := bc.env.Groups
	name := n.Settings.GroupName
	if g, ok := reg.Get(name); ok && !bc.claimed[name] {
		if g.Type == groups.Manual || g.Frozen {
			return nil
		}
		if err := reg.Reset(name, bc.env.Scene); err != nil {
			return err
		}
	}
	if !bc.claimed[name] {
		reg.Create(name, groups.Auto)
		bc.claimed[name] = true
	}
	out := req.Clone()
	out.Group = name
	return n.Inputs[SlotTemplate].build(bc, out)
}

func (n *Node) buildAgent(bc *buildCtx, req Request) error {
	store := bc.env.Scene
	brain := n.Settings.BrainType
	if g, ok := bc.env.Groups.Get(req.Group); ok && (g.Type == groups.Manual || g.Frozen) {
		bc.drop()
		return nil
	}
	geoGroup := store.NewGroup(req.Group + "/" + brain)
	top, err := n.Inputs[SlotObjects].buildGeo(bc, req, geoGroup, n.Settings.DeferGeo)
	if errors.Is(err, ErrGeometryMiss) {
		bc.drop()
		return store.RemoveGroup(geoGroup, true)
	}
	if err != nil {
		return err
	}
	if err := store.SetTransform(top, req.transform()); err != nil {
		return err
	}
	m := groups.Member{Name: top, GeoGroup: geoGroup, Tags: req.Tags}
	if !bc.env.Groups.AddAgent(req.Group, brain, m) {
		bc.drop()
		return store.RemoveGroup(geoGroup, true)
	}
	bc.report.Agents++
	return nil
}

func (n *Node) offset(bc *buildCtx, req Request) Request {
	s := n.Settings
	out := req.Clone()
	if s.Overwrite {
		out.Position = mathx.Vec3{}
		out.Rotation = mathx.Vec3{}
	}
	if s.ReferenceObject != "" {
		if ref, ok := bc.env.Scene.Object(s.ReferenceObject); ok {
			out.Position = out.Position.Add(ref.Transform.Location)
			out.Rotation = out.Rotation.Add(ref.Transform.Rotation)
		}
	}
	out.Position = out.Position.Add(s.LocationOffset)
	out.Rotation = out.Rotation.Add(mathx.RadiansVec(s.RotationOffset))
	return out
}

// randomPositions samples a centrally weighted disk of the configured radius
// around the request, then optionally relaxes the points apart.
func (n *Node) randomPositions(bc *buildCtx, req Request) []mathx.Vec3 {
	s := n.Settings
	rng := bc.env.Rand
	rot := mathx.EulerMatrix(req.Rotation)
	out := make([]mathx.Vec3, 0, s.NoToPlace)
	for i := 0; i < s.NoToPlace; i++ {
		angle := -math.Pi + rng.Float64()*2*math.Pi
		length := rng.Float64() + rng.Float64()
		if length > 1 {
			length = 2 - length
		}
		length *= s.Radius
		diff := mathx.V(math.Sin(angle)*length, math.Cos(angle)*length, 0)
		out = append(out, req.Position.Add(rot.Apply(diff)))
	}
	if s.Relax {
		relax(out, s.RelaxRadius, s.RelaxIterations)
	}
	return out
}

// relax pushes points closer than 2*radius apart. Each iteration reads the
// positions from the previous iteration.
func relax(points []mathx.Vec3, radius float64, iterations int) {
	reach := 2 * radius
	prev := make([]mathx.Vec3, len(points))
	for it := 0; it < iterations; it++ {
		copy(prev, points)
		for i, p := range prev {
			var adjust mathx.Vec3
			neighbours := 0
			for j, q := range prev {
				v := p.Sub(q)
				d := v.Len()
				if d > reach {
					continue
				}
				neighbours++
				if j == i || d == 0 {
					continue
				}
				adjust = adjust.Add(v.Scale((reach - d) / d))
			}
			if neighbours > 0 {
				points[i] = p.Add(adjust.Scale(1 / float64(neighbours)))
			}
		}
	}
}

// formationPositions fills complete columns of rows first, then a partial
// column. Rows step along local X and columns along local Y.
func formationPositions(req Request, count, rows int, rowMargin, colMargin float64) []mathx.Vec3 {
	if rows < 1 || count <= 0 {
		return nil
	}
	rot := mathx.EulerMatrix(req.Rotation)
	dRow := rot.Apply(mathx.V(rowMargin, 0, 0)).Scale(req.Scale)
	dCol := rot.Apply(mathx.V(0, colMargin, 0)).Scale(req.Scale)
	out := make([]mathx.Vec3, 0, count)
	full := count / rows
	for col := 0; col < full; col++ {
		for row := 0; row < rows; row++ {
			out = append(out, req.Position.Add(dCol.Scale(float64(col))).Add(dRow.Scale(float64(row))))
		}
	}
	for row := 0; row < count%rows; row++ {
		out = append(out, req.Position.Add(dCol.Scale(float64(full))).Add(dRow.Scale(float64(row))))
	}
	return out
}

func (n *Node) buildTarget(bc *buildCtx, req Request) error {
	s := n.Settings
	store := bc.env.Scene
	child := n.Inputs[SlotTemplate]
	rot := mathx.EulerMatrix(req.Rotation)
	relative := func(loc mathx.Vec3) mathx.Vec3 {
		return rot.Apply(loc).Scale(req.Scale).Add(req.Position)
	}

	if s.TargetType == TargetObject {
		for _, name := range store.GroupObjects(s.TargetGroups) {
			o, ok := store.Object(name)
			if !ok {
				continue
			}
			next := req.withPlacement(o.Transform.Location, o.Transform.Rotation)
			if !s.OverwritePosition {
				next = req.withPlacement(relative(o.Transform.Location), req.Rotation.Add(o.Transform.Rotation))
			}
			if err := child.build(bc, next); err != nil {
				return err
			}
		}
		return nil
	}

	o, ok := store.Object(s.TargetObject)
	if !ok || o.Mesh == nil || len(o.Mesh.Vertices) == 0 {
		bc.drop()
		return nil
	}
	world, _ := store.WorldMatrix(s.TargetObject)
	for _, v := range o.Mesh.Vertices {
		next := req.withPlacement(world.MulPoint(v), o.Transform.Rotation)
		if !s.OverwritePosition {
			next = req.withPlacement(relative(v), req.Rotation)
		}
		if err := child.build(bc, next); err != nil {
			return err
		}
	}
	return nil
}

func (n *Node) obstacleIndex(bc *buildCtx) *spatial.Octree {
	n.obstacleOnce.Do(func() {
		s := n.Settings
		store := bc.env.Scene
		var vols []spatial.Volume
		for _, name := range store.GroupObjects(s.ObstacleGroup) {
			o, ok := store.Object(name)
			if !ok {
				continue
			}
			center := o.Transform.Location
			if w, ok := store.WorldMatrix(name); ok {
				center = w.Translation()
			}
			v := spatial.Volume{Name: name, Center: center, Half: o.Dimensions.Scale(0.5).Add(mathx.Splat(s.Margin))}
			if s.ObstacleShape == ShapeSphere {
				v = spatial.Volume{Name: name, Center: center, Sphere: true, Radius: o.Dimensions.MaxComponent()/2 + s.Margin}
			}
			vols = append(vols, v)
		}
		n.obstacles = spatial.NewOctree(vols)
	})
	return n.obstacles
}

func (n *Node) groundIndex(bc *buildCtx) (*spatial.BVH, error) {
	n.groundOnce.Do(func() {
		store := bc.env.Scene
		name := n.Settings.GroundMesh
		o, ok := store.Object(name)
		if !ok || o.Mesh == nil {
			n.groundErr = fmt.Errorf("ground mesh %q is missing", name)
			return
		}
		world, _ := store.WorldMatrix(name)
		tris := o.Mesh.Triangles()
		for i, t := range tris {
			tris[i] = [3]mathx.Vec3{world.MulPoint(t[0]), world.MulPoint(t[1]), world.MulPoint(t[2])}
		}
		n.ground = spatial.NewBVH(tris)
	})
	return n.ground, n.groundErr
}

func (n *Node) buildGround(bc *buildCtx, req Request) error {
	bvh, err := n.groundIndex(bc)
	if err != nil {
		return err
	}
	down, hitDown := bvh.RayCast(req.Position, mathx.V(0, 0, -1), 0)
	up, hitUp := bvh.RayCast(req.Position, mathx.V(0, 0, 1), 0)
	var hit spatial.Hit
	switch {
	case hitDown && hitUp:
		hit = down
		if up.Distance < down.Distance {
			hit = up
		}
	case hitDown:
		hit = down
	case hitUp:
		hit = up
	default:
		bc.drop()
		return nil
	}
	return n.Inputs[SlotTemplate].build(bc, req.withPlacement(hit.Point, req.Rotation))
}
