package gen

import (
	"fmt"

	"crowdmaster.ai/internal/sim/scene"
)

// buildGeo returns the attachment object for the built geometry. It fails
// with ErrGeometryMiss when nothing could be built.
func (n *Node) buildGeo(bc *buildCtx, req Request, geoGroup string, deferGeo bool) (string, error) {
	switch n.Kind {
	case KindObject:
		return n.buildObject(bc, geoGroup, deferGeo)
	case KindGroup:
		return n.buildGroup(bc, req, geoGroup, deferGeo)
	case KindGeoSwitch:
		slot := SlotObject2
		if bc.env.Rand.Float64() < n.Settings.SwitchAmount {
			slot = SlotObject1
		}
		return n.Inputs[slot].buildGeo(bc, req, geoGroup, deferGeo)
	case KindParent:
		return n.buildParent(bc, req, geoGroup, deferGeo)
	}
	return "", fmt.Errorf("node %q (%s) is not a geometry node", n.Name, n.Kind)
}

func (n *Node) buildObject(bc *buildCtx, geoGroup string, deferGeo bool) (string, error) {
	store := bc.env.Scene
	src := n.Settings.InputObject
	obj, ok := store.Object(src)
	if !ok {
		return "", fmt.Errorf("object %q: %w", src, scene.ErrNoObject)
	}
	var name string
	var err error
	if deferGeo {
		name, err = store.NewEmpty("Empty", obj.Transform)
		if err == nil {
			err = store.SetDeferred(name, &scene.Deferred{Object: src})
		}
		bc.report.Deferred++
	} else {
		name, err = store.CopyObject(src)
	}
	if err != nil {
		return "", err
	}
	if err := store.LinkToGroup(geoGroup, name); err != nil {
		return "", err
	}
	bc.report.Geometry++
	return name, nil
}

func (n *Node) buildGroup(bc *buildCtx, req Request, geoGroup string, deferGeo bool) (string, error) {
	store := bc.env.Scene
	srcGroup := n.Settings.InputGroup
	members := store.GroupObjects(srcGroup)

	if deferGeo {
		for _, m := range members {
			o, ok := store.Object(m)
			if !ok || o.Kind != scene.KindArmature {
				continue
			}
			cp, err := store.CopyObject(m)
			if err != nil {
				return "", err
			}
			if err := store.SetTransform(cp, req.transform()); err != nil {
				return "", err
			}
			if err := store.LinkToGroup(geoGroup, cp); err != nil {
				return "", err
			}
			if err := store.SetDeferred(cp, &scene.Deferred{Group: srcGroup, Armature: m}); err != nil {
				return "", err
			}
			bc.report.Geometry++
			bc.report.Deferred++
			return cp, nil
		}
	}

	copies, err := copyGroup(store, members, geoGroup, req)
	if err != nil {
		return "", err
	}
	bc.report.Geometry += len(copies)
	top := attachPoint(store, members, copies)
	if top == "" {
		return "", fmt.Errorf("group %q: %w", srcGroup, ErrGeometryMiss)
	}
	return top, nil
}

// copyGroup copies every member, rebuilds intra-group parenting, places
// top-level copies at req and rebinds armature modifiers to copied armatures.
// It returns original name -> copy name.
func copyGroup(store scene.Store, members []string, geoGroup string, req Request) (map[string]string, error) {
	copies := make(map[string]string, len(members))
	for _, m := range members {
		cp, err := store.CopyObject(m)
		if err != nil {
			return nil, err
		}
		copies[m] = cp
	}
	var firstArmature string
	for _, m := range members {
		if o, ok := store.Object(m); ok && o.Kind == scene.KindArmature {
			firstArmature = copies[m]
			break
		}
	}
	for _, m := range members {
		o, _ := store.Object(m)
		cp := copies[m]
		if pc, inGroup := copies[o.Parent]; inGroup && o.Parent != "" {
			if err := store.SetParent(cp, pc); err != nil {
				return nil, err
			}
		} else if err := store.SetTransform(cp, req.transform()); err != nil {
			return nil, err
		}
		if err := store.LinkToGroup(geoGroup, cp); err != nil {
			return nil, err
		}
		if o.Kind == scene.KindMesh && o.HasArmatureModifier {
			target := firstArmature
			if t, ok := copies[o.ArmatureTarget]; ok {
				target = t
			}
			if target != "" {
				if err := store.SetArmatureTarget(cp, target); err != nil {
					return nil, err
				}
			}
		}
	}
	return copies, nil
}

// attachPoint prefers the copied armature, then the first top-level copy.
func attachPoint(store scene.Store, members []string, copies map[string]string) string {
	top := ""
	for _, m := range members {
		o, _ := store.Object(m)
		if o.Kind == scene.KindArmature {
			return copies[m]
		}
		if _, inGroup := copies[o.Parent]; top == "" && (o.Parent == "" || !inGroup) {
			top = copies[m]
		}
	}
	return top
}

func (n *Node) buildParent(bc *buildCtx, req Request, geoGroup string, deferGeo bool) (string, error) {
	store := bc.env.Scene
	parent, err := n.Inputs[SlotParent].buildGeo(bc, req, geoGroup, deferGeo)
	if err != nil {
		return "", err
	}
	child, err := n.Inputs[SlotChild].buildGeo(bc, req, geoGroup, deferGeo)
	if err != nil {
		return "", err
	}
	bone := n.Settings.ParentTo
	pose, ok := store.BonePose(parent, bone)
	if !ok {
		return "", fmt.Errorf("bone %q on %s: %w", bone, parent, ErrGeometryMiss)
	}
	inv, ok := pose.Inverse()
	if !ok {
		return "", fmt.Errorf("bone %q on %s is singular: %w", bone, parent, ErrGeometryMiss)
	}
	if err := store.AddChildOf(child, scene.ChildOf{Target: parent, Subtarget: bone, Inverse: inv}); err != nil {
		return "", err
	}
	return parent, nil
}
