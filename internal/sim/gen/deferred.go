package gen

import (
	"fmt"

	"crowdmaster.ai/internal/sim/model"
	"crowdmaster.ai/internal/sim/scene"
)

// DefaultSettings returns the settings a freshly created node of kind k
// starts from.
func DefaultSettings(k Kind) Settings {
	s := Settings{}
	switch k {
	case KindGeoSwitch, KindTemplateSwitch:
		s.SwitchAmount = 0.5
	case KindParent:
		s.ParentTo = "Bone"
	case KindAgent:
		s.BrainType = "default"
	case KindRandom:
		s.MinRandSz, s.MaxRandSz = 1, 1
	case KindRandomPositioning:
		s.NoToPlace = 1
		s.LocationType = LocationRadius
		s.Radius = 1
		s.RelaxRadius = 1
		s.RelaxIterations = 1
	case KindFormation:
		s.NoToPlace = 1
		s.Rows = 1
		s.RowMargin, s.ColumnMargin = 1, 1
	case KindTarget:
		s.TargetType = TargetObject
	case KindObstacle:
		s.ObstacleShape = ShapeBox
	case KindSetTag:
		s.TagValue = 1
	}
	return s
}

// ResolveDeferred turns every placeholder left by a deferred build into full
// geometry. The placeholder stays in place as the agent's identity: object
// placeholders receive a copy parented to them, armature placeholders receive
// the rest of their source group with armature modifiers rebound to them.
// It returns the number of placeholders resolved.
func ResolveDeferred(store scene.Store) (int, error) {
	resolved := 0
	for _, name := range store.Objects() {
		o, ok := store.Object(name)
		if !ok || o.Deferred == nil {
			continue
		}
		d := *o.Deferred
		owners := store.GroupsOf(name)
		var err error
		switch {
		case d.Object != "":
			err = resolveObject(store, name, d.Object, owners)
		case d.Group != "":
			err = resolveGroup(store, name, d, owners)
		default:
			err = fmt.Errorf("placeholder names no source")
		}
		if err != nil {
			return resolved, fmt.Errorf("resolve %s: %w", name, err)
		}
		if err := store.SetDeferred(name, nil); err != nil {
			return resolved, err
		}
		resolved++
	}
	return resolved, nil
}

func resolveObject(store scene.Store, placeholder, src string, owners []string) error {
	cp, err := store.CopyObject(src)
	if err != nil {
		return err
	}
	if err := store.SetTransform(cp, model.IdentityTransform()); err != nil {
		return err
	}
	if err := store.SetParent(cp, placeholder); err != nil {
		return err
	}
	return link(store, cp, owners)
}

func resolveGroup(store scene.Store, placeholder string, d scene.Deferred, owners []string) error {
	arm, ok := store.Object(d.Armature)
	if !ok {
		return fmt.Errorf("armature %q: %w", d.Armature, scene.ErrNoObject)
	}
	members := store.GroupObjects(d.Group)
	copies := map[string]string{d.Armature: placeholder}
	for _, m := range members {
		if m == d.Armature {
			continue
		}
		cp, err := store.CopyObject(m)
		if err != nil {
			return err
		}
		copies[m] = cp
	}
	for _, m := range members {
		if m == d.Armature {
			continue
		}
		o, _ := store.Object(m)
		cp := copies[m]
		parent, inGroup := copies[o.Parent]
		if !inGroup || o.Parent == "" {
			// Top-level members keep their offset from the source armature.
			t := o.Transform
			t.Location = t.Location.Sub(arm.Transform.Location)
			if err := store.SetTransform(cp, t); err != nil {
				return err
			}
			parent = placeholder
		}
		if err := store.SetParent(cp, parent); err != nil {
			return err
		}
		if o.HasArmatureModifier {
			target := placeholder
			if t, ok := copies[o.ArmatureTarget]; ok {
				target = t
			}
			if err := store.SetArmatureTarget(cp, target); err != nil {
				return err
			}
		}
		if err := link(store, cp, owners); err != nil {
			return err
		}
	}
	return nil
}

func link(store scene.Store, object string, groups []string) error {
	for _, g := range groups {
		if err := store.LinkToGroup(g, object); err != nil {
			return err
		}
	}
	return nil
}
