package spatial

import "crowdmaster.ai/internal/sim/mathx"

const (
	octreeMaxItems = 8
	octreeMaxDepth = 8
)

// Volume is an axis-aligned box (Half extents) or a sphere (Radius).
type Volume struct {
	Name   string
	Center mathx.Vec3
	Half   mathx.Vec3
	Radius float64
	Sphere bool
}

func (v Volume) Bounds() (lo, hi mathx.Vec3) {
	h := v.Half
	if v.Sphere {
		h = mathx.Splat(v.Radius)
	}
	return v.Center.Sub(h), v.Center.Add(h)
}

// Contains reports whether p lies inside or on the surface of v.
func (v Volume) Contains(p mathx.Vec3) bool {
	d := p.Sub(v.Center)
	if v.Sphere {
		return d.Dot(d) <= v.Radius*v.Radius
	}
	return abs(d.X) <= v.Half.X && abs(d.Y) <= v.Half.Y && abs(d.Z) <= v.Half.Z
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

type octNode struct {
	lo, hi   mathx.Vec3
	depth    int
	items    []int
	children *[8]octNode
}

// Octree answers point-in-any-volume queries. It is immutable once built
// and safe for concurrent readers.
type Octree struct {
	vols []Volume
	root *octNode
}

func NewOctree(vols []Volume) *Octree {
	t := &Octree{vols: append([]Volume(nil), vols...)}
	if len(t.vols) == 0 {
		return t
	}
	lo, hi := t.vols[0].Bounds()
	for _, v := range t.vols[1:] {
		l, h := v.Bounds()
		lo, hi = lo.Min(l), hi.Max(h)
	}
	// Cube the root so children stay well shaped.
	size := hi.Sub(lo).MaxComponent()
	if size <= 0 {
		size = 1
	}
	center := lo.Add(hi).Scale(0.5)
	half := mathx.Splat(size / 2)
	t.root = &octNode{lo: center.Sub(half), hi: center.Add(half)}
	for i := range t.vols {
		t.insert(t.root, i)
	}
	return t
}

func (t *Octree) Len() int { return len(t.vols) }

func (t *Octree) insert(n *octNode, idx int) {
	if n.children != nil {
		if c := n.childFor(t.vols[idx]); c != nil {
			t.insert(c, idx)
			return
		}
		n.items = append(n.items, idx)
		return
	}
	n.items = append(n.items, idx)
	if len(n.items) > octreeMaxItems && n.depth < octreeMaxDepth {
		n.split()
		items := n.items
		n.items = nil
		for _, i := range items {
			t.insert(n, i)
		}
	}
}

func (n *octNode) split() {
	mid := n.lo.Add(n.hi).Scale(0.5)
	var kids [8]octNode
	for i := 0; i < 8; i++ {
		lo, hi := n.lo, mid
		if i&1 != 0 {
			lo.X, hi.X = mid.X, n.hi.X
		}
		if i&2 != 0 {
			lo.Y, hi.Y = mid.Y, n.hi.Y
		}
		if i&4 != 0 {
			lo.Z, hi.Z = mid.Z, n.hi.Z
		}
		kids[i] = octNode{lo: lo, hi: hi, depth: n.depth + 1}
	}
	n.children = &kids
}

// childFor returns the child that fully contains v, or nil if v straddles.
func (n *octNode) childFor(v Volume) *octNode {
	lo, hi := v.Bounds()
	for i := range n.children {
		c := &n.children[i]
		if lo.X >= c.lo.X && lo.Y >= c.lo.Y && lo.Z >= c.lo.Z &&
			hi.X <= c.hi.X && hi.Y <= c.hi.Y && hi.Z <= c.hi.Z {
			return c
		}
	}
	return nil
}

func (n *octNode) contains(p mathx.Vec3) bool {
	return p.X >= n.lo.X && p.Y >= n.lo.Y && p.Z >= n.lo.Z &&
		p.X <= n.hi.X && p.Y <= n.hi.Y && p.Z <= n.hi.Z
}

// CheckPoint returns every volume containing p.
func (t *Octree) CheckPoint(p mathx.Vec3) []Volume {
	if t == nil || t.root == nil {
		return nil
	}
	var out []Volume
	stack := []*octNode{t.root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !n.contains(p) {
			continue
		}
		for _, i := range n.items {
			if t.vols[i].Contains(p) {
				out = append(out, t.vols[i])
			}
		}
		if n.children != nil {
			// p may sit on a shared face, so every touching child is visited.
			for i := range n.children {
				stack = append(stack, &n.children[i])
			}
		}
	}
	return out
}
