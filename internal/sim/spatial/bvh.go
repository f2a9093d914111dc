package spatial

import (
	"math"
	"sort"

	"crowdmaster.ai/internal/sim/mathx"
)

const bvhLeafSize = 4

type Hit struct {
	Point    mathx.Vec3
	Normal   mathx.Vec3
	Distance float64
	Index    int // triangle index
}

type bvhNode struct {
	lo, hi       mathx.Vec3
	left, right  int // child node indices; -1 for leaves
	start, count int // range into order for leaves
}

// BVH is a bounding volume hierarchy over triangles for nearest-hit ray
// casts. It is immutable once built and safe for concurrent readers.
type BVH struct {
	tris  [][3]mathx.Vec3
	order []int
	nodes []bvhNode
}

func NewBVH(tris [][3]mathx.Vec3) *BVH {
	b := &BVH{tris: append([][3]mathx.Vec3(nil), tris...)}
	if len(b.tris) == 0 {
		return b
	}
	b.order = make([]int, len(b.tris))
	for i := range b.order {
		b.order[i] = i
	}
	b.build(0, len(b.order))
	return b
}

func (b *BVH) Len() int { return len(b.tris) }

func triBounds(t [3]mathx.Vec3) (lo, hi mathx.Vec3) {
	return t[0].Min(t[1]).Min(t[2]), t[0].Max(t[1]).Max(t[2])
}

func centroid(t [3]mathx.Vec3) mathx.Vec3 {
	return t[0].Add(t[1]).Add(t[2]).Scale(1.0 / 3)
}

func (b *BVH) build(start, end int) int {
	lo, hi := triBounds(b.tris[b.order[start]])
	for _, i := range b.order[start+1 : end] {
		l, h := triBounds(b.tris[i])
		lo, hi = lo.Min(l), hi.Max(h)
	}
	idx := len(b.nodes)
	b.nodes = append(b.nodes, bvhNode{lo: lo, hi: hi, left: -1, right: -1, start: start, count: end - start})
	if end-start <= bvhLeafSize {
		return idx
	}

	ext := hi.Sub(lo)
	axis := 0
	if ext.Y > ext.Axis(axis) {
		axis = 1
	}
	if ext.Z > ext.Axis(axis) {
		axis = 2
	}
	span := b.order[start:end]
	sort.Slice(span, func(i, j int) bool {
		return centroid(b.tris[span[i]]).Axis(axis) < centroid(b.tris[span[j]]).Axis(axis)
	})
	mid := start + (end-start)/2
	left := b.build(start, mid)
	right := b.build(mid, end)
	b.nodes[idx].left = left
	b.nodes[idx].right = right
	b.nodes[idx].count = 0
	return idx
}

// RayCast returns the nearest triangle hit along dir from origin. maxDist
// <= 0 means unbounded.
func (b *BVH) RayCast(origin, dir mathx.Vec3, maxDist float64) (Hit, bool) {
	if b == nil || len(b.nodes) == 0 {
		return Hit{}, false
	}
	dir = dir.Normalize()
	best := math.Inf(1)
	if maxDist > 0 {
		best = maxDist
	}
	var hit Hit
	found := false

	stack := []int{0}
	for len(stack) > 0 {
		ni := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n := b.nodes[ni]
		if !rayBox(origin, dir, n.lo, n.hi, best) {
			continue
		}
		if n.left < 0 {
			for _, ti := range b.order[n.start : n.start+n.count] {
				if d, ok := rayTriangle(origin, dir, b.tris[ti]); ok && d < best {
					best = d
					t := b.tris[ti]
					hit = Hit{
						Point:    origin.Add(dir.Scale(d)),
						Normal:   t[1].Sub(t[0]).Cross(t[2].Sub(t[0])).Normalize(),
						Distance: d,
						Index:    ti,
					}
					found = true
				}
			}
			continue
		}
		stack = append(stack, n.left, n.right)
	}
	return hit, found
}

// rayBox is the slab test clipped to [0, maxT].
func rayBox(o, d, lo, hi mathx.Vec3, maxT float64) bool {
	tmin, tmax := 0.0, maxT
	for axis := 0; axis < 3; axis++ {
		oa, da := o.Axis(axis), d.Axis(axis)
		la, ha := lo.Axis(axis), hi.Axis(axis)
		if da == 0 {
			if oa < la || oa > ha {
				return false
			}
			continue
		}
		t1 := (la - oa) / da
		t2 := (ha - oa) / da
		if t1 > t2 {
			t1, t2 = t2, t1
		}
		tmin = math.Max(tmin, t1)
		tmax = math.Min(tmax, t2)
		if tmin > tmax {
			return false
		}
	}
	return true
}

// rayTriangle is a two-sided Möller-Trumbore intersection.
func rayTriangle(o, d mathx.Vec3, t [3]mathx.Vec3) (float64, bool) {
	const eps = 1e-12
	e1 := t[1].Sub(t[0])
	e2 := t[2].Sub(t[0])
	p := d.Cross(e2)
	det := e1.Dot(p)
	if math.Abs(det) < eps {
		return 0, false
	}
	inv := 1 / det
	s := o.Sub(t[0])
	u := s.Dot(p) * inv
	if u < 0 || u > 1 {
		return 0, false
	}
	q := s.Cross(e1)
	v := d.Dot(q) * inv
	if v < 0 || u+v > 1 {
		return 0, false
	}
	dist := e2.Dot(q) * inv
	if dist < 0 {
		return 0, false
	}
	return dist, true
}
