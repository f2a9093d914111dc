package gen

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/google/uuid"

	"crowdmaster.ai/internal/sim/groups"
	"crowdmaster.ai/internal/sim/scene"
)

// ErrGeometryMiss marks a placement that produced no geometry. It is
// counted in Report.Dropped and never returned from Build.
var ErrGeometryMiss = errors.New("geometry miss")

// Env bundles the collaborators a tree is checked and built against.
type Env struct {
	Scene  scene.Store
	Groups *groups.Registry
	Rand   *rand.Rand
}

// Report summarizes one generation run.
type Report struct {
	RunID    string `json:"run_id"`
	Agents   int    `json:"agents"`
	Dropped  int    `json:"dropped"`
	Geometry int    `json:"geometry"`
	Deferred int    `json:"deferred"`
}

// Tree is an acyclic composition of nodes with one template root.
type Tree struct {
	Root *Node
}

// Validate checks every reachable node. It returns a *ConfigError for the
// first failure found (depth first, slots in lexical order), including
// cycles and a geometry root.
func (t *Tree) Validate(store scene.Store) error {
	if t == nil || t.Root == nil {
		return &ConfigError{Node: "", Kind: KindInvalid, Reason: "tree has no root"}
	}
	if t.Root.Kind.IsGeo() {
		return &ConfigError{Node: t.Root.Name, Kind: t.Root.Kind, Reason: "root must be a template node"}
	}
	const (
		visiting = 1
		done     = 2
	)
	state := map[*Node]int{}
	var walk func(n *Node) error
	walk = func(n *Node) error {
		switch state[n] {
		case visiting:
			return &ConfigError{Node: n.Name, Kind: n.Kind, Reason: "cycle detected"}
		case done:
			return nil
		}
		state[n] = visiting
		if r := n.checkReason(store); r != "" {
			return &ConfigError{Node: n.Name, Kind: n.Kind, Reason: r}
		}
		for _, slot := range n.slots() {
			if err := walk(n.Inputs[slot]); err != nil {
				return err
			}
		}
		state[n] = done
		return nil
	}
	return walk(t.Root)
}

// Nodes returns every reachable node once, in depth-first order.
func (t *Tree) Nodes() []*Node {
	if t == nil || t.Root == nil {
		return nil
	}
	seen := map[*Node]bool{}
	var out []*Node
	var walk func(n *Node)
	walk = func(n *Node) {
		if n == nil || seen[n] {
			return
		}
		seen[n] = true
		out = append(out, n)
		for _, slot := range n.slots() {
			walk(n.Inputs[slot])
		}
	}
	walk(t.Root)
	return out
}

// Build validates the whole tree and, only if it is valid, runs it once
// with req. Builds are synchronous and must not overlap with each other or
// with a simulation step.
func (t *Tree) Build(env Env, req Request) (Report, error) {
	if err := t.Validate(env.Scene); err != nil {
		return Report{}, err
	}
	if env.Groups == nil {
		env.Groups = groups.NewRegistry()
	}
	if env.Rand == nil {
		env.Rand = rand.New(rand.NewSource(1))
	}
	if req.Scale == 0 {
		req.Scale = 1
	}
	if req.Group == "" {
		req.Group = groups.DefaultGroup
	}
	if req.Tags == nil {
		req.Tags = map[string]float64{}
	}
	bc := &buildCtx{
		env:     env,
		report:  Report{RunID: uuid.NewString()},
		claimed: map[string]bool{},
	}
	if err := t.Root.build(bc, req); err != nil {
		return bc.report, fmt.Errorf("build %s: %w", t.Root.Name, err)
	}
	return bc.report, nil
}

type buildCtx struct {
	env    Env
	report Report
	// claimed holds groups an Add-to-group node already reset during this run.
	claimed map[string]bool
}

func (bc *buildCtx) drop() { bc.report.Dropped++ }
