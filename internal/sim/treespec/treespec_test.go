package treespec

import (
	"errors"
	"math/rand"
	"strings"
	"testing"

	"crowdmaster.ai/internal/sim/gen"
	"crowdmaster.ai/internal/sim/groups"
	"crowdmaster.ai/internal/sim/scene"
)

const formationDoc = `
root: crowd
nodes:
  - id: crowd
    kind: FormationPositionNodeType
    inputs: {Template: tagged}
    settings: {no_to_place: 4, rows: 2}
  - id: tagged
    kind: set_tag
    inputs: {Template: spawn}
    settings: {tag_name: team, tag_value: 3}
  - id: spawn
    kind: agent
    inputs: {Objects: body}
    settings: {brain_type: walker}
  - id: body
    kind: object
    settings: {input_object: Man}
`

func TestParseBuildsLinkedTree(t *testing.T) {
	tree, err := Parse([]byte(formationDoc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if tree.Root.Kind != gen.KindFormation || len(tree.Nodes()) != 4 {
		t.Fatalf("root=%s nodes=%d", tree.Root.Kind, len(tree.Nodes()))
	}
	// Unset settings keep the kind defaults.
	if s := tree.Root.Settings; s.RowMargin != 1 || s.ColumnMargin != 1 || s.NoToPlace != 4 {
		t.Fatalf("formation settings %+v", s)
	}

	sc, err := scene.ParseFixture([]byte("objects:\n  - {name: Man, kind: MESH}\n"))
	if err != nil {
		t.Fatalf("ParseFixture: %v", err)
	}
	reg := groups.NewRegistry()
	rep, err := tree.Build(gen.Env{Scene: sc, Groups: reg, Rand: rand.New(rand.NewSource(1))}, gen.NewRequest(""))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if rep.Agents != 4 {
		t.Fatalf("agents=%d", rep.Agents)
	}
	g, _ := reg.Get(groups.DefaultGroup)
	if g.AgentTypes[0].Agents[0].Tags["team"] != 3 {
		t.Fatalf("tags not seeded: %+v", g.AgentTypes[0].Agents[0])
	}
}

func TestParseRejects(t *testing.T) {
	cases := map[string]string{
		"schema: unknown setting": `
root: a
nodes:
  - {id: a, kind: combine, settings: {bogus: 1}}
`,
		"schema: rows below one": `
root: a
nodes:
  - {id: a, kind: formation, settings: {rows: 0}}
`,
		"unknown kind": `
root: a
nodes:
  - {id: a, kind: teleport}
`,
		"duplicate id": `
root: a
nodes:
  - {id: a, kind: combine}
  - {id: a, kind: combine}
`,
		"dangling input": `
root: a
nodes:
  - {id: a, kind: offset, inputs: {Template: b}}
`,
		"missing root": `
root: z
nodes:
  - {id: a, kind: combine}
`,
	}
	for name, doc := range cases {
		_, err := Parse([]byte(strings.TrimSpace(doc)))
		if !errors.Is(err, gen.ErrConfiguration) {
			t.Fatalf("%s: expected configuration error, got %v", name, err)
		}
	}
}

func TestSchemaCompiles(t *testing.T) {
	if _, err := compiled(); err != nil {
		t.Fatalf("embedded schema: %v", err)
	}
}
