// Package treespec loads generation trees from YAML documents.
//
//	root: crowd
//	nodes:
//	  - id: crowd
//	    kind: formation
//	    inputs: {Template: spawn}
//	    settings: {no_to_place: 10, rows: 2, row_margin: 1.5, column_margin: 1.5}
//	  - id: spawn
//	    kind: agent
//	    inputs: {Objects: body}
//	    settings: {brain_type: walker}
//	  - id: body
//	    kind: object
//	    settings: {input_object: Man}
//
// Kinds accept either the short name or the node editor's type identifier.
// Settings omitted from a node keep the kind's defaults.
package treespec

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"crowdmaster.ai/internal/sim/gen"
)

//go:embed tree.schema.json
var schemaJSON string

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiled() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = jsonschema.CompileString("tree.schema.json", schemaJSON)
	})
	return schema, schemaErr
}

type Document struct {
	Root  string     `yaml:"root"`
	Nodes []NodeSpec `yaml:"nodes"`
}

type NodeSpec struct {
	ID       string            `yaml:"id"`
	Kind     string            `yaml:"kind"`
	Inputs   map[string]string `yaml:"inputs,omitempty"`
	Settings yaml.Node         `yaml:"settings,omitempty"`
}

func Load(path string) (*gen.Tree, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Parse checks b against the tree schema and assembles the nodes. The
// result still has to pass Tree.Validate against a scene before it builds.
func Parse(b []byte) (*gen.Tree, error) {
	if err := validate(b); err != nil {
		return nil, err
	}
	var doc Document
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("tree: %w", err)
	}
	return doc.Assemble()
}

func validate(b []byte) error {
	var raw any
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("tree: %w", err)
	}
	js, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("tree: %w", err)
	}
	var v any
	if err := json.Unmarshal(js, &v); err != nil {
		return fmt.Errorf("tree: %w", err)
	}
	s, err := compiled()
	if err != nil {
		return fmt.Errorf("tree schema: %w", err)
	}
	if err := s.Validate(v); err != nil {
		return &gen.ConfigError{Kind: gen.KindInvalid, Reason: err.Error()}
	}
	return nil
}

// Assemble resolves ids into a linked tree rooted at d.Root.
func (d Document) Assemble() (*gen.Tree, error) {
	nodes := make(map[string]*gen.Node, len(d.Nodes))
	for _, ns := range d.Nodes {
		kind, ok := gen.ParseKind(ns.Kind)
		if !ok {
			return nil, &gen.ConfigError{Node: ns.ID, Reason: fmt.Sprintf("unknown kind %q", ns.Kind)}
		}
		if _, dup := nodes[ns.ID]; dup {
			return nil, &gen.ConfigError{Node: ns.ID, Kind: kind, Reason: "duplicate node id"}
		}
		settings := gen.DefaultSettings(kind)
		if !ns.Settings.IsZero() {
			if err := ns.Settings.Decode(&settings); err != nil {
				return nil, &gen.ConfigError{Node: ns.ID, Kind: kind, Reason: err.Error()}
			}
		}
		nodes[ns.ID] = gen.NewNode(ns.ID, kind, settings)
	}
	for _, ns := range d.Nodes {
		n := nodes[ns.ID]
		for slot, id := range ns.Inputs {
			child, ok := nodes[id]
			if !ok {
				return nil, &gen.ConfigError{Node: ns.ID, Kind: n.Kind, Reason: fmt.Sprintf("input %q references unknown node %q", slot, id)}
			}
			n.Connect(slot, child)
		}
	}
	root, ok := nodes[d.Root]
	if !ok {
		return nil, &gen.ConfigError{Node: d.Root, Reason: "root node not defined"}
	}
	return &gen.Tree{Root: root}, nil
}
