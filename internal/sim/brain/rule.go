package brain

import (
	"fmt"
	"math"
	"sort"

	"crowdmaster.ai/internal/sim/model"
)

// Reductions understood by a Rule.
const (
	ReduceSum     = "sum"
	ReduceCount   = "count"
	ReduceMean    = "mean"
	ReduceMax     = "max"
	ReduceMin     = "min"
	ReduceBearing = "bearing" // signed heading error toward the peers' centroid
)

// Spec configures a rule-driven brain. Outvars and Tags are constants
// applied every frame before the rules run.
type Spec struct {
	Outvars map[string]float64 `yaml:"outvars,omitempty"`
	Tags    map[string]float64 `yaml:"tags,omitempty"`
	Rules   []Rule             `yaml:"rules,omitempty"`
}

// Rule reduces what peers published on a channel suffix during the previous
// frame and adds Scale times the result to an outvar or a tag. The agent's
// own registration is excluded.
type Rule struct {
	Channel string  `yaml:"channel"`
	Suffix  string  `yaml:"suffix,omitempty"`
	Reduce  string  `yaml:"reduce,omitempty"`
	Scale   float64 `yaml:"scale,omitempty"`
	Out     string  `yaml:"out,omitempty"`
	Tag     string  `yaml:"tag,omitempty"`
}

var outvarNames = map[string]bool{
	model.OutRX: true, model.OutRY: true, model.OutRZ: true,
	model.OutPX: true, model.OutPY: true, model.OutPZ: true,
}

func (s Spec) Validate() error {
	for k := range s.Outvars {
		if !outvarNames[k] {
			return fmt.Errorf("unknown outvar %q", k)
		}
	}
	for i, r := range s.Rules {
		switch r.Reduce {
		case "", ReduceSum, ReduceCount, ReduceMean, ReduceMax, ReduceMin, ReduceBearing:
		default:
			return fmt.Errorf("rule %d: unknown reduce %q", i, r.Reduce)
		}
		if r.Channel == "" {
			return fmt.Errorf("rule %d: channel is required", i)
		}
		if (r.Out == "") == (r.Tag == "") {
			return fmt.Errorf("rule %d: exactly one of out and tag must be set", i)
		}
		if r.Out != "" && !outvarNames[r.Out] {
			return fmt.Errorf("rule %d: unknown outvar %q", i, r.Out)
		}
	}
	return nil
}

// Factory returns a factory compiling s for each agent.
func (s Spec) Factory() Factory {
	return func(id string, env Env) (Brain, error) {
		if err := s.Validate(); err != nil {
			return nil, err
		}
		return &ruleBrain{id: id, env: env, spec: s, agvars: map[string]float64{}}, nil
	}
}

// RegistryFromSpecs registers one rule brain per entry.
func RegistryFromSpecs(specs map[string]Spec) (*Registry, error) {
	r := NewRegistry()
	names := make([]string, 0, len(specs))
	for n := range specs {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		if err := specs[n].Validate(); err != nil {
			return nil, fmt.Errorf("brain %s: %w", n, err)
		}
		r.Register(n, specs[n].Factory())
	}
	return r, nil
}

type ruleBrain struct {
	id   string
	env  Env
	spec Spec

	tags    model.Tags
	outvars map[string]float64
	agvars  map[string]float64
}

func (b *ruleBrain) Tags() model.Tags            { return b.tags }
func (b *ruleBrain) Outvars() map[string]float64 { return b.outvars }
func (b *ruleBrain) Agvars() map[string]float64  { return b.agvars }

func (b *ruleBrain) Execute() {
	b.outvars = make(map[string]float64, len(b.spec.Outvars))
	for k, v := range b.spec.Outvars {
		b.outvars[k] = v
	}
	b.tags = model.Tags(b.spec.Tags).Clone()
	for i, r := range b.spec.Rules {
		v, ok := b.evaluate(r)
		if !ok {
			continue
		}
		scale := r.Scale
		if scale == 0 {
			scale = 1
		}
		b.agvars[fmt.Sprintf("rule%d", i)] = v
		if r.Out != "" {
			b.outvars[r.Out] += scale * v
		} else {
			b.tags[r.Tag] += scale * v
		}
	}
}

func (b *ruleBrain) evaluate(r Rule) (float64, bool) {
	ch, ok := b.env.Channel(r.Channel)
	if !ok {
		return 0, false
	}
	vals := ch.Values(r.Suffix)
	delete(vals, b.id)
	switch r.Reduce {
	case ReduceCount:
		return float64(len(vals)), true
	case ReduceBearing:
		return b.bearing(vals)
	}
	if len(vals) == 0 {
		return 0, false
	}
	sum, lo, hi := 0.0, math.Inf(1), math.Inf(-1)
	for _, v := range vals {
		sum += v
		lo, hi = math.Min(lo, v), math.Max(hi, v)
	}
	switch r.Reduce {
	case ReduceMean:
		return sum / float64(len(vals)), true
	case ReduceMax:
		return hi, true
	case ReduceMin:
		return lo, true
	}
	return sum, true
}

// bearing is the signed angle in the XY plane from the agent's facing (local
// +Y turned by rotation Z) to the centroid of the peers in vals.
func (b *ruleBrain) bearing(vals map[string]float64) (float64, bool) {
	self, ok := b.env.Self(b.id)
	if !ok || len(vals) == 0 {
		return 0, false
	}
	var cx, cy float64
	n := 0
	for id := range vals {
		p, ok := b.env.Peer(id)
		if !ok {
			continue
		}
		cx += p.Location.X
		cy += p.Location.Y
		n++
	}
	if n == 0 {
		return 0, false
	}
	dx := cx/float64(n) - self.Location.X
	dy := cy/float64(n) - self.Location.Y
	if dx == 0 && dy == 0 {
		return 0, false
	}
	want := math.Atan2(-dx, dy)
	diff := want - self.Rotation.Z
	return math.Remainder(diff, 2*math.Pi), true
}
