package tuning

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"crowdmaster.ai/internal/sim/brain"
	"crowdmaster.ai/internal/sim/groups"
)

type Tuning struct {
	FrameStart int     `yaml:"frame_start"`
	FrameEnd   int     `yaml:"frame_end"`
	FPS        int     `yaml:"fps"`
	Epsilon    float64 `yaml:"epsilon"`
	Workers    int     `yaml:"workers"`
	Seed       int64   `yaml:"seed"`
	RootGroup  string  `yaml:"root_group"`
	Debug      bool    `yaml:"debug"`

	Brains map[string]brain.Spec `yaml:"brains"`

	Observer    Observer    `yaml:"observer"`
	Persistence Persistence `yaml:"persistence"`
}

type Observer struct {
	// Listen is empty to disable the observer server.
	Listen  string `yaml:"listen"`
	History int    `yaml:"history"`
}

type Persistence struct {
	DataDir   string `yaml:"data_dir"`
	DisableDB bool   `yaml:"disable_db"`
}

func Defaults() Tuning {
	return Tuning{
		FrameStart: 1,
		FrameEnd:   250,
		FPS:        24,
		Epsilon:    1e-6,
		Seed:       1337,
		RootGroup:  groups.DefaultGroup,
		Observer:   Observer{History: 64},
		Persistence: Persistence{
			DataDir: "data",
		},
	}
}

func Load(path string) (Tuning, error) {
	t := Defaults()
	if strings.TrimSpace(path) == "" {
		t.Normalize()
		return t, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("crowd.yaml: %w", err)
	}
	t.Normalize()
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("crowd.yaml: %w", err)
	}
	return t, nil
}

func (t *Tuning) Normalize() {
	if t == nil {
		return
	}
	t.RootGroup = strings.TrimSpace(t.RootGroup)
	if t.RootGroup == "" {
		t.RootGroup = groups.DefaultGroup
	}
	if t.Epsilon <= 0 {
		t.Epsilon = 1e-6
	}
	if t.Workers < 0 {
		t.Workers = 0
	}
	if t.Observer.History <= 0 {
		t.Observer.History = 64
	}
}

func (t Tuning) Validate() error {
	if t.FrameEnd < t.FrameStart {
		return fmt.Errorf("frame_end %d is before frame_start %d", t.FrameEnd, t.FrameStart)
	}
	if t.FPS < 0 {
		return fmt.Errorf("fps must be >= 0")
	}
	for name, spec := range t.Brains {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("brains: empty brain type")
		}
		if err := spec.Validate(); err != nil {
			return fmt.Errorf("brain %s: %w", name, err)
		}
	}
	return nil
}
