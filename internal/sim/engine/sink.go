package engine

import (
	"time"

	"crowdmaster.ai/internal/sim/mathx"
	"crowdmaster.ai/internal/sim/model"
)

type AgentFrame struct {
	ID       string     `json:"id"`
	Location mathx.Vec3 `json:"location"`
	Rotation mathx.Vec3 `json:"rotation"`
	Tags     model.Tags `json:"tags,omitempty"`
}

// Frame is the record of one simulated frame handed to every sink.
type Frame struct {
	RunID         string        `json:"run_id"`
	Frame         int           `json:"frame"`
	Agents        []AgentFrame  `json:"agents"`
	Keys          []model.Key   `json:"keys,omitempty"`
	Registrations int           `json:"registrations"`
	Elapsed       time.Duration `json:"elapsed_ns"`
}

// FrameSink receives frames synchronously at the end of each step. Sink
// errors are logged and never abort the simulation.
type FrameSink interface {
	RecordFrame(f Frame) error
}

// SinkFunc adapts a function to FrameSink.
type SinkFunc func(f Frame) error

func (fn SinkFunc) RecordFrame(f Frame) error { return fn(f) }

func (e *Engine) snapshot(frame int, keys []model.Key, regs int, elapsed time.Duration) Frame {
	f := Frame{
		RunID:         e.runID,
		Frame:         frame,
		Agents:        make([]AgentFrame, 0, len(e.agents)),
		Keys:          keys,
		Registrations: regs,
		Elapsed:       elapsed,
	}
	for _, a := range e.agents {
		s := a.Access()
		f.Agents = append(f.Agents, AgentFrame{ID: s.ID, Location: s.Location, Rotation: s.Rotation, Tags: s.Tags.Clone()})
	}
	return f
}

func (e *Engine) emit(f Frame) {
	for _, s := range e.sinks {
		if err := s.RecordFrame(f); err != nil {
			e.log.Printf("frame %d: sink: %v", f.Frame, err)
		}
	}
}
