package log

import (
	"path/filepath"

	"crowdmaster.ai/internal/sim/engine"
	"crowdmaster.ai/internal/sim/gen"
)

// FrameLogger writes one JSONL entry per simulated frame (compressed).
type FrameLogger struct{ w *JSONLZstdWriter }

func NewFrameLogger(dataDir string) *FrameLogger {
	return &FrameLogger{w: NewJSONLZstdWriter(filepath.Join(dataDir, "frames"), "frames")}
}

func (l *FrameLogger) RecordFrame(f engine.Frame) error { return l.w.Write(f) }
func (l *FrameLogger) Frames() int64                    { return l.w.Lines() }
func (l *FrameLogger) Close() error                     { return l.w.Close() }

// RunLogger writes one JSONL entry per generation run (compressed).
type RunLogger struct{ w *JSONLZstdWriter }

func NewRunLogger(dataDir string) *RunLogger {
	return &RunLogger{w: NewJSONLZstdWriter(filepath.Join(dataDir, "runs"), "runs")}
}

func (l *RunLogger) RecordRun(r gen.Report) error { return l.w.Write(r) }
func (l *RunLogger) Close() error                 { return l.w.Close() }
