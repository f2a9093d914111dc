package log

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"crowdmaster.ai/internal/sim/engine"
	"crowdmaster.ai/internal/sim/gen"
	"crowdmaster.ai/internal/sim/mathx"
)

func TestFrameLogRoundTripAcrossRotation(t *testing.T) {
	dir := t.TempDir()
	l := NewFrameLogger(dir)
	clock := time.Date(2026, 3, 1, 10, 59, 0, 0, time.UTC)
	l.w.now = func() time.Time { return clock }

	for f := 2; f <= 5; f++ {
		if f == 4 {
			clock = clock.Add(2 * time.Minute)
		}
		fr := engine.Frame{RunID: "r1", Frame: f, Agents: []engine.AgentFrame{{ID: "A", Location: mathx.V(0, float64(f), 0)}}}
		if err := l.RecordFrame(fr); err != nil {
			t.Fatalf("RecordFrame: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if l.Frames() != 4 {
		t.Fatalf("Frames=%d", l.Frames())
	}

	files, err := Files(filepath.Join(dir, "frames"), "frames")
	if err != nil {
		t.Fatalf("Files: %v", err)
	}
	if len(files) != 2 || filepath.Base(files[0]) != "frames-2026-03-01-10.jsonl.zst" {
		t.Fatalf("files %v", files)
	}

	var got []int
	err = ReadFrames(dir, func(f engine.Frame) error {
		if f.RunID != "r1" || f.Agents[0].Location.Y != float64(f.Frame) {
			t.Fatalf("frame %+v", f)
		}
		got = append(got, f.Frame)
		return nil
	})
	if err != nil {
		t.Fatalf("ReadFrames: %v", err)
	}
	if len(got) != 4 || got[0] != 2 || got[3] != 5 {
		t.Fatalf("frames %v", got)
	}
}

func TestWriterAppendsAfterReopen(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 2; i++ {
		l := NewRunLogger(dir)
		if err := l.RecordRun(gen.Report{RunID: "run", Agents: i + 1}); err != nil {
			t.Fatalf("RecordRun: %v", err)
		}
		if err := l.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}
	var agents []int
	if err := ReadRuns(dir, func(r gen.Report) error {
		agents = append(agents, r.Agents)
		return nil
	}); err != nil {
		t.Fatalf("ReadRuns: %v", err)
	}
	if len(agents) != 2 || agents[0] != 1 || agents[1] != 2 {
		t.Fatalf("runs %v", agents)
	}
}

func TestReadFramesEmptyDir(t *testing.T) {
	n := 0
	if err := ReadFrames(t.TempDir(), func(engine.Frame) error { n++; return nil }); err != nil || n != 0 {
		t.Fatalf("ReadFrames on empty dir: n=%d err=%v", n, err)
	}
}

func TestReadLinesRejectsCorruptFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "frames-x.jsonl.zst")
	if err := os.WriteFile(p, []byte("not zstd"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := ReadLines(p, func(engine.Frame) error { return nil }); err == nil {
		t.Fatalf("expected decode error")
	}
}
