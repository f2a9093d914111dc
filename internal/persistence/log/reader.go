package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/zstd"

	"crowdmaster.ai/internal/sim/engine"
	"crowdmaster.ai/internal/sim/gen"
)

// Files lists the rotated log files of prefix under dir, oldest first.
func Files(dir, prefix string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, prefix+"-*.jsonl.zst"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// ReadLines decodes every line of a compressed JSONL file into a fresh T and
// hands it to fn. Reading stops at the first error.
func ReadLines[T any](path string, fn func(T) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var v T
		if err := json.Unmarshal(sc.Bytes(), &v); err != nil {
			return fmt.Errorf("%s:%d: %w", filepath.Base(path), line, err)
		}
		if err := fn(v); err != nil {
			return err
		}
	}
	return sc.Err()
}

// ReadFrames replays every frame written by a FrameLogger rooted at dataDir.
func ReadFrames(dataDir string, fn func(engine.Frame) error) error {
	files, err := Files(filepath.Join(dataDir, "frames"), "frames")
	if err != nil {
		return err
	}
	for _, p := range files {
		if err := ReadLines(p, fn); err != nil {
			return err
		}
	}
	return nil
}

// ReadRuns replays every report written by a RunLogger rooted at dataDir.
func ReadRuns(dataDir string, fn func(gen.Report) error) error {
	files, err := Files(filepath.Join(dataDir, "runs"), "runs")
	if err != nil {
		return err
	}
	for _, p := range files {
		if err := ReadLines(p, fn); err != nil {
			return err
		}
	}
	return nil
}
