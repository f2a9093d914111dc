package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/dustin/go-humanize"

	persistlog "crowdmaster.ai/internal/persistence/log"
	"crowdmaster.ai/internal/persistence/snapshot"
	"crowdmaster.ai/internal/sim/engine"
	"crowdmaster.ai/internal/sim/gen"
)

type runSummary struct {
	id         string
	first      int
	last       int
	frames     int
	gaps       int
	keys       int
	keysBy     map[string]int
	final      map[string]engine.AgentFrame
	elapsedSum int64
}

func main() {
	var (
		dataDir   = flag.String("data", "./data", "runtime data directory containing frames/ and runs/")
		runID     = flag.String("run", "", "only summarize this simulation run id (optional)")
		perAgent  = flag.Bool("agents", false, "print the final transform and keyframe count of every agent")
		showBuild = flag.Bool("builds", true, "print generation run reports")
		snapPath  = flag.String("snapshot", "", "also summarize this .snap.zst scene snapshot (optional)")
	)
	flag.Parse()

	if *snapPath != "" {
		snap, err := snapshot.ReadSnapshot(*snapPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read snapshot:", err)
			os.Exit(1)
		}
		keys := 0
		for _, k := range snap.Scene.Keys {
			keys += len(k)
		}
		fmt.Printf("snapshot v%d run=%s frame=%d objects=%s groups=%s keyframes=%s\n",
			snap.Header.Version, snap.Header.RunID, snap.Header.Frame,
			humanize.Comma(int64(snap.Header.Objects)), humanize.Comma(int64(snap.Header.Groups)), humanize.Comma(int64(keys)))
	}

	files, err := persistlog.Files(filepath.Join(*dataDir, "frames"), "frames")
	if err != nil {
		fmt.Fprintln(os.Stderr, "list frames:", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "no frame logs found in", filepath.Join(*dataDir, "frames"))
		os.Exit(1)
	}
	var size uint64
	for _, p := range files {
		if info, err := os.Stat(p); err == nil {
			size += uint64(info.Size())
		}
	}
	fmt.Printf("frame logs: %d files, %s\n", len(files), humanize.Bytes(size))

	if *showBuild {
		err := persistlog.ReadRuns(*dataDir, func(r gen.Report) error {
			fmt.Printf("build %s: agents=%s dropped=%s objects=%s deferred=%d\n",
				r.RunID, humanize.Comma(int64(r.Agents)), humanize.Comma(int64(r.Dropped)), humanize.Comma(int64(r.Geometry)), r.Deferred)
			return nil
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, "read runs:", err)
			os.Exit(1)
		}
	}

	runs := map[string]*runSummary{}
	var order []string
	err = persistlog.ReadFrames(*dataDir, func(f engine.Frame) error {
		if *runID != "" && f.RunID != *runID {
			return nil
		}
		rs := runs[f.RunID]
		if rs == nil {
			rs = &runSummary{id: f.RunID, first: f.Frame, last: f.Frame - 1, keysBy: map[string]int{}, final: map[string]engine.AgentFrame{}}
			runs[f.RunID] = rs
			order = append(order, f.RunID)
		}
		if f.Frame != rs.last+1 {
			rs.gaps++
		}
		rs.last = f.Frame
		rs.frames++
		rs.keys += len(f.Keys)
		rs.elapsedSum += f.Elapsed.Nanoseconds()
		for _, k := range f.Keys {
			rs.keysBy[k.Object]++
		}
		for _, a := range f.Agents {
			rs.final[a.ID] = a
		}
		return nil
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "replay:", err)
		os.Exit(1)
	}
	if len(order) == 0 {
		fmt.Fprintln(os.Stderr, "no frames matched")
		os.Exit(1)
	}

	for _, id := range order {
		rs := runs[id]
		spf := 0.0
		if rs.frames > 0 {
			spf = float64(rs.elapsedSum) / float64(rs.frames) / 1e9
		}
		fmt.Printf("run %s: frames %d..%d (%s stepped, %d gaps), %s agents, %s keyframes, %.4fs per frame\n",
			rs.id, rs.first, rs.last, humanize.Comma(int64(rs.frames)), rs.gaps,
			humanize.Comma(int64(len(rs.final))), humanize.Comma(int64(rs.keys)), spf)
		if !*perAgent {
			continue
		}
		ids := make([]string, 0, len(rs.final))
		for a := range rs.final {
			ids = append(ids, a)
		}
		sort.Strings(ids)
		for _, a := range ids {
			s := rs.final[a]
			fmt.Printf("  %s loc=(%.3f, %.3f, %.3f) rot=(%.3f, %.3f, %.3f) keys=%d\n",
				a, s.Location.X, s.Location.Y, s.Location.Z, s.Rotation.X, s.Rotation.Y, s.Rotation.Z, rs.keysBy[a])
		}
	}
}
