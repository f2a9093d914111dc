package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"crowdmaster.ai/internal/persistence/indexdb"
	persistlog "crowdmaster.ai/internal/persistence/log"
	"crowdmaster.ai/internal/persistence/snapshot"
	"crowdmaster.ai/internal/sim/crowd"
	"crowdmaster.ai/internal/sim/engine"
	"crowdmaster.ai/internal/sim/gen"
	"crowdmaster.ai/internal/sim/scene"
	"crowdmaster.ai/internal/sim/timeline"
	"crowdmaster.ai/internal/sim/treespec"
	"crowdmaster.ai/internal/sim/tuning"
	"crowdmaster.ai/internal/transport/observer"
)

func main() {
	var (
		tuningPath = flag.String("tuning", "./configs/crowd.yaml", "path to crowd.yaml (defaults are used if it does not exist)")
		scenePath  = flag.String("scene", "", "scene fixture yaml or .snap.zst snapshot")
		treePath   = flag.String("tree", "", "generation tree yaml")
		group      = flag.String("group", "", "destination group of the build (default: root_group)")
		dataDir    = flag.String("data", "", "runtime data directory (overrides persistence.data_dir)")
		listen     = flag.String("listen", "", "observer http listen address (overrides observer.listen)")
		frameEnd   = flag.Int("frames", 0, "last frame to simulate (overrides frame_end)")
		fps        = flag.Int("fps", -1, "playback rate; 0 runs as fast as possible (overrides fps)")
		resolve    = flag.Bool("resolve_deferred", false, "resolve deferred geometry after the build")
		hold       = flag.Bool("hold", false, "keep serving observers after the last frame until interrupted")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite index")
		saveSnap   = flag.Bool("save_snapshot", true, "write a scene snapshot to <data>/snapshots after the last frame")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[crowdsim] ", log.LstdFlags|log.Lmicroseconds)

	if strings.TrimSpace(*scenePath) == "" || strings.TrimSpace(*treePath) == "" {
		fmt.Fprintln(os.Stderr, "missing -scene or -tree")
		os.Exit(2)
	}

	tune, err := tuning.Load(*tuningPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Fatalf("load tuning: %v", err)
		}
		logger.Printf("tuning not found (%s); using defaults", *tuningPath)
		tune = tuning.Defaults()
	}
	if *dataDir != "" {
		tune.Persistence.DataDir = *dataDir
	}
	if *listen != "" {
		tune.Observer.Listen = *listen
	}
	if *frameEnd > 0 {
		tune.FrameEnd = *frameEnd
	}
	if *fps >= 0 {
		tune.FPS = *fps
	}
	if *disableDB {
		tune.Persistence.DisableDB = true
	}
	if err := tune.Validate(); err != nil {
		logger.Fatalf("tuning: %v", err)
	}

	store, err := loadScene(*scenePath)
	if err != nil {
		logger.Fatalf("load scene: %v", err)
	}
	tree, err := treespec.Load(*treePath)
	if err != nil {
		logger.Fatalf("load tree: %v", err)
	}

	_ = os.MkdirAll(tune.Persistence.DataDir, 0o755)
	frameLog := persistlog.NewFrameLogger(tune.Persistence.DataDir)
	defer frameLog.Close()
	runLog := persistlog.NewRunLogger(tune.Persistence.DataDir)
	defer runLog.Close()

	sinks := []engine.FrameSink{frameLog}
	runs := []crowd.RunRecorder{runLog}

	// Optional: read-model index (does not affect the simulation).
	idx, err := openRuntimeIndex(tune.Persistence.DataDir, tune.Persistence.DisableDB)
	if err != nil {
		logger.Fatalf("open index backend: %v", err)
	}
	if idx != nil {
		defer idx.Close()
		if err := idx.UpsertConfig("tuning", tune); err != nil {
			logger.Printf("index backend: upsert tuning: %v", err)
		}
		sinks = append(sinks, idx)
		runs = append(runs, idx)
	}

	var obs *observer.Server
	if tune.Observer.Listen != "" {
		obs = observer.NewServer(observer.Config{History: tune.Observer.History, FPS: tune.FPS}, logger)
		sinks = append(sinks, obs)
	}

	tl := timeline.New(tune.FrameStart)
	c, err := crowd.New(tune, crowd.Deps{
		Scene:  store,
		Clock:  tl,
		Logger: logger,
		Sinks:  sinks,
		Runs:   runs,
	})
	if err != nil {
		logger.Fatalf("crowd: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	var srv *http.Server
	if obs != nil {
		srv = startHTTP(tune.Observer.Listen, obs, c, idx, logger)
	}

	rep, err := c.BuildFromTree(tree, gen.NewRequest(*group))
	if err != nil {
		logger.Fatalf("build: %v", err)
	}
	if *resolve {
		n, err := c.ResolveDeferred()
		if err != nil {
			logger.Fatalf("resolve deferred: %v", err)
		}
		logger.Printf("resolved %d deferred placeholders", n)
	}
	if rep.Agents == 0 {
		logger.Printf("build %s produced no agents", rep.RunID)
	}

	if err := c.StartSimulation(); err != nil {
		logger.Fatalf("start simulation: %v", err)
	}
	logger.Printf("simulating frames %d..%d at %d fps", tune.FrameStart, tune.FrameEnd, tune.FPS)
	if err := tl.Play(ctx, tune.FPS, tune.FrameEnd); err != nil && !errors.Is(err, context.Canceled) {
		logger.Printf("playback: %v", err)
	}
	st := c.Engine().Stats()
	runID := c.Engine().RunID()
	if err := c.StopSimulation(); err != nil {
		logger.Printf("stop simulation: %v", err)
	}
	if *saveSnap {
		path := snapshot.Path(tune.Persistence.DataDir, tl.Current())
		if err := snapshot.WriteSnapshot(path, snapshot.Capture(store, runID, tl.Current())); err != nil {
			logger.Printf("snapshot: %v", err)
		} else {
			logger.Printf("snapshot written: %s", path)
		}
	}

	logger.Printf("done: %s frames (%s skipped), %s agents, %s keyframes, %.4fs per frame",
		humanize.Comma(int64(st.Frames)), humanize.Comma(int64(st.Skipped)),
		humanize.Comma(int64(rep.Agents)), humanize.Comma(int64(st.Keys)), st.SecondsPerFrame())
	if err := frameLog.Close(); err != nil {
		logger.Printf("frame log: %v", err)
	}
	logger.Printf("frame log: %s in %s", humanize.Bytes(dirSize(filepath.Join(tune.Persistence.DataDir, "frames"))), tune.Persistence.DataDir)

	if srv != nil {
		if *hold {
			logger.Printf("holding observer server on %s; interrupt to exit", tune.Observer.Listen)
			<-ctx.Done()
		}
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		_ = srv.Shutdown(shutdownCtx)
	}
}

func startHTTP(addr string, obs *observer.Server, c *crowd.Crowd, idx *indexdb.SQLiteIndex, logger *log.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/v1/observer/", obs.Handler())
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		writeMetrics(rw, c, obs, idx)
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Fatalf("observer listen: %v", err)
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("observer server: %v", err)
		}
	}()
	logger.Printf("observer listening on %s", ln.Addr())
	return srv
}

func writeMetrics(rw http.ResponseWriter, c *crowd.Crowd, obs *observer.Server, idx *indexdb.SQLiteIndex) {
	rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
	var st engine.Stats
	state := engine.Idle
	agents := 0
	if e := c.Engine(); e != nil {
		st = e.Stats()
		state = e.State()
		agents = len(e.Agents())
	}
	is := idx.Stats()

	// Minimal Prometheus exposition format.
	fmt.Fprintf(rw, "# HELP crowdmaster_frames_total Frames stepped by the current simulation.\n")
	fmt.Fprintf(rw, "# TYPE crowdmaster_frames_total counter\n")
	fmt.Fprintf(rw, "crowdmaster_frames_total %d\n", st.Frames)

	fmt.Fprintf(rw, "# HELP crowdmaster_frames_skipped_total Frame notifications ignored by the frame guard.\n")
	fmt.Fprintf(rw, "# TYPE crowdmaster_frames_skipped_total counter\n")
	fmt.Fprintf(rw, "crowdmaster_frames_skipped_total %d\n", st.Skipped)

	fmt.Fprintf(rw, "# HELP crowdmaster_keyframes_total Keyframes committed by the current simulation.\n")
	fmt.Fprintf(rw, "# TYPE crowdmaster_keyframes_total counter\n")
	fmt.Fprintf(rw, "crowdmaster_keyframes_total %d\n", st.Keys)

	fmt.Fprintf(rw, "# HELP crowdmaster_seconds_per_frame Mean wall time of one step.\n")
	fmt.Fprintf(rw, "# TYPE crowdmaster_seconds_per_frame gauge\n")
	fmt.Fprintf(rw, "crowdmaster_seconds_per_frame %f\n", st.SecondsPerFrame())

	running := 0
	if state == engine.Running {
		running = 1
	}
	fmt.Fprintf(rw, "# HELP crowdmaster_running Whether a simulation is running.\n")
	fmt.Fprintf(rw, "# TYPE crowdmaster_running gauge\n")
	fmt.Fprintf(rw, "crowdmaster_running %d\n", running)

	fmt.Fprintf(rw, "# HELP crowdmaster_observers Connected observer sessions.\n")
	fmt.Fprintf(rw, "# TYPE crowdmaster_observers gauge\n")
	fmt.Fprintf(rw, "crowdmaster_observers %d\n", obs.Sessions())

	fmt.Fprintf(rw, "# HELP crowdmaster_agents Agents in the current simulation roster.\n")
	fmt.Fprintf(rw, "# TYPE crowdmaster_agents gauge\n")
	fmt.Fprintf(rw, "crowdmaster_agents %d\n", agents)

	fmt.Fprintf(rw, "# HELP crowdmaster_index_queue_depth Index writer backlog depth.\n")
	fmt.Fprintf(rw, "# TYPE crowdmaster_index_queue_depth gauge\n")
	fmt.Fprintf(rw, "crowdmaster_index_queue_depth %d\n", is.QueueDepth)

	fmt.Fprintf(rw, "# HELP crowdmaster_index_drops_total Index writes dropped on a full queue.\n")
	fmt.Fprintf(rw, "# TYPE crowdmaster_index_drops_total counter\n")
	fmt.Fprintf(rw, "crowdmaster_index_drops_total{kind=%q} %d\n", "frame", is.DropFrameTotal)
	fmt.Fprintf(rw, "crowdmaster_index_drops_total{kind=%q} %d\n", "run", is.DropRunTotal)
}

// loadScene accepts either a YAML fixture or a scene snapshot written by a
// previous run.
func loadScene(path string) (*scene.Memory, error) {
	if strings.HasSuffix(path, ".snap.zst") {
		snap, err := snapshot.ReadSnapshot(path)
		if err != nil {
			return nil, err
		}
		return scene.Restore(snap.Scene), nil
	}
	return scene.LoadFixture(path)
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func dirSize(dir string) uint64 {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	var n uint64
	for _, e := range ents {
		if info, err := e.Info(); err == nil && !e.IsDir() {
			n += uint64(info.Size())
		}
	}
	return n
}
