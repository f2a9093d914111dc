package main

import (
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"crowdmaster.ai/internal/persistence/indexdb"
	"crowdmaster.ai/internal/sim/brain"
	"crowdmaster.ai/internal/sim/crowd"
	"crowdmaster.ai/internal/sim/model"
	"crowdmaster.ai/internal/sim/scene"
	"crowdmaster.ai/internal/sim/tuning"
	"crowdmaster.ai/internal/transport/observer"
)

func runningCrowd(t *testing.T) *crowd.Crowd {
	t.Helper()
	sc := scene.NewMemory()
	sc.Add(scene.Object{Name: "Man", Kind: scene.KindMesh, Transform: model.IdentityTransform()})
	cfg := tuning.Defaults()
	cfg.Brains = map[string]brain.Spec{"walker": {Outvars: map[string]float64{model.OutPY: 1}}}
	c, err := crowd.New(cfg, crowd.Deps{Scene: sc})
	if err != nil {
		t.Fatalf("crowd.New: %v", err)
	}
	if err := c.AddManualAgents("hand", "walker", []string{"Man"}); err != nil {
		t.Fatalf("AddManualAgents: %v", err)
	}
	if err := c.StartSimulation(); err != nil {
		t.Fatalf("StartSimulation: %v", err)
	}
	if err := c.StepOnce(cfg.FrameStart + 1); err != nil {
		t.Fatalf("StepOnce: %v", err)
	}
	return c
}

func TestMetricsReportRosterAndIndex(t *testing.T) {
	c := runningCrowd(t)
	idx, err := indexdb.OpenSQLite(filepath.Join(t.TempDir(), "index", "crowd.sqlite"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer idx.Close()

	rec := httptest.NewRecorder()
	writeMetrics(rec, c, observer.NewServer(observer.Config{}, nil), idx)
	body := rec.Body.String()
	for _, want := range []string{
		"crowdmaster_frames_total 1\n",
		"crowdmaster_running 1\n",
		"crowdmaster_agents 1\n",
		"crowdmaster_index_queue_depth ",
		`crowdmaster_index_drops_total{kind="frame"} 0` + "\n",
		`crowdmaster_index_drops_total{kind="run"} 0` + "\n",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}
}

func TestMetricsWithoutIndex(t *testing.T) {
	c := runningCrowd(t)
	rec := httptest.NewRecorder()
	writeMetrics(rec, c, observer.NewServer(observer.Config{}, nil), nil)
	body := rec.Body.String()
	if !strings.Contains(body, "crowdmaster_index_queue_depth 0\n") || !strings.Contains(body, "crowdmaster_agents 1\n") {
		t.Fatalf("metrics:\n%s", body)
	}
}
