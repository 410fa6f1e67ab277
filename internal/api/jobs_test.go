package api

import (
	"testing"

	"tnpsc-study/internal/models"
)

func units(n int) []models.StudyUnit {
	out := make([]models.StudyUnit, n)
	for i := range out {
		out[i] = models.StudyUnit{Index: i + 1}
	}
	return out
}

func TestRunManagerLifecycle(t *testing.T) {
	m := NewRunManager()
	id, snapshot := m.CreateRun("flow-1", "", units(3))
	if snapshot.Status != RunStatusPending || len(snapshot.Units) != 3 {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}

	m.MarkRunning(id)
	m.UpdateProgress(id, "analyze", "unit 1", 0, 3)
	m.MarkUnitDone(id, 1)
	m.UpdateProgress(id, "analyze", "unit 2", 1, 3)
	// Unit 2 produces nothing before unit 3 starts.
	m.UpdateProgress(id, "analyze", "unit 3", 2, 3)

	run, ok := m.GetRun(id)
	if !ok {
		t.Fatal("run missing")
	}
	if run.Units[0].Status != UnitStatusDone || run.Units[1].Status != UnitStatusSkipped || run.Units[2].Status != UnitStatusAnalyzing {
		t.Errorf("unit statuses = %+v", run.Units)
	}
	if run.Percent != 66 {
		t.Errorf("percent = %d", run.Percent)
	}

	m.MarkUnitDone(id, 3)
	m.MarkComplete(id, &models.AggregateAnalysis{
		Skipped: []models.SkippedUnit{{Index: 2, Reason: "generation service: status 500: boom"}},
	})
	run, _ = m.GetRun(id)
	if !run.Terminal() || run.Status != RunStatusComplete || run.Percent != 100 {
		t.Errorf("run not complete: %+v", run)
	}
	if run.Units[1].Reason == "" || run.Units[2].Status != UnitStatusDone {
		t.Errorf("unit statuses = %+v", run.Units)
	}
}

func TestRunManagerSnapshotsAreCopies(t *testing.T) {
	m := NewRunManager()
	id, _ := m.CreateRun("flow-1", "", units(1))
	run, _ := m.GetRun(id)
	run.Units[0].Status = "tampered"
	again, _ := m.GetRun(id)
	if again.Units[0].Status != UnitStatusPending {
		t.Error("GetRun must return a copy")
	}
}

func TestRunManagerFailAndCancel(t *testing.T) {
	m := NewRunManager()
	failed, _ := m.CreateRun("f", "", units(1))
	m.MarkFailed(failed, "  ", "retry")
	run, _ := m.GetRun(failed)
	if run.Status != RunStatusFailed || run.Error != "analysis failed" || run.Action != "retry" {
		t.Errorf("failed run = %+v", run)
	}

	cancelled, _ := m.CreateRun("f", "", units(1))
	m.MarkCancelled(cancelled)
	if run, _ := m.GetRun(cancelled); run.Status != RunStatusCancelled || !run.Terminal() {
		t.Errorf("cancelled run = %+v", run)
	}

	m.Forget(cancelled)
	if _, ok := m.GetRun(cancelled); ok {
		t.Error("forgotten run still present")
	}
	// Updates to unknown runs are ignored.
	m.MarkRunning("missing")
}

func TestPercent(t *testing.T) {
	cases := []struct{ current, total, want int }{
		{0, 0, 0},
		{0, 10, 0},
		{5, 10, 50},
		{12, 10, 100},
		{150, 0, 100},
	}
	for _, tc := range cases {
		if got := percent(tc.current, tc.total); got != tc.want {
			t.Errorf("percent(%d, %d) = %d, want %d", tc.current, tc.total, got, tc.want)
		}
	}
}
