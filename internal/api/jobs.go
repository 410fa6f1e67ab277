package api

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tnpsc-study/internal/models"
)

const (
	RunStatusPending   = "pending"
	RunStatusRunning   = "running"
	RunStatusComplete  = "complete"
	RunStatusFailed    = "failed"
	RunStatusCancelled = "cancelled"

	UnitStatusPending   = "pending"
	UnitStatusAnalyzing = "analyzing"
	UnitStatusDone      = "done"
	UnitStatusSkipped   = "skipped"
)

// AnalysisRun tracks one background analysis of a flow.
type AnalysisRun struct {
	ID        string                    `json:"runId"`
	FlowID    string                    `json:"flowId"`
	Owner     string                    `json:"-"`
	Status    string                    `json:"status"`
	CreatedAt time.Time                 `json:"createdAt"`
	UpdatedAt time.Time                 `json:"updatedAt"`
	Step      string                    `json:"step,omitempty"`
	Message   string                    `json:"message,omitempty"`
	Current   int                       `json:"current"`
	Total     int                       `json:"total"`
	Percent   int                       `json:"percent"`
	Units     []UnitProgress            `json:"units"`
	Analysis  *models.AggregateAnalysis `json:"analysis,omitempty"`
	Error     string                    `json:"error,omitempty"`
	Action    string                    `json:"action,omitempty"`
}

// UnitProgress is the per-unit state the client renders.
type UnitProgress struct {
	Index  int    `json:"index"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

func (run *AnalysisRun) Terminal() bool {
	switch run.Status {
	case RunStatusComplete, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

type RunManager struct {
	mu   sync.RWMutex
	runs map[string]*AnalysisRun
}

func NewRunManager() *RunManager {
	return &RunManager{
		runs: make(map[string]*AnalysisRun),
	}
}

func (m *RunManager) CreateRun(flowID, owner string, units []models.StudyUnit) (string, *AnalysisRun) {
	progress := make([]UnitProgress, len(units))
	for i, u := range units {
		progress[i] = UnitProgress{Index: u.Index, Status: UnitStatusPending}
	}
	now := time.Now().UTC()
	run := &AnalysisRun{
		ID:        uuid.NewString(),
		FlowID:    flowID,
		Owner:     owner,
		Status:    RunStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
		Total:     len(units),
		Units:     progress,
	}

	m.mu.Lock()
	m.runs[run.ID] = run
	m.mu.Unlock()

	return run.ID, run.clone()
}

func (m *RunManager) GetRun(id string) (*AnalysisRun, bool) {
	m.mu.RLock()
	run, ok := m.runs[id]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return run.clone(), true
}

// Forget drops a run that never started.
func (m *RunManager) Forget(id string) {
	m.mu.Lock()
	delete(m.runs, id)
	m.mu.Unlock()
}

func (m *RunManager) MarkRunning(id string) {
	m.withRun(id, func(run *AnalysisRun) {
		run.Status = RunStatusRunning
	})
}

// UpdateProgress records a progress callback. During the analyze step current
// is the position of the unit being analyzed; any earlier unit still marked
// analyzing did not produce a result and is marked skipped.
func (m *RunManager) UpdateProgress(id, step, message string, current, total int) {
	m.withRun(id, func(run *AnalysisRun) {
		run.Status = RunStatusRunning
		run.Step = step
		run.Message = message
		run.Current = current
		run.Total = total
		run.Percent = percent(current, total)
		if step != "analyze" {
			return
		}
		for i := range run.Units {
			switch {
			case i < current && run.Units[i].Status == UnitStatusAnalyzing:
				run.Units[i].Status = UnitStatusSkipped
			case i == current:
				run.Units[i].Status = UnitStatusAnalyzing
			}
		}
	})
}

func (m *RunManager) MarkUnitDone(id string, index int) {
	m.withRun(id, func(run *AnalysisRun) {
		if u := run.unit(index); u != nil {
			u.Status = UnitStatusDone
		}
	})
}

func (m *RunManager) MarkComplete(id string, analysis *models.AggregateAnalysis) {
	m.withRun(id, func(run *AnalysisRun) {
		run.Status = RunStatusComplete
		run.Step = "complete"
		run.Message = "Analysis complete"
		run.Current = run.Total
		run.Percent = 100
		run.Analysis = analysis
		for i := range run.Units {
			if run.Units[i].Status != UnitStatusDone {
				run.Units[i].Status = UnitStatusSkipped
			}
		}
		for _, sk := range analysis.Skipped {
			if u := run.unit(sk.Index); u != nil {
				u.Status = UnitStatusSkipped
				u.Reason = sk.Reason
			}
		}
	})
}

func (m *RunManager) MarkFailed(id, message, action string) {
	msg := strings.TrimSpace(message)
	if msg == "" {
		msg = "analysis failed"
	}
	m.withRun(id, func(run *AnalysisRun) {
		run.Status = RunStatusFailed
		run.Step = "error"
		run.Message = msg
		run.Error = msg
		run.Action = action
	})
}

func (m *RunManager) MarkCancelled(id string) {
	m.withRun(id, func(run *AnalysisRun) {
		run.Status = RunStatusCancelled
		run.Step = "cancelled"
		run.Message = "Analysis cancelled"
	})
}

func (m *RunManager) withRun(id string, fn func(run *AnalysisRun)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return
	}
	fn(run)
	run.UpdatedAt = time.Now().UTC()
}

func (run *AnalysisRun) unit(index int) *UnitProgress {
	for i := range run.Units {
		if run.Units[i].Index == index {
			return &run.Units[i]
		}
	}
	return nil
}

func (run *AnalysisRun) clone() *AnalysisRun {
	if run == nil {
		return nil
	}
	copyRun := *run
	if len(run.Units) > 0 {
		copyRun.Units = make([]UnitProgress, len(run.Units))
		copy(copyRun.Units, run.Units)
	}
	return &copyRun
}

func percent(current, total int) int {
	if total <= 0 {
		if current <= 0 {
			return 0
		}
		if current > 100 {
			return 100
		}
		return current
	}
	if current <= 0 {
		return 0
	}
	if current >= total {
		return 100
	}
	return int((float64(current) / float64(total)) * 100)
}
