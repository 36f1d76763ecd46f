package pipeline

import (
	"errors"
	"sync"
	"time"

	"devgen/internal/domain"
)

// Stage progress bands. Each stage owns a half-open percentage range;
// ready pins 100, failed freezes whatever was last reported.
const (
	pctInitializing = 0
	pctAnalyzing    = 10
	pctGenerating   = 40
	pctExecuting    = 80
	pctExecuted     = 95
	pctReady        = 100
)

// ErrProgressRegression rejects any update that would move a project's
// percentage backward.
var ErrProgressRegression = errors.New("progress percentage would regress")

// ProgressFloor returns the band floor for a stage. It reconstructs a
// plausible percentage from the durable project row when the in-memory
// tracker lost its records across a restart; for a failed project, call it
// with the failure stage so the value stays within the band the pipeline
// actually reached.
func ProgressFloor(stage string) int {
	switch stage {
	case domain.StageInitializing:
		return pctInitializing
	case domain.StageAnalyzing:
		return pctAnalyzing
	case domain.StageGenerating:
		return pctGenerating
	case domain.StageExecuting:
		return pctExecuting
	case domain.StageReady:
		return pctReady
	default:
		return 0
	}
}

// Tracker holds in-memory progress records for polling clients. Updates
// are monotonic per project; terminal records stick around for at least
// the retention window so a late poller still sees the outcome.
type Tracker struct {
	mu        sync.RWMutex
	records   map[string]domain.ProgressRecord
	retention time.Duration
	now       func() time.Time
}

func NewTracker(retention time.Duration) *Tracker {
	if retention <= 0 {
		retention = time.Hour
	}
	return &Tracker{
		records:   make(map[string]domain.ProgressRecord),
		retention: retention,
		now:       time.Now,
	}
}

// Set records progress for a project. Percentage must not decrease; a
// move to the failed stage keeps the last percentage and only restamps
// the stage and message.
func (t *Tracker) Set(projectID, stage string, percentage int, message string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev, ok := t.records[projectID]
	if stage == domain.StageFailed && ok {
		percentage = prev.Percentage
	}
	if ok && percentage < prev.Percentage {
		return ErrProgressRegression
	}
	if percentage < 0 {
		percentage = 0
	}
	if percentage > 100 {
		percentage = 100
	}
	t.records[projectID] = domain.ProgressRecord{
		ProjectID:  projectID,
		Stage:      stage,
		Percentage: percentage,
		Message:    message,
		UpdatedAt:  t.now().UTC().Format(time.RFC3339),
	}
	return nil
}

// Get returns the current record for a project.
func (t *Tracker) Get(projectID string) (domain.ProgressRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.records[projectID]
	return rec, ok
}

// Sweep evicts terminal records older than the retention window and
// returns how many were removed. Non-terminal records are never evicted.
func (t *Tracker) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-t.retention)
	removed := 0
	for id, rec := range t.records {
		if !domain.IsTerminalStage(rec.Stage) {
			continue
		}
		ts, err := time.Parse(time.RFC3339, rec.UpdatedAt)
		if err != nil || ts.Before(cutoff) {
			delete(t.records, id)
			removed++
		}
	}
	return removed
}
