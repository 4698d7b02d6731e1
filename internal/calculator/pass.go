package calculator

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sentinelroad/backend/internal/geo"
	"github.com/sentinelroad/backend/internal/scorer"
)

// Status is the lifecycle state of a calculation pass.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusPartial   Status = "partial"
)

// RiskRecord is one scored location. Records are append-only: every pass
// writes new rows so history supports trend analysis.
type RiskRecord struct {
	ID            string            `json:"id"`
	PassID        string            `json:"pass_id"`
	Location      geo.Point         `json:"location"`
	Score         float64           `json:"risk_score"`
	Level         scorer.Level      `json:"risk_level"`
	Components    scorer.Components `json:"components"`
	RoadName      string            `json:"road_name,omitempty"`
	HighwayType   string            `json:"highway_type,omitempty"`
	SpeedLimitKmh int               `json:"speed_limit_kmh,omitempty"`
	ComputedAt    time.Time         `json:"computed_at"`
}

// Progress is a point-in-time view of a running pass, safe to read from
// any goroutine.
type Progress struct {
	PassID    string `json:"pass_id"`
	Total     int    `json:"total"`
	Completed int    `json:"completed"`
	Skipped   int    `json:"skipped"`
}

// PassResult is what the caller receives for one pass.
type PassResult struct {
	PassID     string       `json:"pass_id"`
	Status     Status       `json:"status"`
	Records    []RiskRecord `json:"records"`
	Skipped    int          `json:"skipped"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
}

// Pass tracks one calculation pass. Counters are updated atomically from
// worker goroutines; status transitions happen on the orchestrating
// goroutine only.
type Pass struct {
	ID string

	mu        sync.Mutex
	status    Status
	startedAt time.Time

	total     int
	completed atomic.Int64
	skipped   atomic.Int64
}

func (p *Pass) start(total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = StatusRunning
	p.startedAt = time.Now().UTC()
	p.total = total
}

func (p *Pass) complete() { p.completed.Add(1) }
func (p *Pass) skip()     { p.skipped.Add(1) }

// Progress returns a consistent snapshot of the counters.
func (p *Pass) Progress() Progress {
	return Progress{
		PassID:    p.ID,
		Total:     p.total,
		Completed: int(p.completed.Load()),
		Skipped:   int(p.skipped.Load()),
	}
}

// finish closes the pass. Skips and cancellation both demote the pass to
// PARTIAL; the records gathered so far remain valid.
func (p *Pass) finish(records []RiskRecord, cancelled bool) *PassResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	skipped := p.total - len(records)
	status := StatusCompleted
	if skipped > 0 || cancelled {
		status = StatusPartial
	}
	p.status = status

	return &PassResult{
		PassID:     p.ID,
		Status:     status,
		Records:    records,
		Skipped:    skipped,
		StartedAt:  p.startedAt,
		FinishedAt: time.Now().UTC(),
	}
}
