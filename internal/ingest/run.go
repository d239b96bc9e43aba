// Package ingest runs shop feeds through the catalog pipeline and schedules
// those runs.
package ingest

import (
	"fmt"
	"time"
)

// State is a shop's position in the run lifecycle:
//
//	idle -> running -> succeeded | failed -> idle
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

var transitions = map[State][]State{
	StateIdle:      {StateRunning},
	StateRunning:   {StateSucceeded, StateFailed},
	StateSucceeded: {StateIdle},
	StateFailed:    {StateIdle},
}

// Stats are the counters of one run.
type Stats struct {
	ItemsSeen          int            `json:"items_seen"`
	ItemsSkipped       int            `json:"items_skipped"`
	SkipReasons        map[string]int `json:"skip_reasons,omitempty"`
	CategoriesCreated  int            `json:"categories_created"`
	CategoriesReused   int            `json:"categories_reused"`
	BrandsCreated      int            `json:"brands_created"`
	BrandsReused       int            `json:"brands_reused"`
	ProductsCreated    int            `json:"products_created"`
	ProductsUpdated    int            `json:"products_updated"`
	ProductsTombstoned int            `json:"products_tombstoned"`
	GroupsCreated      int            `json:"groups_created"`
	GroupsTouched      int            `json:"groups_touched"`
}

func (s *Stats) skip(reason string) {
	s.ItemsSkipped++
	if s.SkipReasons == nil {
		s.SkipReasons = make(map[string]int)
	}
	s.SkipReasons[reason]++
}

// Run is one execution of a shop's feed.
type Run struct {
	ID         string    `json:"run_id"`
	ShopID     uint      `json:"shop_id"`
	Shop       string    `json:"shop"`
	State      State     `json:"state"`
	Stats      Stats     `json:"stats"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

func (r *Run) transition(to State) error {
	for _, allowed := range transitions[r.State] {
		if allowed == to {
			r.State = to
			return nil
		}
	}
	return fmt.Errorf("run %s: invalid transition %s -> %s", r.ID, r.State, to)
}

// Elapsed is the wall time of a finished run.
func (r *Run) Elapsed() time.Duration {
	if r.FinishedAt.IsZero() {
		return time.Since(r.StartedAt)
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// RunEvent is published after every terminal run.
type RunEvent struct {
	RunID      string    `json:"run_id"`
	ShopID     uint      `json:"shop_id"`
	Shop       string    `json:"shop"`
	Status     State     `json:"status"`
	Error      string    `json:"error,omitempty"`
	Stats      Stats     `json:"stats"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	ElapsedMs  int64     `json:"elapsed_ms"`
}

func (r *Run) event() RunEvent {
	return RunEvent{
		RunID:      r.ID,
		ShopID:     r.ShopID,
		Shop:       r.Shop,
		Status:     r.State,
		Error:      r.Error,
		Stats:      r.Stats,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		ElapsedMs:  r.Elapsed().Milliseconds(),
	}
}
