package seed

import (
	"time"

	"github.com/ChuLiYu/tileseed/pkg/types"
)

// TaskStatus is a snapshot of one task.
type TaskStatus struct {
	ID            int64          `json:"id"`
	JobID         int64          `json:"job_id"`
	Type          types.TaskType `json:"type"`
	State         types.State    `json:"state"`
	Layer         string         `json:"layer"`
	TilesDone     int64          `json:"tiles_done"`
	TilesTotal    int64          `json:"tiles_total"`
	TimeSpent     time.Duration  `json:"time_spent"`
	TimeRemaining time.Duration  `json:"time_remaining"` // UnknownRemaining when not estimated
	Terminated    bool           `json:"terminated,omitempty"`
	Error         string         `json:"error,omitempty"`
}

// JobStatus is a snapshot of one job and its tasks.
type JobStatus struct {
	ID            int64          `json:"id"`
	Type          types.TaskType `json:"type"`
	Layer         string         `json:"layer"`
	State         types.State    `json:"state"`
	ActiveThreads int            `json:"active_threads"`
	TilesDone     int64          `json:"tiles_done"`
	TilesTotal    int64          `json:"tiles_total"`
	Failures      int64          `json:"failures,omitempty"`
	Dropped       int64          `json:"dropped,omitempty"`
	RetryQueued   int            `json:"retry_queued,omitempty"`
	StartedAt     time.Time      `json:"started_at,omitempty"`
	FinishedAt    time.Time      `json:"finished_at,omitempty"`
	Tasks         []TaskStatus   `json:"tasks"`
}
