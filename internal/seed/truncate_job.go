package seed

import (
	"context"

	"github.com/ChuLiYu/tileseed/pkg/types"
)

// RangeDeleter is the storage operation a truncate task needs.
type RangeDeleter interface {
	DeleteRange(ctx context.Context, tr *types.TileRange) error
}

// TruncateJob deletes a tile range with a single task.
type TruncateJob struct {
	jobBase
	storage RangeDeleter
}

func newTruncateJob(id int64, req JobRequest, storage RangeDeleter, env jobEnv) *TruncateJob {
	j := &TruncateJob{storage: storage}
	j.init(j, id, types.TypeTruncate, req.Range, req.Layer, 1, env)
	return j
}

// RunSync runs the single task on the calling goroutine.
func (j *TruncateJob) RunSync(ctx context.Context) error {
	return j.tasks[0].Run(ctx)
}

func (j *TruncateJob) Status() JobStatus {
	return j.status()
}
