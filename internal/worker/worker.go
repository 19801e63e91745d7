package worker

import (
	"context"

	"langy/internal/service/assistant"
)

type JobType int

const (
	Turn JobType = iota
	Clear
	Stop
)

func (t JobType) String() string {
	switch t {
	case Turn:
		return "turn"
	case Clear:
		return "clear"
	case Stop:
		return "stop"
	default:
		return "unknown"
	}
}

// Job is one unit of work for a session. Stop jobs only retire workers.
type Job struct {
	Type      JobType
	SessionID string
	Context   context.Context
	Text      string
	ChunkFn   assistant.ChunkFunc

	resultCh chan workerReturn
}

type workerReturn struct {
	result *assistant.TurnResult
	err    error
}

// reply never blocks: resultCh is buffered and read at most once.
func (job Job) reply(ret workerReturn) {
	if job.resultCh == nil {
		return
	}
	select {
	case job.resultCh <- ret:
	default:
	}
}

func (job Job) context() context.Context {
	if job.Context == nil {
		return context.Background()
	}
	return job.Context
}

type Worker struct {
	id         int
	pool       *jobChannelPool
	jobChannel chan Job
}

func NewWorker(id int, pool *jobChannelPool) *Worker {
	return &Worker{
		id:         id,
		pool:       pool,
		jobChannel: make(chan Job),
	}
}

func (w *Worker) Start() {
	go func() {
		w.pool.Release(w.jobChannel)
		for {
			job := <-w.jobChannel
			if job.Type == Stop {
				w.pool.retire(w.jobChannel)
				debugLog("[worker-%d] stopped", w.id)
				return
			}
			debugLog("[worker-%d] run %s job for session %s", w.id, job.Type, job.SessionID)
			w.pool.run(job)
			w.pool.Release(w.jobChannel)
		}
	}()
}
