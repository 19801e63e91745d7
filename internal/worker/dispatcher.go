package worker

import (
	"container/list"
	"errors"
	"sync"
	"time"
)

var (
	ErrDispatcherBusy    = errors.New("too many pending requests, try again shortly")
	ErrDispatcherStopped = errors.New("dispatcher stopped")
	ErrSessionClosed     = errors.New("session closed")
)

type DispatcherConfig struct {
	MinWorkers  int
	MaxWorkers  int
	QueueSize   int
	IdleTimeout time.Duration
}

type sessionQueue struct {
	jobs     []Job
	enqueued bool // in the ready list
	running  bool // a job of this session is on a worker
}

// Dispatcher fans jobs out to the worker pool. Jobs of one session run one at
// a time in submission order; sessions with pending work take turns in least
// recently served order.
type Dispatcher struct {
	pool     *jobChannelPool
	JobQueue chan Job // interface for outer jobs get in the dispatcher

	mu        sync.Mutex
	queues    map[string]*sessionQueue
	ready     *list.List // LRU queue storing session IDs
	positions map[string]*list.Element

	wake     chan struct{}
	quit     chan struct{}
	stopOnce sync.Once
}

func NewDispatcher(cfg DispatcherConfig, handle func(Job)) *Dispatcher {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 64
	}
	d := &Dispatcher{
		JobQueue:  make(chan Job, queueSize),
		queues:    make(map[string]*sessionQueue),
		ready:     list.New(),
		positions: make(map[string]*list.Element),
		wake:      make(chan struct{}, 1),
		quit:      make(chan struct{}),
	}
	d.pool = newJobChannelPool(cfg.MinWorkers, cfg.MaxWorkers, cfg.IdleTimeout, func(job Job) {
		defer d.finish(job.SessionID)
		handle(job)
	})

	// Warm up workers.
	for i := 0; i < d.pool.min; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

// Submit queues a job without blocking.
func (d *Dispatcher) Submit(job Job) error {
	select {
	case <-d.quit:
		return ErrDispatcherStopped
	default:
	}
	select {
	case d.JobQueue <- job:
		return nil
	default:
		return ErrDispatcherBusy
	}
}

func (d *Dispatcher) run() {
	for {
		// dispatch one job of the session in the front of LRU queue
		if d.dispatchOne() {
			select {
			case job := <-d.JobQueue:
				d.enqueueJob(job)
			default:
			}
			continue
		}
		select {
		case job := <-d.JobQueue:
			d.enqueueJob(job)
		case <-d.wake:
		case <-d.quit:
			d.drain()
			return
		}
	}
}

// CancelSession drops the queued jobs of a session. A job already running is
// left to finish.
func (d *Dispatcher) CancelSession(sessionID string) {
	d.mu.Lock()
	q := d.queues[sessionID]
	var dropped []Job
	if q != nil {
		dropped = q.jobs
		q.jobs = nil
		if !q.running {
			delete(d.queues, sessionID)
		}
	}
	if elem, ok := d.positions[sessionID]; ok {
		d.ready.Remove(elem)
		delete(d.positions, sessionID)
		if q != nil {
			q.enqueued = false
		}
	}
	d.mu.Unlock()

	for _, job := range dropped {
		job.reply(workerReturn{err: ErrSessionClosed})
	}
}

// Busy reports whether the session has a job queued or running.
func (d *Dispatcher) Busy(sessionID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	q := d.queues[sessionID]
	return q != nil && (q.running || len(q.jobs) > 0)
}

func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.quit)
		d.pool.close()
	})
}

func (d *Dispatcher) enqueueJob(job Job) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[job.SessionID]
	if q == nil {
		q = &sessionQueue{}
		d.queues[job.SessionID] = q
	}
	q.jobs = append(q.jobs, job)
	d.markReadyLocked(job.SessionID, q)
}

func (d *Dispatcher) markReadyLocked(sessionID string, q *sessionQueue) {
	if q.enqueued || q.running || len(q.jobs) == 0 {
		return
	}
	q.enqueued = true
	d.positions[sessionID] = d.ready.PushBack(sessionID)
}

// finish releases the session for its next job.
func (d *Dispatcher) finish(sessionID string) {
	d.mu.Lock()
	if q := d.queues[sessionID]; q != nil {
		q.running = false
		if len(q.jobs) == 0 {
			delete(d.queues, sessionID)
		} else {
			d.markReadyLocked(sessionID, q)
		}
	}
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// dispatchOne hands the first job of the least recently served session to a
// worker.
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	elem := d.ready.Front()
	if elem == nil {
		d.mu.Unlock()
		return false
	}
	sessionID := elem.Value.(string)
	d.ready.Remove(elem)
	delete(d.positions, sessionID)
	q := d.queues[sessionID]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	q.enqueued = false
	q.running = true
	d.mu.Unlock()

	workerChan := d.pool.acquire()
	if workerChan == nil {
		job.reply(workerReturn{err: ErrDispatcherStopped})
		d.finish(sessionID)
		return false
	}
	debugLog("[dispatcher] assign %s job for session %s to worker-%d", job.Type, sessionID, d.pool.workerID(workerChan))
	workerChan <- job
	return true
}

// drain fails everything still waiting once the dispatcher stops.
func (d *Dispatcher) drain() {
	d.mu.Lock()
	var pending []Job
	for id, q := range d.queues {
		pending = append(pending, q.jobs...)
		delete(d.queues, id)
	}
	d.ready.Init()
	d.positions = make(map[string]*list.Element)
	d.mu.Unlock()

	for {
		select {
		case job := <-d.JobQueue:
			pending = append(pending, job)
		default:
			for _, job := range pending {
				job.reply(workerReturn{err: ErrDispatcherStopped})
			}
			return
		}
	}
}
