// Package physics runs movement integration, collision detection, and
// collection checks on a fixed pool of workers, off the tick loop's critical
// path. Workers receive input batches and return result batches only; they
// never touch canonical world state.
//
// Delivery is at-most-once: a job in flight on a crashing worker is lost and
// its result channel is never resolved. Callers that need the work done must
// resubmit. There is deliberately no deadline-and-retry layer here.
package physics

import (
	"sync/atomic"

	"github.com/google/uuid"

	"stardrift/server/internal/telemetry"
)

// JobType selects the computation a worker performs.
type JobType string

const (
	JobMovement   JobType = "movement"
	JobCollision  JobType = "collision"
	JobCollection JobType = "collection"
)

// Result is the asynchronous outcome of one job. Exactly one Result is sent
// per job, unless the executing worker crashed.
type Result struct {
	JobID   string
	Type    JobType
	Payload any
	Err     error
}

type job struct {
	id      string
	kind    JobType
	payload any
	result  chan Result
}

type workerEvent struct {
	index   int
	crashed bool
}

// Config tunes the worker pool.
type Config struct {
	Workers       int
	SubmitBacklog int
}

// DefaultConfig sizes the pool for a small host.
func DefaultConfig() Config {
	return Config{Workers: 4, SubmitBacklog: 256}
}

// Stats is a counters snapshot for the stats surface.
type Stats struct {
	Workers   int    `json:"workers"`
	Busy      int    `json:"busy"`
	Queued    int    `json:"queued"`
	Submitted uint64 `json:"submitted"`
	Completed uint64 `json:"completed"`
	Crashed   uint64 `json:"crashed"`
	Respawned uint64 `json:"respawned"`
}

// Manager owns the worker pool. Dispatch is round-robin over idle workers;
// when all are busy, jobs wait in FIFO order for the next free worker.
type Manager struct {
	cfg    Config
	logger telemetry.Logger

	submitCh chan *job
	eventCh  chan workerEvent
	jobs     []chan *job
	stop     chan struct{}

	busy      atomic.Int64
	queued    atomic.Int64
	submitted atomic.Uint64
	completed atomic.Uint64
	crashed   atomic.Uint64
	respawned atomic.Uint64
}

// NewManager starts the pool. The manager runs until Stop is called.
func NewManager(cfg Config, logger telemetry.Logger) *Manager {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.SubmitBacklog <= 0 {
		cfg.SubmitBacklog = DefaultConfig().SubmitBacklog
	}
	if logger == nil {
		logger = telemetry.LoggerFunc(func(string, ...any) {})
	}
	m := &Manager{
		cfg:      cfg,
		logger:   logger,
		submitCh: make(chan *job, cfg.SubmitBacklog),
		eventCh:  make(chan workerEvent, cfg.Workers),
		jobs:     make([]chan *job, cfg.Workers),
		stop:     make(chan struct{}),
	}
	for i := range m.jobs {
		m.jobs[i] = make(chan *job, 1)
		go m.runWorker(i)
	}
	go m.dispatchLoop()
	return m
}

// SubmitJob queues a batch for the next free worker and returns the job id
// together with the channel its result will arrive on. The channel is
// buffered, so a caller that loses interest can simply stop listening.
func (m *Manager) SubmitJob(kind JobType, payload any) (string, <-chan Result) {
	if m == nil {
		return "", nil
	}
	j := &job{
		id:      uuid.NewString(),
		kind:    kind,
		payload: payload,
		result:  make(chan Result, 1),
	}
	m.submitted.Add(1)
	m.queued.Add(1)
	select {
	case m.submitCh <- j:
	case <-m.stop:
		m.queued.Add(-1)
	}
	return j.id, j.result
}

// Stop shuts the pool down. In-flight jobs finish; queued jobs are dropped.
func (m *Manager) Stop() {
	if m == nil {
		return
	}
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
}

// Stats reports pool utilization counters.
func (m *Manager) Stats() Stats {
	if m == nil {
		return Stats{}
	}
	return Stats{
		Workers:   m.cfg.Workers,
		Busy:      int(m.busy.Load()),
		Queued:    int(m.queued.Load()),
		Submitted: m.submitted.Load(),
		Completed: m.completed.Load(),
		Crashed:   m.crashed.Load(),
		Respawned: m.respawned.Load(),
	}
}

// dispatchLoop is the single owner of the idle list and the pending queue.
func (m *Manager) dispatchLoop() {
	idle := make([]int, 0, m.cfg.Workers)
	for i := 0; i < m.cfg.Workers; i++ {
		idle = append(idle, i)
	}
	var pending []*job

	dispatch := func() {
		for len(pending) > 0 && len(idle) > 0 {
			worker := idle[0]
			idle = idle[1:]
			next := pending[0]
			pending = pending[1:]
			m.queued.Add(-1)
			m.busy.Add(1)
			m.jobs[worker] <- next
		}
	}

	for {
		select {
		case <-m.stop:
			return
		case j := <-m.submitCh:
			pending = append(pending, j)
			dispatch()
		case ev := <-m.eventCh:
			m.busy.Add(-1)
			if ev.crashed {
				// Respawn transparently; whatever the worker was
				// chewing on is gone for good.
				m.respawned.Add(1)
				go m.runWorker(ev.index)
			}
			idle = append(idle, ev.index)
			dispatch()
		}
	}
}

func (m *Manager) runWorker(index int) {
	defer func() {
		if r := recover(); r != nil {
			m.crashed.Add(1)
			m.logger.Printf("[physics] worker %d crashed: %v", index, r)
			select {
			case m.eventCh <- workerEvent{index: index, crashed: true}:
			case <-m.stop:
			}
		}
	}()
	for {
		select {
		case <-m.stop:
			return
		case j := <-m.jobs[index]:
			result := execute(j)
			j.result <- result
			m.completed.Add(1)
			select {
			case m.eventCh <- workerEvent{index: index, crashed: false}:
			case <-m.stop:
				return
			}
		}
	}
}
