package pools

import (
	"runtime"
	"sync/atomic"
)

// Task represents a unit of work: one parsed request to run through the
// pipeline. The closure carries its own completion hand-off (push onto
// the reactor's ready queue plus a wake), so the pool itself stays
// payload-agnostic.
type Task func()

// WorkerPool is a fixed set of goroutines consuming tasks from a shared
// queue. Size 0 means inline execution: Submit runs the task on the
// calling (reactor) thread, for lightweight handlers that do not
// justify a hand-off.
type WorkerPool struct {
	numWorkers int
	tasks      chan Task
	closed     atomic.Bool

	stats struct {
		tasksSubmitted atomic.Uint64
		tasksCompleted atomic.Uint64
		tasksInline    atomic.Uint64
	}
}

// NewWorkerPool creates a pool with exactly numWorkers goroutines. The
// size is fixed at construction; a negative size defaults to NumCPU,
// zero means inline execution.
func NewWorkerPool(numWorkers int) *WorkerPool {
	if numWorkers < 0 {
		numWorkers = runtime.NumCPU()
	}

	pool := &WorkerPool{
		numWorkers: numWorkers,
	}
	if numWorkers == 0 {
		return pool
	}

	pool.tasks = make(chan Task, 256*numWorkers)
	for i := 0; i < numWorkers; i++ {
		go pool.run(i)
	}
	return pool
}

// Size returns the fixed worker count (0 = inline).
func (p *WorkerPool) Size() int { return p.numWorkers }

// Submit enqueues a task, or runs it inline when the pool has size 0 or
// every queue slot is taken (the producer is the reactor thread, which
// must not block).
func (p *WorkerPool) Submit(task Task) bool {
	if p.closed.Load() {
		return false
	}

	p.stats.tasksSubmitted.Add(1)

	if p.numWorkers == 0 {
		task()
		p.stats.tasksInline.Add(1)
		p.stats.tasksCompleted.Add(1)
		return true
	}

	select {
	case p.tasks <- task:
		return true
	default:
		task()
		p.stats.tasksInline.Add(1)
		p.stats.tasksCompleted.Add(1)
		return true
	}
}

func (p *WorkerPool) run(id int) {
	// Pin to an OS thread so long-running handlers do not starve the
	// reactor goroutines of their P.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	setThreadName("worker-" + itoa(id))

	for task := range p.tasks {
		if task == nil {
			return
		}
		task()
		p.stats.tasksCompleted.Add(1)
	}
}

// Close gracefully shuts down the worker pool.
func (p *WorkerPool) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	if p.tasks != nil {
		close(p.tasks)
	}
}

// Stats returns pool statistics.
func (p *WorkerPool) Stats() WorkerPoolStats {
	return WorkerPoolStats{
		NumWorkers:     p.numWorkers,
		TasksSubmitted: p.stats.tasksSubmitted.Load(),
		TasksCompleted: p.stats.tasksCompleted.Load(),
		TasksPending:   p.stats.tasksSubmitted.Load() - p.stats.tasksCompleted.Load(),
		TasksInline:    p.stats.tasksInline.Load(),
	}
}

// WorkerPoolStats contains pool statistics.
type WorkerPoolStats struct {
	NumWorkers     int
	TasksSubmitted uint64
	TasksCompleted uint64
	TasksPending   uint64
	TasksInline    uint64
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [8]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
