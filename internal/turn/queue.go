// queue.go serializes backend dispatches. Concurrent chat calls against the
// same authenticated session cause auth/ordering bugs on the backend, so a
// new submission is accepted immediately but its network dispatch waits for
// the previous one to settle.
package turn

import "sync"

// dispatchQueue runs jobs strictly one at a time on a single worker
// goroutine. Enqueue never blocks and never drops.
type dispatchQueue struct {
	mu   sync.Mutex
	jobs []func()
	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func newDispatchQueue() *dispatchQueue {
	q := &dispatchQueue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	q.wg.Add(1)
	go q.run()
	return q
}

// enqueue appends a job for serialized execution.
func (q *dispatchQueue) enqueue(job func()) {
	q.mu.Lock()
	q.jobs = append(q.jobs, job)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *dispatchQueue) run() {
	defer q.wg.Done()

	for {
		select {
		case <-q.done:
			return
		default:
		}

		job := q.pop()
		if job != nil {
			job()
			continue
		}

		select {
		case <-q.wake:
		case <-q.done:
			return
		}
	}
}

func (q *dispatchQueue) pop() func() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return nil
	}
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	return job
}

// close stops the worker after the job currently running finishes. Queued
// but unstarted jobs are discarded.
func (q *dispatchQueue) close() {
	q.once.Do(func() { close(q.done) })
	q.wg.Wait()
}
