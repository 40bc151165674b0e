package turn

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDispatchQueueRunsJobsInOrder(t *testing.T) {
	q := newDispatchQueue()
	defer q.close()

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})

	for i := 0; i < 5; i++ {
		i := i
		q.enqueue(func() {
			mu.Lock()
			order = append(order, i)
			if len(order) == 5 {
				close(done)
			}
			mu.Unlock()
		})
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("queued jobs never ran")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestDispatchQueueSerializesJobs(t *testing.T) {
	q := newDispatchQueue()
	defer q.close()

	block := make(chan struct{})
	firstRunning := make(chan struct{})
	secondRan := make(chan struct{})

	q.enqueue(func() {
		close(firstRunning)
		<-block
	})
	q.enqueue(func() { close(secondRan) })

	<-firstRunning

	// The second job must wait for the first to settle.
	select {
	case <-secondRan:
		t.Fatal("second job ran while first was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(block)
	select {
	case <-secondRan:
	case <-time.After(time.Second):
		t.Fatal("second job never ran after first settled")
	}
}

func TestDispatchQueueEnqueueNeverBlocks(t *testing.T) {
	q := newDispatchQueue()
	defer q.close()

	block := make(chan struct{})
	defer close(block)
	q.enqueue(func() { <-block })

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			q.enqueue(func() {})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("enqueue blocked")
	}
}

func TestDispatchQueueCloseDiscardsUnstartedJobs(t *testing.T) {
	q := newDispatchQueue()

	block := make(chan struct{})
	firstRunning := make(chan struct{})
	var ran sync.Map

	q.enqueue(func() {
		close(firstRunning)
		<-block
	})
	q.enqueue(func() { ran.Store("second", true) })

	<-firstRunning
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(block)
	}()
	q.close()

	_, secondRan := ran.Load("second")
	assert.False(t, secondRan, "unstarted job should be discarded on close")
}

func TestDispatchQueueCloseIdempotent(t *testing.T) {
	q := newDispatchQueue()
	q.close()
	q.close()
}
