package flowcontrol

import (
	"container/heap"
	"context"
	"math"
	"math/rand"
	"sync"
	"time"
)

type QueueItem[T comparable] struct {
	key       T
	attempts  int
	nextRetry time.Time
}

// Queue is a de-duplicating work queue. Keys that fail are re-queued with exponential backoff.
type Queue[T comparable] struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    map[T]*QueueItem[T]
	heap     *priorityQueue[T]
	shutdown bool

	// MaxAttempts drops keys after this many failures. Zero means retry forever.
	MaxAttempts int
}

func NewQueue[T comparable]() *Queue[T] {
	q := &Queue[T]{
		items: make(map[T]*QueueItem[T]),
		heap:  &priorityQueue[T]{},
	}
	heap.Init(q.heap)
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Run wakes up workers when retries become due, and shuts the queue down when the context is canceled.
func (q *Queue[T]) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Millisecond * 100)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			q.ShutDown()
			return
		case <-ticker.C:
			q.mu.Lock()
			if q.heap.Len() > 0 && !(*q.heap)[0].nextRetry.After(time.Now()) {
				q.cond.Signal()
			}
			q.mu.Unlock()
		}
	}
}

func (q *Queue[T]) Add(key T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.shutdown {
		return
	}
	if _, exists := q.items[key]; !exists {
		item := &QueueItem[T]{key: key}
		q.items[key] = item
		heap.Push(q.heap, item)
		q.cond.Signal()
	}
}

// Done forgets about a key once it has been processed successfully (or given up on).
func (q *Queue[T]) Done(key T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if item, exists := q.items[key]; exists {
		delete(q.items, key)
		q.removeFromHeap(item)
	}
}

// Get blocks until a key is ready. ok is false once the queue has been shut down.
func (q *Queue[T]) Get() (key T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.shutdown {
			return key, false
		}
		if q.heap.Len() > 0 && !(*q.heap)[0].nextRetry.After(time.Now()) {
			item := heap.Pop(q.heap).(*QueueItem[T])
			return item.key, true
		}
		q.cond.Wait()
	}
}

// Retry schedules the key again after a backoff. Returns false if the key was dropped instead.
func (q *Queue[T]) Retry(key T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, exists := q.items[key]
	if !exists {
		return false
	}
	q.removeFromHeap(item)
	item.attempts++
	if q.MaxAttempts > 0 && item.attempts >= q.MaxAttempts {
		delete(q.items, key)
		return false
	}
	item.nextRetry = time.Now().Add(exponentialBackoff(item.attempts))
	heap.Push(q.heap, item)
	return true
}

func (q *Queue[T]) ShutDown() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.shutdown = true
	q.cond.Broadcast()
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func exponentialBackoff(attempts int) time.Duration {
	backoff := float64(time.Millisecond * 50)
	jitter := backoff * 0.1
	factor := math.Pow(2, float64(attempts))
	return time.Duration(backoff*factor + jitter*factor*0.5*rand.Float64())
}

func (q *Queue[T]) removeFromHeap(item *QueueItem[T]) {
	for i, heapItem := range *q.heap {
		if heapItem == item {
			heap.Remove(q.heap, i)
			break
		}
	}
}

type priorityQueue[T comparable] []*QueueItem[T]

func (pq priorityQueue[T]) Len() int { return len(pq) }
func (pq priorityQueue[T]) Less(i, j int) bool {
	return pq[i].nextRetry.Before(pq[j].nextRetry)
}
func (pq priorityQueue[T]) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
}
func (pq *priorityQueue[T]) Push(x any) {
	*pq = append(*pq, x.(*QueueItem[T]))
}
func (pq *priorityQueue[T]) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	*pq = old[0 : n-1]
	return item
}
