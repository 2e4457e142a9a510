package cdn

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wowserhq/cascore/internal/metrics"
)

// Priority orders queued range requests for the dispatcher; lower
// numeric value is serviced first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityPrefetch
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	case PriorityPrefetch:
		return "prefetch"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Request is one queued unit of work the dispatcher hands to a worker.
type Request struct {
	ID        string
	Priority  Priority
	Enqueued  time.Time
	Fetch     func(ctx context.Context) ([]byte, error)
}

// Result is delivered on the channel returned by Dispatcher.Submit.
type Result struct {
	ID   string
	Data []byte
	Err  error
}

type pqItem struct {
	req   Request
	index int
}

type priorityQueue []*pqItem

func (pq priorityQueue) Len() int { return len(pq) }
func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].req.Priority != pq[j].req.Priority {
		return pq[i].req.Priority < pq[j].req.Priority
	}
	return pq[i].req.Enqueued.Before(pq[j].req.Enqueued)
}
func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index, pq[j].index = i, j
}
func (pq *priorityQueue) Push(x any) {
	item := x.(*pqItem)
	item.index = len(*pq)
	*pq = append(*pq, item)
}
func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*pq = old[:n-1]
	return item
}

// Dispatcher bounds the number of in-flight range fetches, pulling the
// highest-priority, oldest-enqueued request first.
//
// Grounded on downloader/downloader.go's jobs-channel worker pool,
// generalized from a fixed fan-out of equal-priority chunk jobs to a
// priority-ordered queue that a bounded pool of maxConcurrent workers
// pulls from directly.
type Dispatcher struct {
	maxConcurrent int

	mu      sync.Mutex
	pq      priorityQueue
	notify  chan struct{}
	results map[string]chan Result

	wg       sync.WaitGroup
	closing  chan struct{}
	closed   bool
}

// NewDispatcher constructs a Dispatcher that runs at most maxConcurrent
// fetches at once.
func NewDispatcher(maxConcurrent int) *Dispatcher {
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}
	d := &Dispatcher{
		maxConcurrent: maxConcurrent,
		notify:        make(chan struct{}, 1),
		results:       make(map[string]chan Result),
		closing:       make(chan struct{}),
	}
	for i := 0; i < maxConcurrent; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Submit enqueues req and returns a channel that receives exactly one
// Result once it completes.
func (d *Dispatcher) Submit(req Request) <-chan Result {
	ch := make(chan Result, 1)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		ch <- Result{ID: req.ID, Err: fmt.Errorf("cdn: dispatcher closed")}
		return ch
	}
	d.results[req.ID] = ch
	heap.Push(&d.pq, &pqItem{req: req})
	d.mu.Unlock()

	select {
	case d.notify <- struct{}{}:
	default:
	}
	return ch
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		req, ok := d.dequeue()
		if !ok {
			select {
			case <-d.closing:
				return
			case <-d.notify:
				continue
			}
		}

		ctx := context.Background()
		data, err := req.Fetch(ctx)
		metrics.CdnRequestLatency.WithLabelValues(req.Priority.String()).Observe(time.Since(req.Enqueued).Seconds())

		d.mu.Lock()
		ch, ok := d.results[req.ID]
		delete(d.results, req.ID)
		d.mu.Unlock()
		if ok {
			ch <- Result{ID: req.ID, Data: data, Err: err}
		}
	}
}

func (d *Dispatcher) dequeue() (Request, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pq.Len() == 0 {
		return Request{}, false
	}
	item := heap.Pop(&d.pq).(*pqItem)
	return item.req, true
}

// Close stops accepting new dispatch work (a later Submit receives an
// error Result at once) and waits for the workers to finish every
// request already queued.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()
	close(d.closing)
	d.wg.Wait()
}
