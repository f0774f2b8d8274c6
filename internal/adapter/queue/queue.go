package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/nareth/helmsman/internal/config"
	"github.com/nareth/helmsman/internal/core/domain"
	"github.com/nareth/helmsman/internal/logger"
)

// Item is one queued request. Await blocks the enqueuing goroutine until the
// queue grants its turn, the per-item timeout fires, or the caller's context
// is cancelled.
type Item struct {
	Request  *domain.RequestContext
	Priority int

	EnqueuedAt time.Time

	lastBoost time.Time
	seq       uint64
	index     int // heap position, -1 once removed
	timer     *time.Timer
	resolved  chan error
}

// Await blocks until the item is granted (nil), times out, or the context is
// cancelled. On cancellation the item is withdrawn from the queue.
func (i *Item) Await(ctx context.Context, q *Queue) error {
	select {
	case err := <-i.resolved:
		return err
	case <-ctx.Done():
		q.cancel(i)
		// A grant may have raced the cancellation; prefer it.
		select {
		case err := <-i.resolved:
			return err
		default:
			return domain.ErrCancelled
		}
	}
}

// ItemView is a read-only snapshot for the admin surface.
type ItemView struct {
	RequestID  string        `json:"requestId"`
	Model      string        `json:"model"`
	Priority   int           `json:"priority"`
	WaitSoFar  time.Duration `json:"waitSoFar"`
	EnqueuedAt time.Time     `json:"enqueuedAt"`
}

type Stats struct {
	Size     int   `json:"size"`
	InFlight int64 `json:"inFlight"`
	Paused   bool  `json:"paused"`
	Enqueued int64 `json:"enqueued"`
	Dequeued int64 `json:"dequeued"`
	Expired  int64 `json:"expired"`
	Rejected int64 `json:"rejected"`
}

// Queue is a bounded priority queue with aging. Higher priority dequeues
// first, FIFO within equal priority; a periodic boost lifts long-waiting
// items so low-priority work cannot starve.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  itemHeap
	closed bool
	paused bool

	inFlight int64
	seq      uint64

	enqueued int64
	dequeued int64
	expired  int64
	rejected int64

	cfg    config.QueueConfig
	logger *logger.StyledLogger
	now    func() time.Time
}

func New(cfg config.QueueConfig, log *logger.StyledLogger) *Queue {
	q := &Queue{
		cfg:    cfg,
		logger: log,
		now:    time.Now,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue admits a request. The returned item must be Awaited; a full queue
// rejects immediately with ErrQueueFull.
func (q *Queue) Enqueue(req *domain.RequestContext) (*Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, domain.ErrQueueClosed
	}
	if len(q.items) >= q.cfg.MaxSize {
		q.rejected++
		return nil, domain.ErrQueueFull
	}

	priority := req.Priority
	if priority < 0 {
		priority = 0
	}
	if priority > q.cfg.MaxPriority {
		priority = q.cfg.MaxPriority
	}

	now := q.now()
	item := &Item{
		Request:    req,
		Priority:   priority,
		EnqueuedAt: now,
		lastBoost:  now,
		seq:        q.seq,
		resolved:   make(chan error, 1),
	}
	q.seq++

	heap.Push(&q.items, item)
	q.enqueued++

	if q.cfg.Timeout > 0 {
		item.timer = time.AfterFunc(q.cfg.Timeout, func() { q.expire(item) })
	}
	return item, nil
}

// Dequeue grants the highest-priority item and counts it in flight until the
// matching Done. Returns nil when paused or empty.
func (q *Queue) Dequeue() *Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.paused || len(q.items) == 0 {
		return nil
	}

	item := heap.Pop(&q.items).(*Item)
	q.dequeued++
	q.inFlight++
	q.resolveLocked(item, nil)
	return item
}

// Done releases an in-flight grant.
func (q *Queue) Done() {
	q.mu.Lock()
	if q.inFlight > 0 {
		q.inFlight--
	}
	q.cond.Broadcast()
	q.mu.Unlock()
}

func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Drain waits until nothing is queued or in flight, or the timeout expires.
// Enqueue keeps accepting while draining.
func (q *Queue) Drain(timeout time.Duration) bool {
	deadline := time.AfterFunc(timeout, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer deadline.Stop()

	expiresAt := q.now().Add(timeout)

	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) > 0 || q.inFlight > 0 {
		if !q.now().Before(expiresAt) {
			return false
		}
		q.cond.Wait()
	}
	return true
}

// Close rejects everything still waiting.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	for len(q.items) > 0 {
		item := heap.Pop(&q.items).(*Item)
		q.resolveLocked(item, domain.ErrQueueClosed)
	}
	q.cond.Broadcast()
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Size:     len(q.items),
		InFlight: q.inFlight,
		Paused:   q.paused,
		Enqueued: q.enqueued,
		Dequeued: q.dequeued,
		Expired:  q.expired,
		Rejected: q.rejected,
	}
}

func (q *Queue) Items() []ItemView {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	out := make([]ItemView, 0, len(q.items))
	for _, item := range q.items {
		out = append(out, ItemView{
			RequestID:  item.Request.ID,
			Model:      item.Request.Model,
			Priority:   item.Priority,
			WaitSoFar:  now.Sub(item.EnqueuedAt),
			EnqueuedAt: item.EnqueuedAt,
		})
	}
	return out
}

// Run drives the aging loop until ctx is done.
func (q *Queue) Run(ctx context.Context) {
	interval := q.cfg.PriorityBoostInterval
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.boost()
		}
	}
}

// boost ages waiting items: anything unboosted for a full interval gains
// priorityBoostAmount, capped at maxPriority.
func (q *Queue) boost() {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	changed := false
	for _, item := range q.items {
		if now.Sub(item.lastBoost) < q.cfg.PriorityBoostInterval {
			continue
		}
		if item.Priority < q.cfg.MaxPriority {
			item.Priority += q.cfg.PriorityBoostAmount
			if item.Priority > q.cfg.MaxPriority {
				item.Priority = q.cfg.MaxPriority
			}
			changed = true
		}
		item.lastBoost = now
	}
	if changed {
		heap.Init(&q.items)
	}
}

func (q *Queue) expire(item *Item) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if item.index < 0 {
		return // already granted or withdrawn
	}
	heap.Remove(&q.items, item.index)
	q.expired++
	q.logger.Debug("Queued request timed out",
		"request", item.Request.ID, "model", item.Request.Model,
		"waited", q.now().Sub(item.EnqueuedAt))
	q.resolveLocked(item, domain.ErrQueueTimeout)
}

func (q *Queue) cancel(item *Item) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if item.index < 0 {
		return
	}
	heap.Remove(&q.items, item.index)
	q.resolveLocked(item, domain.ErrCancelled)
}

func (q *Queue) resolveLocked(item *Item, err error) {
	if item.timer != nil {
		item.timer.Stop()
	}
	select {
	case item.resolved <- err:
	default:
	}
	q.cond.Broadcast()
}

// itemHeap orders by priority descending, then FIFO by sequence.
type itemHeap []*Item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x any) {
	item := x.(*Item)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}
