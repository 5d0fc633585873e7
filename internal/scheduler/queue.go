package scheduler

import (
	"sync/atomic"
	"time"

	"github.com/crucible-ai/crucible/pkg/models"
)

// pending is one queued request awaiting dispatch in a batch group.
type pending struct {
	req      *models.Request
	reply    chan outcome
	enqueued time.Time
	index    int
	gone     atomic.Bool
}

// abandon marks the item so the flush skips it.
func (p *pending) abandon() { p.gone.Store(true) }

func (p *pending) abandoned() bool { return p.gone.Load() }

type outcome struct {
	resp *models.Response
	err  error
}

// requestQueue orders pending work: highest priority first, FIFO
// within a priority via the scheduler-assigned sequence.
type requestQueue []*pending

func (q requestQueue) Len() int { return len(q) }

func (q requestQueue) Less(i, j int) bool {
	if q[i].req.Priority != q[j].req.Priority {
		return q[i].req.Priority > q[j].req.Priority
	}
	return q[i].req.Sequence < q[j].req.Sequence
}

func (q requestQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *requestQueue) Push(x any) {
	p := x.(*pending)
	p.index = len(*q)
	*q = append(*q, p)
}

func (q *requestQueue) Pop() any {
	old := *q
	n := len(old)
	p := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return p
}
