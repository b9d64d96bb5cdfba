package scheduler

import (
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/inferout/internal/catalog"
)

// activeWorkers is the scheduler's view of serving workers. It remembers
// the order in which workers were first seen so that ties in SelectWorker
// resolve by store scan order.
type activeWorkers struct {
	mu      sync.RWMutex
	order   []string
	workers map[string]catalog.WorkerRecord
}

func newActiveWorkers() *activeWorkers {
	return &activeWorkers{workers: make(map[string]catalog.WorkerRecord)}
}

// replace swaps the whole view for recs, keeping their order.
func (a *activeWorkers) replace(recs []*catalog.WorkerRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.order = a.order[:0]
	a.workers = make(map[string]catalog.WorkerRecord, len(recs))
	for _, rec := range recs {
		if _, dup := a.workers[rec.ID]; dup {
			continue
		}
		a.order = append(a.order, rec.ID)
		a.workers[rec.ID] = *rec
	}
}

// upsert adds rec or refreshes it in place.
func (a *activeWorkers) upsert(rec *catalog.WorkerRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.workers[rec.ID]; !ok {
		a.order = append(a.order, rec.ID)
	}
	a.workers[rec.ID] = *rec
}

func (a *activeWorkers) remove(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.workers[id]; !ok {
		return
	}
	delete(a.workers, id)
	a.order = slices.DeleteFunc(a.order, func(o string) bool { return o == id })
}

func (a *activeWorkers) has(id string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.workers[id]
	return ok
}

// bump counts one more instance on id until the next heartbeat says
// otherwise.
func (a *activeWorkers) bump(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if rec, ok := a.workers[id]; ok {
		rec.ModelInstancesCount++
		a.workers[id] = rec
	}
}

// list returns copies of the records in first-seen order.
func (a *activeWorkers) list() []catalog.WorkerRecord {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]catalog.WorkerRecord, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, a.workers[id])
	}
	return out
}
