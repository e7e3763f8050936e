package memory

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jwalitptl/iris/internal/model"
	"github.com/jwalitptl/iris/internal/repository"
)

type triggerItem struct {
	trigger model.Trigger
	index   int
}

// triggerHeap orders triggers by expiry, earliest first.
type triggerHeap []*triggerItem

func (h triggerHeap) Len() int { return len(h) }
func (h triggerHeap) Less(i, j int) bool {
	if h[i].trigger.ExpiresAt.Equal(h[j].trigger.ExpiresAt) {
		return h[i].trigger.DispatchID < h[j].trigger.DispatchID
	}
	return h[i].trigger.ExpiresAt.Before(h[j].trigger.ExpiresAt)
}
func (h triggerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *triggerHeap) Push(x interface{}) {
	item := x.(*triggerItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *triggerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

type TriggerRepository struct {
	mu    sync.Mutex
	heap  triggerHeap
	index map[string]*triggerItem
}

var _ repository.TriggerRepository = (*TriggerRepository)(nil)

func NewTriggerRepository() *TriggerRepository {
	return &TriggerRepository{index: make(map[string]*triggerItem)}
}

func (r *TriggerRepository) Schedule(_ context.Context, trigger model.Trigger) error {
	if trigger.DispatchID == "" {
		return fmt.Errorf("trigger dispatch id cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if item, ok := r.index[trigger.DispatchID]; ok {
		item.trigger.ExpiresAt = trigger.ExpiresAt
		heap.Fix(&r.heap, item.index)
		return nil
	}
	item := &triggerItem{trigger: trigger}
	heap.Push(&r.heap, item)
	r.index[trigger.DispatchID] = item
	return nil
}

func (r *TriggerRepository) Cancel(_ context.Context, dispatchID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if item, ok := r.index[dispatchID]; ok {
		heap.Remove(&r.heap, item.index)
		delete(r.index, dispatchID)
	}
	return nil
}

func (r *TriggerRepository) ClaimDue(_ context.Context, now time.Time, limit int) ([]model.Trigger, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var claimed []model.Trigger
	for len(claimed) < limit && r.heap.Len() > 0 && !r.heap[0].trigger.ExpiresAt.After(now) {
		item := heap.Pop(&r.heap).(*triggerItem)
		delete(r.index, item.trigger.DispatchID)
		claimed = append(claimed, item.trigger)
	}
	return claimed, nil
}

func (r *TriggerRepository) Get(_ context.Context, dispatchID string) (*model.Trigger, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.index[dispatchID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrTriggerNotFound, dispatchID)
	}
	t := item.trigger
	return &t, nil
}

// Len reports the number of pending triggers.
func (r *TriggerRepository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.heap.Len()
}

func (r *TriggerRepository) Ping(context.Context) error {
	return nil
}
