package worker

import (
	"container/heap"
	"sync"
)

// SyncPriority orders queued wallet syncs. Higher runs first.
type SyncPriority int

const (
	// PriorityScheduled is a sync queued by the periodic ticker
	PriorityScheduled SyncPriority = 10
	// PriorityRequested is an on-demand sync asked for by a caller
	PriorityRequested SyncPriority = 100
)

// queuedWallet is one pending sync
type queuedWallet struct {
	walletID string
	priority SyncPriority
	seq      uint64
	index    int
}

// walletHeap orders by priority, then by arrival
type walletHeap []*queuedWallet

func (h walletHeap) Len() int { return len(h) }

func (h walletHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h walletHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *walletHeap) Push(x any) {
	item := x.(*queuedWallet)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *walletHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// PriorityQueue holds wallets waiting for a sync. A wallet is queued at
// most once; pushing it again can only raise its priority.
type PriorityQueue struct {
	mu     sync.Mutex
	items  walletHeap
	byID   map[string]*queuedWallet
	nextID uint64
}

// NewPriorityQueue creates an empty queue
func NewPriorityQueue() *PriorityQueue {
	return &PriorityQueue{byID: make(map[string]*queuedWallet)}
}

// Push queues a wallet. It reports whether the wallet was newly added.
func (pq *PriorityQueue) Push(walletID string, priority SyncPriority) bool {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	if item, ok := pq.byID[walletID]; ok {
		if priority > item.priority {
			item.priority = priority
			heap.Fix(&pq.items, item.index)
		}
		return false
	}

	pq.nextID++
	item := &queuedWallet{walletID: walletID, priority: priority, seq: pq.nextID}
	heap.Push(&pq.items, item)
	pq.byID[walletID] = item
	return true
}

// Pop removes the highest priority wallet. ok is false when the queue is
// empty.
func (pq *PriorityQueue) Pop() (walletID string, priority SyncPriority, ok bool) {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	if pq.items.Len() == 0 {
		return "", 0, false
	}
	item := heap.Pop(&pq.items).(*queuedWallet)
	delete(pq.byID, item.walletID)
	return item.walletID, item.priority, true
}

// Len returns the number of queued wallets
func (pq *PriorityQueue) Len() int {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	return pq.items.Len()
}
