package capture

import (
	"sync"

	"github.com/andresmejia3/veil/internal/types"
)

const defaultHistorySize = 3

// History keeps the most recent captures, newest first.
type History struct {
	mu    sync.Mutex
	size  int
	items []types.CapturedItem
}

func NewHistory(n int) *History {
	if n < 1 {
		n = defaultHistorySize
	}
	return &History{size: n}
}

// Add records item, evicting the oldest entry past capacity.
func (h *History) Add(item types.CapturedItem) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.items = append([]types.CapturedItem{item}, h.items...)
	if len(h.items) > h.size {
		h.items = h.items[:h.size]
	}
}

// Items returns a copy, newest first.
func (h *History) Items() []types.CapturedItem {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]types.CapturedItem(nil), h.items...)
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.items)
}
