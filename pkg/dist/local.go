package dist

import (
	"sync"
)

// hub is the rendezvous point of an in-process group.
type hub struct {
	mu      sync.Mutex
	cond    *sync.Cond
	size    int
	gen     uint64
	arrived int
	slots   []any
	result  []any
	closed  bool
}

// exchange deposits v for rank and blocks until every rank has deposited,
// then returns all deposits indexed by rank.
func (h *hub) exchange(rank int, v any) ([]any, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	gen := h.gen
	h.slots[rank] = v
	h.arrived++
	if h.arrived == h.size {
		h.result = h.slots
		h.slots = make([]any, h.size)
		h.arrived = 0
		h.gen++
		h.cond.Broadcast()
		return h.result, nil
	}
	for gen == h.gen && !h.closed {
		h.cond.Wait()
	}
	if gen == h.gen {
		return nil, ErrClosed
	}
	// the next generation cannot complete before this rank deposits again,
	// so result still belongs to gen here.
	return h.result, nil
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.cond.Broadcast()
}

type local struct {
	hub  *hub
	rank int
}

// NewLocal returns the n ranks of an in-process group. Each rank must be driven
// by its own goroutine.
func NewLocal(n int) []Group {
	h := &hub{size: n, slots: make([]any, n)}
	h.cond = sync.NewCond(&h.mu)
	groups := make([]Group, n)
	for i := range groups {
		groups[i] = &local{hub: h, rank: i}
	}
	return groups
}

func (g *local) Rank() int      { return g.rank }
func (g *local) LocalRank() int { return g.rank }
func (g *local) WorldSize() int { return g.hub.size }

func (g *local) Barrier() error {
	_, err := g.hub.exchange(g.rank, nil)
	return err
}

func (g *local) AllReduce(buf []float64) error {
	all, err := g.hub.exchange(g.rank, append([]float64(nil), buf...))
	if err != nil {
		return err
	}
	contributions := make([][]float64, len(all))
	for i, c := range all {
		contributions[i] = c.([]float64)
	}
	return sumInto(buf, contributions)
}

func (g *local) AllGather(payload []byte) ([][]byte, error) {
	all, err := g.hub.exchange(g.rank, append([]byte(nil), payload...))
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(all))
	for i, p := range all {
		out[i] = p.([]byte)
	}
	return out, nil
}

// Close closes the whole group; ranks blocked in a collective get ErrClosed.
func (g *local) Close() error {
	g.hub.close()
	return nil
}
