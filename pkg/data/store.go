package data

import (
	"io"
	"math/rand"
)

// Rollout is one scored generation.
type Rollout struct {
	// Tokens is the unpadded prompt followed by the response.
	Tokens []int32
	// PromptLen is the number of prompt tokens at the front of Tokens.
	PromptLen int
	Reward    float64
}

// ResponseLen is the number of generated tokens.
func (r Rollout) ResponseLen() int { return len(r.Tokens) - r.PromptLen }

// Store is an in-memory replay buffer of rollouts.
type Store struct {
	rollouts []Rollout
}

// Push appends rollouts to the store.
func (s *Store) Push(rollouts ...Rollout) { s.rollouts = append(s.rollouts, rollouts...) }

// Clear empties the store.
func (s *Store) Clear() { s.rollouts = s.rollouts[:0] }

// Len is the number of stored rollouts.
func (s *Store) Len() int { return len(s.rollouts) }

// Rollouts returns the stored rollouts.
func (s *Store) Rollouts() []Rollout { return s.rollouts }

// Loader returns a loader yielding []Rollout batches over whatever the store
// holds when each epoch starts. A non-nil rng shuffles on every Reset.
func (s *Store) Loader(batchSize int, rng *rand.Rand) Loader {
	l := &storeLoader{store: s, batchSize: max(batchSize, 1), rng: rng}
	l.Reset()
	return l
}

type storeLoader struct {
	store     *Store
	batchSize int
	rng       *rand.Rand
	order     []int
	curPos    int
}

func (l *storeLoader) Reset() {
	l.curPos = 0
	l.order = l.order[:0]
	for i := range l.store.rollouts {
		l.order = append(l.order, i)
	}
	if l.rng != nil {
		l.rng.Shuffle(len(l.order), func(i, j int) { l.order[i], l.order[j] = l.order[j], l.order[i] })
	}
}

func (l *storeLoader) NextBatch() (any, error) {
	if l.curPos >= len(l.order) {
		return nil, io.EOF
	}
	end := min(l.curPos+l.batchSize, len(l.order))
	batch := make([]Rollout, 0, end-l.curPos)
	for _, i := range l.order[l.curPos:end] {
		batch = append(batch, l.store.rollouts[i])
	}
	l.curPos = end
	return batch, nil
}
