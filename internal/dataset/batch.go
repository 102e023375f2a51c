package dataset

import "math/rand"

// Batcher yields shuffled mini-batches from a fixed row pool, reshuffling
// whenever the pool is exhausted.
type Batcher struct {
	rows      []int
	batchSize int
	rng       *rand.Rand
	order     []int
	cursor    int
}

func NewBatcher(rows []int, batchSize int, rng *rand.Rand) *Batcher {
	if batchSize <= 0 || batchSize > len(rows) {
		batchSize = len(rows)
	}
	b := &Batcher{
		rows:      append([]int(nil), rows...),
		batchSize: batchSize,
		rng:       rng,
	}
	b.shuffle()
	return b
}

func (b *Batcher) shuffle() {
	b.order = append(b.order[:0], b.rows...)
	b.rng.Shuffle(len(b.order), func(i, j int) {
		b.order[i], b.order[j] = b.order[j], b.order[i]
	})
	b.cursor = 0
}

// Next returns the next batch. A trailing partial batch is returned as is.
func (b *Batcher) Next() []int {
	if len(b.rows) == 0 {
		return nil
	}
	if b.cursor >= len(b.order) {
		b.shuffle()
	}
	end := b.cursor + b.batchSize
	if end > len(b.order) {
		end = len(b.order)
	}
	batch := append([]int(nil), b.order[b.cursor:end]...)
	b.cursor = end
	return batch
}

func (b *Batcher) BatchSize() int { return b.batchSize }
