package picker

import (
	"sync"

	"github.com/smallnest/weighted"
)

type (
	// Choice is an item with its relative weight. Non-positive weights count as 1.
	Choice[T any] struct {
		Item   T
		Weight int
	}

	// Picker spreads picks across the choices with smooth weighted round-robin.
	// It is safe for concurrent use.
	Picker[T any] interface {
		Next() T
	}

	constPicker[T any] struct {
		item T
	}

	weightedPicker[T any] struct {
		mu sync.Mutex
		sw *weighted.SW
	}
)

// New returns a picker over choices. An empty picker returns the zero value of T.
func New[T any](choices []Choice[T]) Picker[T] {
	switch len(choices) {
	case 0:
		var zero T
		return &constPicker[T]{item: zero}
	case 1:
		return &constPicker[T]{item: choices[0].Item}
	}

	sw := &weighted.SW{}
	for _, choice := range choices {
		weight := choice.Weight
		if weight <= 0 {
			weight = 1
		}
		sw.Add(choice.Item, weight)
	}
	return &weightedPicker[T]{sw: sw}
}

func (p *constPicker[T]) Next() T {
	return p.item
}

func (p *weightedPicker[T]) Next() T {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sw.Next().(T)
}
