package tensor

import (
	"iter"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// StateDict maps parameter names to tensors, preserving insertion order so
// checkpoints round-trip in module order.
type StateDict struct {
	om *orderedmap.OrderedMap[string, *Tensor]
}

func NewStateDict() *StateDict {
	return &StateDict{om: orderedmap.New[string, *Tensor]()}
}

// Set adds or replaces a tensor. Replacing keeps the original position.
func (s *StateDict) Set(name string, t *Tensor) {
	s.om.Set(name, t)
}

func (s *StateDict) Get(name string) (*Tensor, bool) {
	if s == nil || s.om == nil {
		return nil, false
	}
	return s.om.Get(name)
}

func (s *StateDict) Has(name string) bool {
	_, ok := s.Get(name)
	return ok
}

func (s *StateDict) Delete(name string) {
	s.om.Delete(name)
}

func (s *StateDict) Len() int {
	if s == nil || s.om == nil {
		return 0
	}
	return s.om.Len()
}

// All iterates entries in insertion order.
func (s *StateDict) All() iter.Seq2[string, *Tensor] {
	return func(yield func(string, *Tensor) bool) {
		if s == nil || s.om == nil {
			return
		}
		for pair := s.om.Oldest(); pair != nil; pair = pair.Next() {
			if !yield(pair.Key, pair.Value) {
				return
			}
		}
	}
}

func (s *StateDict) Keys() []string {
	keys := make([]string, 0, s.Len())
	for k := range s.All() {
		keys = append(keys, k)
	}
	return keys
}

// NumElements sums the element counts of every tensor.
func (s *StateDict) NumElements() int64 {
	var n int64
	for _, t := range s.All() {
		n += int64(t.Len())
	}
	return n
}
