package engine

import (
	"fmt"
	"sync"
)

// ResultSlots holds one textual outcome per dataset row, addressed by row
// index. Each slot can be written once.
type ResultSlots struct {
	mu      sync.Mutex
	values  []string
	written []bool
}

func NewResultSlots(n int) *ResultSlots {
	return &ResultSlots{
		values:  make([]string, n),
		written: make([]bool, n),
	}
}

func (s *ResultSlots) Len() int {
	return len(s.values)
}

func (s *ResultSlots) Set(index int, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 0 || index >= len(s.values) {
		return fmt.Errorf("slot index %d out of range [0,%d)", index, len(s.values))
	}
	if s.written[index] {
		return fmt.Errorf("slot %d already written", index)
	}

	s.values[index] = value
	s.written[index] = true
	return nil
}

// Values returns a copy of the slots. Unwritten slots are empty.
func (s *ResultSlots) Values() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.values...)
}

func (s *ResultSlots) Filled() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, w := range s.written {
		if w {
			n++
		}
	}
	return n
}
