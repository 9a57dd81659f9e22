package chat

import "go.uber.org/atomic"

// VisitorCounter is shared by the coordinator and the counter endpoint.
type VisitorCounter struct {
	n atomic.Int64
}

// NewVisitorCounter returns a counter starting at zero.
func NewVisitorCounter() *VisitorCounter {
	return &VisitorCounter{}
}

// Next increments the counter and returns its value before the increment.
func (v *VisitorCounter) Next() int64 {
	return v.n.Inc() - 1
}

// Load returns the current value.
func (v *VisitorCounter) Load() int64 {
	return v.n.Load()
}
