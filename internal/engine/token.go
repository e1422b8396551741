package engine

import "sync"

// CancelToken is a one-shot stop signal shared by a run and its workers.
type CancelToken struct {
	once sync.Once
	done chan struct{}
}

func NewCancelToken() *CancelToken {
	return &CancelToken{done: make(chan struct{})}
}

// Cancel is safe to call any number of times from any goroutine.
func (c *CancelToken) Cancel() {
	c.once.Do(func() { close(c.done) })
}

func (c *CancelToken) Cancelled() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *CancelToken) Done() <-chan struct{} {
	return c.done
}
