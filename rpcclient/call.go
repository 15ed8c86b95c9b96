package rpcclient

import (
	"sync"
	"time"

	"github.com/cyberinferno/campusrpc/protocol"
)

// Call is one outstanding request. It resolves exactly once.
type Call struct {
	ID      protocol.ID
	Request *protocol.Request

	once sync.Once
	done chan struct{}
	resp *protocol.Response
	err  error

	mu        sync.Mutex
	timer     *time.Timer
	stopWatch func() bool
}

func newCall(req *protocol.Request) *Call {
	return &Call{ID: req.ID, Request: req, done: make(chan struct{})}
}

// arm records the timeout timer and the context watch so resolve can
// release them.
func (c *Call) arm(timer *time.Timer, stopWatch func() bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		timer.Stop()
		stopWatch()
		return
	default:
	}

	c.timer = timer
	c.stopWatch = stopWatch
}

func (c *Call) resolve(resp *protocol.Response, err error) {
	c.once.Do(func() {
		c.resp, c.err = resp, err
		close(c.done)

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.timer != nil {
			c.timer.Stop()
		}
		if c.stopWatch != nil {
			c.stopWatch()
		}
	})
}

// Done is closed once the call is resolved.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the call is resolved and returns its outcome: the
// matching response, or ErrTimeout, ErrConnectionLost or a context error.
func (c *Call) Wait() (*protocol.Response, error) {
	<-c.done
	return c.resp, c.err
}
