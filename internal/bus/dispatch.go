package bus

import "sync"

// dispatcher runs each delivery on its own goroutine. With a positive limit
// it blocks the caller once limit deliveries are in flight.
type dispatcher struct {
	slots chan struct{}
	wg    sync.WaitGroup
}

func newDispatcher(limit int) *dispatcher {
	d := &dispatcher{}
	if limit > 0 {
		d.slots = make(chan struct{}, limit)
	}
	return d
}

func (d *dispatcher) run(fn func()) {
	if d.slots != nil {
		d.slots <- struct{}{}
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if d.slots != nil {
			defer func() { <-d.slots }()
		}
		fn()
	}()
}

func (d *dispatcher) wait() {
	d.wg.Wait()
}
