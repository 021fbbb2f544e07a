package mux

import (
	"context"
	"fmt"
	"sync"
)

type result struct {
	body []byte
	err  error
}

// waiter is the rendezvous point of one pending request.
type waiter struct {
	id int
	ch chan result
	// abandoned is set when the caller gave up waiting. The entry stays in the table so the late response is dropped
	// instead of being handed to a later request that reuses the id.
	abandoned bool
}

// table routes responses to pending requests by request id.
// Every entry is fulfilled at most once: fulfillment removes it under the lock.
type table struct {
	mu      sync.Mutex
	waiters map[int]*waiter
	// err is set once the table has failed; every later registration fails with it.
	err error
}

func newTable() *table {
	return &table{waiters: map[int]*waiter{}}
}

func (t *table) register(id int) (*waiter, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return nil, t.err
	}
	if _, ok := t.waiters[id]; ok {
		return nil, fmt.Errorf("%w: %d", ErrDuplicateID, id)
	}
	w := &waiter{id: id, ch: make(chan result, 1)}
	t.waiters[id] = w
	return w, nil
}

func (t *table) fulfill(id int, res result) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.waiters[id]
	if !ok {
		return false
	}
	delete(t.waiters, id)
	if !w.abandoned {
		w.ch <- res
	}
	return true
}

// deliver hands body to the request with the given id. It returns false if no such request is pending.
func (t *table) deliver(id int, body []byte) bool {
	return t.fulfill(id, result{body: body})
}

func (t *table) fail(id int, err error) bool {
	return t.fulfill(id, result{err: err})
}

// remove drops w if it is still pending, for requests that never reached the worker.
func (t *table) remove(w *waiter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.waiters[w.id] == w {
		delete(t.waiters, w.id)
	}
}

// failAll fails every pending request with err, and makes later registrations fail with the first error passed here.
func (t *table) failAll(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err == nil {
		t.err = err
	}
	for id, w := range t.waiters {
		delete(t.waiters, id)
		if !w.abandoned {
			w.ch <- result{err: err}
		}
	}
}

func (t *table) wait(ctx context.Context, w *waiter) ([]byte, error) {
	select {
	case res := <-w.ch:
		return res.body, res.err
	case <-ctx.Done():
	}

	t.mu.Lock()
	if t.waiters[w.id] == w {
		w.abandoned = true
		t.mu.Unlock()
		return nil, ctx.Err()
	}
	t.mu.Unlock()

	// fulfilled while we were giving up, so the result is already buffered
	res := <-w.ch
	return res.body, res.err
}

func (t *table) pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.waiters)
}
