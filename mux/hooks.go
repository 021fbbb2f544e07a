package mux

import (
	"context"
	"os"
	"os/signal"
	"sync"
)

// Hooks is a set of teardown functions run once when the program shuts down.
type Hooks struct {
	mu     sync.Mutex
	nextID int
	hooks  map[int]func()
}

func NewHooks() *Hooks {
	return &Hooks{hooks: map[int]func(){}}
}

// Add registers fn and returns an id for removing it.
func (h *Hooks) Add(fn func()) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	h.hooks[h.nextID] = fn
	return h.nextID
}

// Remove unregisters the hook with the given id. It reports whether the hook was still registered.
func (h *Hooks) Remove(id int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.hooks[id]
	delete(h.hooks, id)
	return ok
}

func (h *Hooks) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.hooks)
}

// Run runs every registered hook concurrently and waits for them to return.
// Each hook runs at most once, even if Run is called concurrently.
func (h *Hooks) Run() {
	h.mu.Lock()
	hooks := h.hooks
	h.hooks = map[int]func(){}
	h.mu.Unlock()

	var wg sync.WaitGroup
	for _, fn := range hooks {
		fn := fn
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}
	wg.Wait()
}

// Listen runs the hooks when one of sigs is received, then sends the signal on the returned channel.
// When ctx is done first, it stops listening and closes the channel without running the hooks.
func (h *Hooks) Listen(ctx context.Context, sigs ...os.Signal) <-chan os.Signal {
	in := make(chan os.Signal, 1)
	out := make(chan os.Signal, 1)
	signal.Notify(in, sigs...)
	go func() {
		defer signal.Stop(in)
		select {
		case sig := <-in:
			h.Run()
			out <- sig
		case <-ctx.Done():
			close(out)
		}
	}()
	return out
}
