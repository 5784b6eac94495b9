package shutdown

import (
	"context"
	"sync"

	"github.com/readytrader/gateway/pkg/logger"
)

// Handler is a shutdown callback. It should return promptly once ctx is
// done even if remote peers have not closed cleanly.
type Handler func(ctx context.Context)

// Manager runs registered shutdown callbacks concurrently with a
// deadline.
type Manager struct {
	mu        sync.Mutex
	callbacks []Handler
}

func NewManager() *Manager {
	return &Manager{}
}

// OnShutdown registers a callback.
func (m *Manager) OnShutdown(handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, handler)
}

// Shutdown executes all callbacks and blocks until they finish or ctx
// expires.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	callbacks := m.callbacks
	m.mu.Unlock()

	if len(callbacks) == 0 {
		return
	}

	log := logger.Component("shutdown")
	log.Infof("shutting down, %d callbacks", len(callbacks))

	var wg sync.WaitGroup
	wg.Add(len(callbacks))
	for _, cb := range callbacks {
		go func(handler Handler) {
			defer wg.Done()
			handler(ctx)
		}(cb)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("shutdown complete")
	case <-ctx.Done():
		log.Warn("shutdown deadline exceeded, exiting anyway")
	}
}
