// Package netmon tracks connectivity and fans out online/offline transitions.
package netmon

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultBufferSize = 4

// Transition is emitted once per connectivity change.
type Transition struct {
	Online bool
	At     time.Time
}

// Probe checks the remote store. A nil error means online.
type Probe func(ctx context.Context) error

// Monitor holds the current connectivity and notifies subscribers on change only.
type Monitor struct {
	mu          sync.RWMutex
	online      bool
	subscribers map[int64]chan Transition
	nextID      int64
	bufferSize  int
	clock       func() time.Time
	logger      *zap.Logger
}

// NewMonitor constructs a Monitor starting in the given state.
func NewMonitor(initiallyOnline bool, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		online:      initiallyOnline,
		subscribers: make(map[int64]chan Transition),
		bufferSize:  defaultBufferSize,
		clock:       time.Now,
		logger:      logger,
	}
}

// Online reports the current connectivity.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Set records a connectivity observation and reports whether it changed the state.
func (m *Monitor) Set(online bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.online == online {
		return false
	}
	m.online = online
	transition := Transition{Online: online, At: m.clock().UTC()}
	m.logger.Info("connectivity changed", zap.Bool("online", online))
	for _, stream := range m.subscribers {
		deliver(stream, transition, m.logger)
	}
	return true
}

// deliver never blocks. A full stream loses its oldest transition so the newest state always arrives.
func deliver(stream chan Transition, transition Transition, logger *zap.Logger) {
	for {
		select {
		case stream <- transition:
			return
		default:
		}
		select {
		case <-stream:
			logger.Debug("dropped stale connectivity transition for slow subscriber")
		default:
		}
	}
}

// Subscribe returns a buffered transition stream. The stream is closed when ctx ends or the returned
// cancel func is called.
func (m *Monitor) Subscribe(ctx context.Context) (<-chan Transition, func()) {
	stream := make(chan Transition, m.bufferSize)

	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.subscribers[id] = stream
	m.mu.Unlock()

	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subscribers, id)
			close(stream)
			m.mu.Unlock()
			close(done)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()
	return stream, cancel
}

// Run probes immediately and then every interval until ctx ends.
func (m *Monitor) Run(ctx context.Context, probe Probe, interval time.Duration) {
	if probe == nil || interval <= 0 {
		return
	}
	m.check(ctx, probe)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check(ctx, probe)
		}
	}
}

func (m *Monitor) check(ctx context.Context, probe Probe) {
	err := probe(ctx)
	if err != nil && ctx.Err() != nil {
		return
	}
	if err != nil {
		m.logger.Debug("connectivity probe failed", zap.Error(err))
	}
	m.Set(err == nil)
}
