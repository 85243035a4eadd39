// Package connectivity tracks whether the remote booking service is reachable.
package connectivity

import (
	"sync"

	"github.com/rs/zerolog"
)

// Monitor owns the process-wide online/offline cell.
type Monitor struct {
	mu     sync.RWMutex
	online bool
	subs   map[int]chan bool
	nextID int
	logger zerolog.Logger
}

// NewMonitor creates a monitor with the initial state derived from the environment.
func NewMonitor(initial bool, logger zerolog.Logger) *Monitor {
	return &Monitor{
		online: initial,
		subs:   make(map[int]chan bool),
		logger: logger.With().Str("component", "connectivity").Logger(),
	}
}

// Online returns the current state.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Set records the latest environment signal and notifies subscribers on change.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.online == online {
		return
	}
	m.online = online

	m.logger.Info().Bool("online", online).Msg("connectivity changed")
	for _, ch := range m.subs {
		deliver(ch, online)
	}
}

// Subscribe returns a channel receiving every transition. Each subscriber
// holds at most one undelivered value: a newer state replaces an unread one.
// The returned func unsubscribes and closes the channel.
func (m *Monitor) Subscribe() (<-chan bool, func()) {
	ch := make(chan bool, 1)

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
			close(ch)
		})
	}
}

func deliver(ch chan bool, v bool) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		// drop the stale value and try again
		select {
		case <-ch:
		default:
		}
	}
}
