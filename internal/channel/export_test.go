package channel

import "time"

// Test-only exports for the external channel_test package.

// NewBackoff exposes newBackoff.
func NewBackoff(initial, max time.Duration) *backoff {
	return newBackoff(initial, max)
}

// Generation returns the current connection generation.
func (m *Manager) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen
}

// Adopt exposes adopt.
func (m *Manager) Adopt(conn Conn, expect uint64) {
	m.adopt(conn, expect)
}
