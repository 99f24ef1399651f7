// Package timeutil abstracts the wall clock so time-dependent components can
// be driven deterministically in tests.
package timeutil

import (
	"sync"
	"time"
)

// Provider supplies the current time.
type Provider interface {
	Now() time.Time
}

type realProvider struct{}

func (realProvider) Now() time.Time { return time.Now().UTC() }

// Default returns a Provider backed by time.Now in UTC.
func Default() Provider { return realProvider{} }

// Mock is a settable Provider.
type Mock struct {
	mu          sync.RWMutex
	CurrentTime time.Time
}

// NewMock returns a Mock fixed at t.
func NewMock(t time.Time) *Mock { return &Mock{CurrentTime: t} }

// Now returns the mock's current time.
func (m *Mock) Now() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.CurrentTime
}

// Set moves the mock clock to t.
func (m *Mock) Set(t time.Time) {
	m.mu.Lock()
	m.CurrentTime = t
	m.mu.Unlock()
}

// Advance moves the mock clock forward by d.
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	m.CurrentTime = m.CurrentTime.Add(d)
	m.mu.Unlock()
}
