package ema

// Handle is an optional Manager. The zero value is empty.
type Handle struct {
	m *Manager
}

// Some wraps a manager
func Some(m *Manager) Handle {
	return Handle{m: m}
}

// None returns an empty handle
func None() Handle {
	return Handle{}
}

// Get returns the manager and whether one is present
func (h Handle) Get() (*Manager, bool) {
	return h.m, h.m != nil
}

// Present reports whether a manager is attached
func (h Handle) Present() bool {
	return h.m != nil
}
