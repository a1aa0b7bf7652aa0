package binding

import "sync"

// State is the slice of the host application's reactivity system that the
// binder needs: a writable keyed slot. Mutations below the top level happen
// in place on the values previously written, so hosts that need change
// notification should use the binder's WithNotify option or a container
// like MapState that reports its own writes.
type State interface {
	Set(key string, value any)
}

// MapState is a map-backed State with an optional change callback fired
// after every top-level write. It is the reference container used in tests
// and demos; real hosts adapt their own stores to the State interface.
type MapState struct {
	mu       sync.RWMutex
	values   map[string]any
	onChange func()
}

// NewMapState returns an empty MapState. onChange may be nil.
func NewMapState(onChange func()) *MapState {
	return &MapState{
		values:   make(map[string]any),
		onChange: onChange,
	}
}

func (m *MapState) Set(key string, value any) {
	m.mu.Lock()
	m.values[key] = value
	m.mu.Unlock()
	if m.onChange != nil {
		m.onChange()
	}
}

// Get returns the current value for key, or nil.
func (m *MapState) Get(key string) any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.values[key]
}

// Value is a standalone reactive single value with the same set-with-notify
// contract as a State slot, usable outside any state container.
type Value struct {
	mu       sync.RWMutex
	v        any
	onChange func()
}

// NewValue returns a Value holding nil. onChange may be nil.
func NewValue(onChange func()) *Value {
	return &Value{onChange: onChange}
}

// Get returns the current value.
func (v *Value) Get() any {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.v
}

// Set replaces the value and fires the change callback.
func (v *Value) Set(val any) {
	v.mu.Lock()
	v.v = val
	v.mu.Unlock()
	if v.onChange != nil {
		v.onChange()
	}
}

// Slot adapts the value to the State interface. The key is ignored; every
// write lands on the single wrapped value.
func (v *Value) Slot() State {
	return valueSlot{v}
}

type valueSlot struct{ v *Value }

func (s valueSlot) Set(_ string, value any) { s.v.Set(value) }
