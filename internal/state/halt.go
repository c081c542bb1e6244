package state

import (
	"sync"

	"github.com/alanyoungcy/controlplane/internal/domain"
)

// Halt is the process-wide trading halt flag. It is created once at wiring
// time and handed by reference to every component that reads it. The only
// writer is the Store, from a kill-switch transaction commit or ResetHalt.
type Halt struct {
	mu sync.RWMutex
	st domain.HaltState
}

// NewHalt returns a flag in the NORMAL state.
func NewHalt() *Halt {
	return &Halt{st: domain.Normal()}
}

// Load returns the current halt state.
func (h *Halt) Load() domain.HaltState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	st := h.st
	if st.HaltedAt != nil {
		t := *st.HaltedAt
		st.HaltedAt = &t
	}
	return st
}

// Active reports whether trading is halted.
func (h *Halt) Active() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.st.Halted
}

func (h *Halt) store(st domain.HaltState) {
	h.mu.Lock()
	h.st = st
	h.mu.Unlock()
}
