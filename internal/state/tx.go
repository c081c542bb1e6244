package state

import (
	"fmt"
	"sort"

	"github.com/alanyoungcy/controlplane/internal/domain"
)

// Tx stages changes to many entities under the exclusive store lock. Nothing
// staged is visible until the transaction commits.
type Tx struct {
	s          *Store
	orders     map[string]domain.Order
	positions  map[domain.PositionKey]domain.Position
	strategies map[string]domain.Strategy
	halt       *domain.HaltState
}

// Transact runs fn with exclusive access to the store. Staged changes are
// committed only when fn returns nil; otherwise they are discarded and the
// error is returned unchanged.
func (s *Store) Transact(fn func(tx *Tx) error) error {
	s.global.Lock()
	defer s.global.Unlock()

	tx := &Tx{
		s:          s,
		orders:     make(map[string]domain.Order),
		positions:  make(map[domain.PositionKey]domain.Position),
		strategies: make(map[string]domain.Strategy),
	}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// Orders returns every order as the transaction currently sees it.
func (tx *Tx) Orders() []domain.Order {
	out := tx.s.Orders(nil)
	for i, o := range out {
		if staged, ok := tx.orders[o.ID]; ok {
			out[i] = staged.Clone()
		}
	}
	return out
}

// PutOrder stages a replacement for an existing order.
func (tx *Tx) PutOrder(o domain.Order) error {
	if _, ok := tx.s.orderEntry(o.ID); !ok {
		return fmt.Errorf("state: tx order %q: %w", o.ID, domain.ErrNotFound)
	}
	tx.orders[o.ID] = o.Clone()
	return nil
}

// Positions returns every position as the transaction currently sees it.
func (tx *Tx) Positions() []domain.Position {
	out := tx.s.Positions()
	for i, p := range out {
		if staged, ok := tx.positions[p.Key()]; ok {
			out[i] = staged
		}
	}
	return out
}

// PutPosition stages a replacement for an existing position.
func (tx *Tx) PutPosition(p domain.Position) error {
	tx.s.idx.RLock()
	_, ok := tx.s.positions[p.Key()]
	tx.s.idx.RUnlock()
	if !ok {
		return fmt.Errorf("state: tx position %s: %w", p.Key(), domain.ErrNotFound)
	}
	tx.positions[p.Key()] = p
	return nil
}

// Strategies returns every strategy as the transaction currently sees it.
func (tx *Tx) Strategies() []domain.Strategy {
	out := tx.s.Strategies()
	for i, st := range out {
		if staged, ok := tx.strategies[st.ID]; ok {
			out[i] = staged
		}
	}
	return out
}

// PutStrategy stages a replacement for an existing strategy.
func (tx *Tx) PutStrategy(st domain.Strategy) error {
	tx.s.idx.RLock()
	_, ok := tx.s.strategies[st.ID]
	tx.s.idx.RUnlock()
	if !ok {
		return fmt.Errorf("state: tx strategy %q: %w", st.ID, domain.ErrNotFound)
	}
	tx.strategies[st.ID] = st
	return nil
}

// Halt returns the halt state as the transaction currently sees it.
func (tx *Tx) Halt() domain.HaltState {
	if tx.halt != nil {
		return *tx.halt
	}
	return tx.s.halt.Load()
}

// SetHalt stages a new halt state.
func (tx *Tx) SetHalt(st domain.HaltState) {
	tx.halt = &st
}

// StagedCounts reports how many entities of each kind are staged.
func (tx *Tx) StagedCounts() (orders, positions, strategies int) {
	return len(tx.orders), len(tx.positions), len(tx.strategies)
}

func (tx *Tx) commit() {
	ids := make([]string, 0, len(tx.orders))
	for id := range tx.orders {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		e, _ := tx.s.orderEntry(id)
		e.mu.Lock()
		e.v = tx.orders[id]
		e.mu.Unlock()
	}

	tx.s.idx.RLock()
	defer tx.s.idx.RUnlock()
	for key, p := range tx.positions {
		e := tx.s.positions[key]
		e.mu.Lock()
		e.v = p
		e.mu.Unlock()
	}
	for id, st := range tx.strategies {
		e := tx.s.strategies[id]
		e.mu.Lock()
		e.v = st
		e.mu.Unlock()
	}
	if tx.halt != nil {
		tx.s.halt.store(*tx.halt)
	}
}
