// Package state holds the authoritative in-memory view of orders, positions,
// mandates, alerts, strategies and the trading halt.
//
// Locking discipline:
//   - every mutation holds the store-wide lock shared, plus the lock of the
//     entity it changes (order before position when both are needed);
//   - Transact holds the store-wide lock exclusively, so a kill switch never
//     interleaves with any other mutation;
//   - readers take only the entity lock and always receive copies.
package state

import (
	"fmt"
	"sort"
	"sync"

	"github.com/alanyoungcy/controlplane/internal/domain"
)

type orderEntry struct {
	mu    sync.Mutex
	v     domain.Order
	fills []domain.Fill
}

type positionEntry struct {
	mu sync.Mutex
	v  domain.Position
}

type mandateEntry struct {
	mu sync.Mutex
	v  domain.Mandate
}

type alertEntry struct {
	mu sync.Mutex
	v  domain.Alert
}

type strategyEntry struct {
	mu sync.Mutex
	v  domain.Strategy
}

// Store is the single serialization point for control-plane state.
type Store struct {
	global sync.RWMutex
	halt   *Halt

	idx        sync.RWMutex
	orders     map[string]*orderEntry
	positions  map[domain.PositionKey]*positionEntry
	mandates   map[string]*mandateEntry
	alerts     map[string]*alertEntry
	alertSeq   []string
	strategies map[string]*strategyEntry
}

// New creates an empty Store that reads and writes the given halt flag.
func New(halt *Halt) *Store {
	if halt == nil {
		halt = NewHalt()
	}
	return &Store{
		halt:       halt,
		orders:     make(map[string]*orderEntry),
		positions:  make(map[domain.PositionKey]*positionEntry),
		mandates:   make(map[string]*mandateEntry),
		alerts:     make(map[string]*alertEntry),
		strategies: make(map[string]*strategyEntry),
	}
}

// Halt returns the halt flag shared with this store.
func (s *Store) Halt() *Halt {
	return s.halt
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

// InsertOrder adds a new order. It fails with ErrHaltActive while trading is
// halted; the check and the insert happen under the shared store lock so a
// concurrent kill switch either sees the order or rejects it.
func (s *Store) InsertOrder(o domain.Order) error {
	s.global.RLock()
	defer s.global.RUnlock()

	if s.halt.Active() {
		return domain.ErrHaltActive
	}

	s.idx.Lock()
	defer s.idx.Unlock()
	if _, ok := s.orders[o.ID]; ok {
		return fmt.Errorf("state: order %q: %w", o.ID, domain.ErrAlreadyExists)
	}
	s.orders[o.ID] = &orderEntry{v: o.Clone()}
	return nil
}

func (s *Store) orderEntry(id string) (*orderEntry, bool) {
	s.idx.RLock()
	defer s.idx.RUnlock()
	e, ok := s.orders[id]
	return e, ok
}

// Order returns a copy of the order with the given id.
func (s *Store) Order(id string) (domain.Order, error) {
	e, ok := s.orderEntry(id)
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.v.Clone(), nil
}

// Fills returns the fills applied to an order, oldest first.
func (s *Store) Fills(orderID string) ([]domain.Fill, error) {
	e, ok := s.orderEntry(orderID)
	if !ok {
		return nil, domain.ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.Fill, len(e.fills))
	copy(out, e.fills)
	return out, nil
}

// Orders returns copies of every order accepted by keep, oldest first. A nil
// keep returns all orders.
func (s *Store) Orders(keep func(domain.Order) bool) []domain.Order {
	s.idx.RLock()
	entries := make([]*orderEntry, 0, len(s.orders))
	for _, e := range s.orders {
		entries = append(entries, e)
	}
	s.idx.RUnlock()

	out := make([]domain.Order, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		o := e.v.Clone()
		e.mu.Unlock()
		if keep == nil || keep(o) {
			out = append(out, o)
		}
	}
	sortOrders(out)
	return out
}

// UpdateOrder applies fn to a working copy of the order and commits it when
// fn returns nil. It returns the order as it was before and after.
func (s *Store) UpdateOrder(id string, fn func(o *domain.Order) error) (before, after domain.Order, err error) {
	s.global.RLock()
	defer s.global.RUnlock()

	e, ok := s.orderEntry(id)
	if !ok {
		return domain.Order{}, domain.Order{}, domain.ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	before = e.v.Clone()
	work := e.v.Clone()
	if err := fn(&work); err != nil {
		return before, before, err
	}
	e.v = work
	return before, work.Clone(), nil
}

// FillFunc mutates an order and its owning position together.
type FillFunc func(o *domain.Order, p *domain.Position) (*domain.Fill, error)

// FillResult is the committed outcome of ApplyFill.
type FillResult struct {
	Fill           *domain.Fill
	OrderBefore    domain.Order
	Order          domain.Order
	PositionBefore domain.Position
	Position       domain.Position
}

// ApplyFill locks the order and then its (strategy, symbol) position,
// creating the position lazily, and applies fn to working copies of both.
// Both are committed together when fn returns nil. A nil fill from fn means
// nothing changed and nothing is committed.
func (s *Store) ApplyFill(orderID string, fn FillFunc) (FillResult, error) {
	s.global.RLock()
	defer s.global.RUnlock()

	oe, ok := s.orderEntry(orderID)
	if !ok {
		return FillResult{}, domain.ErrNotFound
	}
	oe.mu.Lock()
	defer oe.mu.Unlock()

	key := domain.PositionKey{StrategyID: oe.v.StrategyID, Symbol: oe.v.Symbol}
	pe := s.positionEntryOrCreate(key)
	pe.mu.Lock()
	defer pe.mu.Unlock()

	res := FillResult{
		OrderBefore:    oe.v.Clone(),
		PositionBefore: pe.v,
	}
	order := oe.v.Clone()
	pos := pe.v
	fill, err := fn(&order, &pos)
	if err != nil {
		return FillResult{}, err
	}
	if fill == nil {
		res.Order = res.OrderBefore
		res.Position = res.PositionBefore
		return res, nil
	}

	oe.v = order
	oe.fills = append(oe.fills, *fill)
	pe.v = pos

	f := *fill
	res.Fill = &f
	res.Order = order.Clone()
	res.Position = pos
	return res, nil
}

// ---------------------------------------------------------------------------
// Positions
// ---------------------------------------------------------------------------

func (s *Store) positionEntryOrCreate(key domain.PositionKey) *positionEntry {
	s.idx.RLock()
	e, ok := s.positions[key]
	s.idx.RUnlock()
	if ok {
		return e
	}

	s.idx.Lock()
	defer s.idx.Unlock()
	if e, ok := s.positions[key]; ok {
		return e
	}
	e = &positionEntry{v: domain.Position{StrategyID: key.StrategyID, Symbol: key.Symbol}}
	s.positions[key] = e
	return e
}

// Position returns a copy of the position for key.
func (s *Store) Position(key domain.PositionKey) (domain.Position, error) {
	s.idx.RLock()
	e, ok := s.positions[key]
	s.idx.RUnlock()
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.v, nil
}

// Positions returns copies of every position, including flat ones, sorted by
// key.
func (s *Store) Positions() []domain.Position {
	s.idx.RLock()
	entries := make([]*positionEntry, 0, len(s.positions))
	for _, e := range s.positions {
		entries = append(entries, e)
	}
	s.idx.RUnlock()

	out := make([]domain.Position, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.v)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key().String() < out[j].Key().String()
	})
	return out
}

// ---------------------------------------------------------------------------
// Mandates
// ---------------------------------------------------------------------------

// PutMandate inserts or replaces a mandate definition.
func (s *Store) PutMandate(m domain.Mandate) {
	s.global.RLock()
	defer s.global.RUnlock()

	s.idx.Lock()
	e, ok := s.mandates[m.ID]
	if !ok {
		s.mandates[m.ID] = &mandateEntry{v: m.Clone()}
		s.idx.Unlock()
		return
	}
	s.idx.Unlock()

	e.mu.Lock()
	e.v = m.Clone()
	e.mu.Unlock()
}

// Mandate returns a copy of the mandate with the given id.
func (s *Store) Mandate(id string) (domain.Mandate, error) {
	s.idx.RLock()
	e, ok := s.mandates[id]
	s.idx.RUnlock()
	if !ok {
		return domain.Mandate{}, domain.ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.v.Clone(), nil
}

// Mandates returns copies of every mandate sorted by code.
func (s *Store) Mandates() []domain.Mandate {
	s.idx.RLock()
	entries := make([]*mandateEntry, 0, len(s.mandates))
	for _, e := range s.mandates {
		entries = append(entries, e)
	}
	s.idx.RUnlock()

	out := make([]domain.Mandate, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.v.Clone())
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// UpdateMandate applies fn to a working copy of the mandate under its lock
// and commits it when fn returns nil.
func (s *Store) UpdateMandate(id string, fn func(m *domain.Mandate) error) (before, after domain.Mandate, err error) {
	s.global.RLock()
	defer s.global.RUnlock()

	s.idx.RLock()
	e, ok := s.mandates[id]
	s.idx.RUnlock()
	if !ok {
		return domain.Mandate{}, domain.Mandate{}, domain.ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	before = e.v.Clone()
	work := e.v.Clone()
	if err := fn(&work); err != nil {
		return before, before, err
	}
	e.v = work
	return before, work.Clone(), nil
}

// ---------------------------------------------------------------------------
// Alerts
// ---------------------------------------------------------------------------

// AppendAlert records a new alert.
func (s *Store) AppendAlert(a domain.Alert) error {
	s.global.RLock()
	defer s.global.RUnlock()

	s.idx.Lock()
	defer s.idx.Unlock()
	if _, ok := s.alerts[a.ID]; ok {
		return fmt.Errorf("state: alert %q: %w", a.ID, domain.ErrAlreadyExists)
	}
	s.alerts[a.ID] = &alertEntry{v: a.Clone()}
	s.alertSeq = append(s.alertSeq, a.ID)
	return nil
}

// Alert returns a copy of the alert with the given id.
func (s *Store) Alert(id string) (domain.Alert, error) {
	s.idx.RLock()
	e, ok := s.alerts[id]
	s.idx.RUnlock()
	if !ok {
		return domain.Alert{}, domain.ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.v.Clone(), nil
}

// Alerts returns up to limit alerts accepted by keep, newest first. A limit
// of zero or less means no limit.
func (s *Store) Alerts(keep func(domain.Alert) bool, limit int) []domain.Alert {
	s.idx.RLock()
	entries := make([]*alertEntry, 0, len(s.alertSeq))
	for i := len(s.alertSeq) - 1; i >= 0; i-- {
		entries = append(entries, s.alerts[s.alertSeq[i]])
	}
	s.idx.RUnlock()

	out := make([]domain.Alert, 0)
	for _, e := range entries {
		e.mu.Lock()
		a := e.v.Clone()
		e.mu.Unlock()
		if keep != nil && !keep(a) {
			continue
		}
		out = append(out, a)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// UpdateAlert applies fn to a working copy of the alert and commits it when
// fn returns nil.
func (s *Store) UpdateAlert(id string, fn func(a *domain.Alert) error) (before, after domain.Alert, err error) {
	s.global.RLock()
	defer s.global.RUnlock()

	s.idx.RLock()
	e, ok := s.alerts[id]
	s.idx.RUnlock()
	if !ok {
		return domain.Alert{}, domain.Alert{}, domain.ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	before = e.v.Clone()
	work := e.v.Clone()
	if err := fn(&work); err != nil {
		return before, before, err
	}
	e.v = work
	return before, work.Clone(), nil
}

// ---------------------------------------------------------------------------
// Strategies
// ---------------------------------------------------------------------------

// InsertStrategy registers a new strategy.
func (s *Store) InsertStrategy(st domain.Strategy) error {
	s.global.RLock()
	defer s.global.RUnlock()

	s.idx.Lock()
	defer s.idx.Unlock()
	if _, ok := s.strategies[st.ID]; ok {
		return fmt.Errorf("state: strategy %q: %w", st.ID, domain.ErrAlreadyExists)
	}
	s.strategies[st.ID] = &strategyEntry{v: st.Clone()}
	return nil
}

// Strategy returns a copy of the strategy with the given id.
func (s *Store) Strategy(id string) (domain.Strategy, error) {
	s.idx.RLock()
	e, ok := s.strategies[id]
	s.idx.RUnlock()
	if !ok {
		return domain.Strategy{}, domain.ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.v.Clone(), nil
}

// Strategies returns copies of every strategy sorted by name.
func (s *Store) Strategies() []domain.Strategy {
	s.idx.RLock()
	entries := make([]*strategyEntry, 0, len(s.strategies))
	for _, e := range s.strategies {
		entries = append(entries, e)
	}
	s.idx.RUnlock()

	out := make([]domain.Strategy, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.v.Clone())
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// UpdateStrategy applies fn to a working copy of the strategy and commits it
// when fn returns nil. fn runs under the shared store lock, so a halt check
// inside fn cannot race a kill switch.
func (s *Store) UpdateStrategy(id string, fn func(st *domain.Strategy) error) (before, after domain.Strategy, err error) {
	s.global.RLock()
	defer s.global.RUnlock()

	s.idx.RLock()
	e, ok := s.strategies[id]
	s.idx.RUnlock()
	if !ok {
		return domain.Strategy{}, domain.Strategy{}, domain.ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	before = e.v.Clone()
	work := e.v.Clone()
	if err := fn(&work); err != nil {
		return before, before, err
	}
	e.v = work
	return before, work.Clone(), nil
}

// ---------------------------------------------------------------------------
// Halt reset and snapshot
// ---------------------------------------------------------------------------

// ResetHalt clears the trading halt. It fails with ErrInvalidState when
// trading is not halted.
func (s *Store) ResetHalt() (before, after domain.HaltState, err error) {
	s.global.Lock()
	defer s.global.Unlock()

	before = s.halt.Load()
	if !before.Halted {
		return before, before, fmt.Errorf("state: reset halt: not halted: %w", domain.ErrInvalidState)
	}
	after = domain.Normal()
	s.halt.store(after)
	return before, after, nil
}

// Snapshot returns a view of every entity consistent with respect to
// kill-switch transactions. The newest alertLimit alerts are included.
func (s *Store) Snapshot(alertLimit int) domain.Snapshot {
	s.global.RLock()
	defer s.global.RUnlock()

	return domain.Snapshot{
		Halt:       s.halt.Load(),
		Orders:     s.Orders(nil),
		Positions:  s.Positions(),
		Mandates:   s.Mandates(),
		Strategies: s.Strategies(),
		Alerts:     s.Alerts(nil, alertLimit),
	}
}

func sortOrders(out []domain.Order) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
}
