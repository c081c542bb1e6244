package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/controlplane/internal/domain"
	"github.com/alanyoungcy/controlplane/internal/state"
)

// seedLiveBook leaves one open order, one partially filled order with its
// position and one active strategy.
func seedLiveBook(t *testing.T, h *harness) (open, partial domain.Order, st domain.Strategy) {
	t.Helper()
	st = h.activeStrategy(t, "alpha")

	req := buy("AAPL", "100")
	req.StrategyID = st.ID
	open = h.submit(t, req)

	partial = h.submit(t, req)
	_, err := h.orders.ApplyFill(adminCtx, partial.ID, dec("40"), dec("50"))
	require.NoError(t, err)
	return open, partial, st
}

type fakeLock struct {
	err      error
	acquired int
	released int
}

func (l *fakeLock) Acquire(context.Context, string, time.Duration) (func(), error) {
	if l.err != nil {
		return nil, l.err
	}
	l.acquired++
	return func() { l.released++ }, nil
}

type memBlob struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (b *memBlob) Put(_ context.Context, path string, data io.Reader, _ string) error {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(data); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.objects == nil {
		b.objects = make(map[string][]byte)
	}
	b.objects[path] = buf.Bytes()
	return nil
}

func TestKillSwitchRequiresConfirmation(t *testing.T) {
	h := newHarness(t)
	seedLiveBook(t, h)
	eventsBefore, auditBefore := h.events.total(), h.audit.total()

	_, err := h.kill.Execute(adminCtx, KillSwitchRequest{Reason: "drill"})
	assert.ErrorIs(t, err, domain.ErrNotConfirmed)

	assert.False(t, h.store.Halt().Active())
	assert.Len(t, h.store.Orders(func(o domain.Order) bool { return !o.Status.Terminal() }), 2)
	assert.Equal(t, eventsBefore, h.events.total())
	assert.Equal(t, auditBefore, h.audit.total())
}

func TestKillSwitchForbiddenWithoutCapability(t *testing.T) {
	h := newHarness(t)
	_, err := h.kill.Execute(quantCtx, KillSwitchRequest{Reason: "x", Confirm: true})
	assert.ErrorIs(t, err, domain.ErrForbidden)
	assert.False(t, h.store.Halt().Active())
}

func TestKillSwitchDryRunChangesNothing(t *testing.T) {
	h := newHarness(t)
	seedLiveBook(t, h)
	eventsBefore := h.events.total()

	res, err := h.kill.Preview(adminCtx)
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.Equal(t, KillSwitchCounts{OpenOrders: 2, OpenPositions: 1, ActiveStrategies: 1}, res.Before)

	assert.False(t, h.store.Halt().Active())
	assert.Equal(t, eventsBefore, h.events.total())
}

func TestKillSwitchExecute(t *testing.T) {
	h := newHarness(t)
	_, _, st := seedLiveBook(t, h)
	lock := &fakeLock{}
	blob := &memBlob{}
	h.kill.WithLock(lock, time.Minute).WithReports(blob, "incidents")

	res, err := h.kill.Execute(adminCtx, KillSwitchRequest{Reason: "runaway algo", Confirm: true})
	require.NoError(t, err)

	assert.Equal(t, 2, res.OrdersCancelled)
	assert.Equal(t, 1, res.PositionsFlattened)
	assert.Equal(t, 1, res.StrategiesHalted)
	assert.Equal(t, KillSwitchCounts{}, res.After)
	assert.Equal(t, "alice", res.ExecutedBy)
	assert.True(t, res.Halt.Halted)
	assert.Equal(t, domain.SystemStatusEmergency, res.Halt.SystemStatus)

	assert.True(t, h.store.Halt().Active())
	for _, o := range h.store.Orders(nil) {
		assert.Equal(t, domain.OrderStatusCancelled, o.Status)
	}
	for _, p := range h.store.Positions() {
		assert.True(t, p.Flat())
	}
	got, err := h.store.Strategy(st.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StrategyStatusHalted, got.Status)

	assert.Equal(t, 1, h.events.count(domain.EventKillSwitch))
	assert.Equal(t, 1, h.audit.count(domain.AuditKillSwitchExecute))
	alerts := h.store.Alerts(nil, 1)
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.SeverityCritical, alerts[0].Severity)

	assert.Equal(t, 1, lock.acquired)
	assert.Equal(t, 1, lock.released)
	require.NotEmpty(t, res.ReportPath)
	assert.Contains(t, blob.objects, res.ReportPath)

	_, err = h.orders.Submit(adminCtx, buy("AAPL", "1"))
	assert.ErrorIs(t, err, domain.ErrHaltActive)
	_, err = h.strategies.Activate(adminCtx, st.ID)
	assert.ErrorIs(t, err, domain.ErrHaltActive)
}

func TestKillSwitchAbortsWhenPreCommitCheckFails(t *testing.T) {
	h := newHarness(t)
	open, partial, st := seedLiveBook(t, h)
	eventsBefore, auditBefore := h.events.total(), h.audit.total()

	injected := errors.New("injected failure")
	h.kill.WithPreCommitCheck(func(tx *state.Tx) error {
		orders, positions, strategies := tx.StagedCounts()
		assert.Equal(t, 2, orders)
		assert.Equal(t, 1, positions)
		assert.Equal(t, 1, strategies)
		return injected
	})

	_, err := h.kill.Execute(adminCtx, KillSwitchRequest{Reason: "drill", Confirm: true})
	require.ErrorIs(t, err, injected)

	assert.False(t, h.store.Halt().Active())
	got, _ := h.store.Order(open.ID)
	assert.Equal(t, domain.OrderStatusPending, got.Status)
	got, _ = h.store.Order(partial.ID)
	assert.Equal(t, domain.OrderStatusPartial, got.Status)
	pos, err := h.store.Position(domain.PositionKey{StrategyID: st.ID, Symbol: "AAPL"})
	require.NoError(t, err)
	assert.True(t, pos.Quantity.Equal(dec("40")))
	gotSt, _ := h.store.Strategy(st.ID)
	assert.Equal(t, domain.StrategyStatusActive, gotSt.Status)

	assert.Equal(t, eventsBefore, h.events.total())
	assert.Equal(t, auditBefore, h.audit.total())

	_, err = h.orders.Submit(adminCtx, buy("AAPL", "1"))
	assert.NoError(t, err)
}

func TestKillSwitchLockContention(t *testing.T) {
	h := newHarness(t)
	h.kill.WithLock(&fakeLock{err: domain.ErrLockHeld}, time.Minute)

	_, err := h.kill.Execute(adminCtx, KillSwitchRequest{Reason: "x", Confirm: true})
	assert.ErrorIs(t, err, domain.ErrLockHeld)
	assert.False(t, h.store.Halt().Active())
}

func TestKillSwitchRunsLocallyWhenLockUnavailable(t *testing.T) {
	h := newHarness(t)
	h.kill.WithLock(&fakeLock{err: errors.New("connection refused")}, time.Minute)

	_, err := h.kill.Execute(adminCtx, KillSwitchRequest{Reason: "x", Confirm: true})
	require.NoError(t, err)
	assert.True(t, h.store.Halt().Active())
}

func TestKillSwitchRacingSubmits(t *testing.T) {
	h := newHarness(t)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				_, _ = h.orders.Submit(adminCtx, buy("AAPL", "1"))
			}
		}()
	}
	time.Sleep(10 * time.Millisecond)
	_, err := h.kill.Execute(adminCtx, KillSwitchRequest{Reason: "race", Confirm: true})
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	close(stop)
	wg.Wait()

	open := h.store.Orders(func(o domain.Order) bool { return !o.Status.Terminal() })
	assert.Empty(t, open)
}

func TestResetHalt(t *testing.T) {
	h := newHarness(t)
	_, _, st := seedLiveBook(t, h)

	_, err := h.kill.Reset(adminCtx, "not halted")
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	_, err = h.kill.Execute(adminCtx, KillSwitchRequest{Reason: "drill", Confirm: true})
	require.NoError(t, err)

	_, err = h.kill.Reset(quantCtx, "all clear")
	assert.ErrorIs(t, err, domain.ErrForbidden)

	after, err := h.kill.Reset(adminCtx, "all clear")
	require.NoError(t, err)
	assert.False(t, after.Halted)
	assert.Equal(t, domain.SystemStatusNormal, h.kill.Status().SystemStatus)
	assert.Equal(t, 1, h.events.count(domain.EventHaltReset))

	gotSt, _ := h.store.Strategy(st.ID)
	assert.Equal(t, domain.StrategyStatusHalted, gotSt.Status)

	_, err = h.orders.Submit(adminCtx, buy("AAPL", "1"))
	assert.NoError(t, err)
}

type chanBus struct {
	mu        sync.Mutex
	published [][]byte
	ch        chan []byte
	subs      int
}

func (b *chanBus) Publish(_ context.Context, _ string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, payload)
	return nil
}

// Subscribe hands out ch on the first call and an idle channel afterwards.
func (b *chanBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs++
	if b.subs == 1 && b.ch != nil {
		return b.ch, nil
	}
	return make(chan []byte), nil
}

func (b *chanBus) subscriptions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subs
}

func (b *chanBus) publishedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published)
}

func (b *chanBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (b *chanBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func TestKillSwitchBroadcastsAndFollowsPeers(t *testing.T) {
	origin := newHarness(t)
	originBus := &chanBus{}
	origin.kill.WithSignalBus(originBus, "", "node-a")
	_, err := origin.kill.Execute(adminCtx, KillSwitchRequest{Reason: "desk halt", Confirm: true})
	require.NoError(t, err)
	require.Len(t, originBus.published, 1)

	peer := newHarness(t)
	seedLiveBook(t, peer)
	peerBus := &chanBus{ch: make(chan []byte, 2)}
	peer.kill.WithSignalBus(peerBus, "", "node-b")

	peerBus.ch <- []byte(`{"event":"kill_switch","origin":"node-b","reason":"own echo"}`)
	peerBus.ch <- originBus.published[0]
	close(peerBus.ch)

	peer.kill.followRetry = 5 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- peer.kill.Follow(ctx) }()

	require.Eventually(t, func() bool { return peerBus.subscriptions() >= 2 }, time.Second, 5*time.Millisecond,
		"a closed subscription is re-established")
	halt := peer.kill.Status()
	assert.True(t, halt.Halted)
	assert.Equal(t, "peer node-a: desk halt", halt.Reason)
	assert.Equal(t, domain.SystemCaller.ID, halt.HaltedBy)
	assert.Empty(t, peer.store.Orders(func(o domain.Order) bool { return !o.Status.Terminal() }))
	assert.Zero(t, peerBus.publishedCount())

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("follow did not stop")
	}
}

type failingSubscribeBus struct {
	chanBus
	failures int
}

func (b *failingSubscribeBus) Subscribe(ctx context.Context, ch string) (<-chan []byte, error) {
	b.mu.Lock()
	if b.failures > 0 {
		b.failures--
		b.mu.Unlock()
		return nil, errors.New("connection refused")
	}
	b.mu.Unlock()
	return b.chanBus.Subscribe(ctx, ch)
}

func TestFollowRetriesFailedSubscribe(t *testing.T) {
	h := newHarness(t)
	seedLiveBook(t, h)
	bus := &failingSubscribeBus{chanBus: chanBus{ch: make(chan []byte, 1)}, failures: 2}
	bus.ch <- []byte(`{"event":"kill_switch","origin":"node-a","reason":"desk halt"}`)
	h.kill.WithSignalBus(bus, "", "node-b")
	h.kill.followRetry = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h.kill.Follow(ctx) }()

	require.Eventually(t, func() bool { return h.kill.Status().Halted }, time.Second, 5*time.Millisecond)
}

// observingBlob captures what had already been announced when the incident
// report was uploaded.
type observingBlob struct {
	memBlob
	onPut func()
}

func (b *observingBlob) Put(ctx context.Context, path string, data io.Reader, contentType string) error {
	b.onPut()
	return b.memBlob.Put(ctx, path, data, contentType)
}

func TestKillSwitchAnnouncesBeforeUploadingReport(t *testing.T) {
	h := newHarness(t)
	seedLiveBook(t, h)
	bus := &chanBus{}
	var alertsAtUpload, eventsAtUpload, signalsAtUpload int
	blob := &observingBlob{onPut: func() {
		alertsAtUpload = len(h.store.Alerts(nil, 0))
		eventsAtUpload = h.events.count(domain.EventKillSwitch)
		signalsAtUpload = bus.publishedCount()
	}}
	h.kill.WithSignalBus(bus, "", "node-a").WithReports(blob, "incidents")

	res, err := h.kill.Execute(adminCtx, KillSwitchRequest{Reason: "desk halt", Confirm: true})
	require.NoError(t, err)
	assert.NotEmpty(t, res.ReportPath)
	assert.Equal(t, 1, alertsAtUpload)
	assert.Equal(t, 1, eventsAtUpload)
	assert.Equal(t, 1, signalsAtUpload)
}
