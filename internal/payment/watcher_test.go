package payment

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"betpool/internal/model"
)

type fakeStatusStore struct {
	mu         sync.Mutex
	paidAfter  int // report paid once this many checks have happened
	checks     int
	expired    []string // charge ids passed to ExpireCharge
	pending    []model.ChargeRef
	listErr    error
	neverPaid  bool
	alwaysPaid bool
}

func (f *fakeStatusStore) WagerPaid(context.Context, string, string, string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks++
	if f.alwaysPaid {
		return true, nil
	}
	if f.neverPaid {
		return false, nil
	}
	return f.checks >= f.paidAfter, nil
}

func (f *fakeStatusStore) ExpireCharge(_ context.Context, chargeID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expired = append(f.expired, chargeID)
	return nil
}

func (f *fakeStatusStore) ListPendingCharges(context.Context) ([]model.ChargeRef, error) {
	return f.pending, f.listErr
}

func (f *fakeStatusStore) expiredCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.expired)
}

type publishRecorder struct {
	mu   sync.Mutex
	msgs []string
}

func (p *publishRecorder) publish(_ string, msgType string, _ any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msgType)
}

func (p *publishRecorder) has(msgType string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range p.msgs {
		if m == msgType {
			return true
		}
	}
	return false
}

func testRef(expiresIn time.Duration) model.ChargeRef {
	return model.ChargeRef{
		Charge: model.PaymentCharge{
			ID:        "charge-1",
			WagerID:   "wager-1",
			TxID:      "tx-1",
			Status:    model.ChargePending,
			ExpiresAt: time.Now().Add(expiresIn),
		},
		BetID:         "bet-1",
		ParticipantID: "user-1",
		Option:        "red",
	}
}

func waitState(t *testing.T, w *Watcher, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if w.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %s, stuck at %s", want, w.State())
}

func TestWatcherDetectsPaid(t *testing.T) {
	store := &fakeStatusStore{paidAfter: 3}
	rec := &publishRecorder{}
	var paidBet string
	var paidMu sync.Mutex
	onPaid := func(betID string) {
		paidMu.Lock()
		paidBet = betID
		paidMu.Unlock()
	}

	w := newWatcher(testRef(time.Hour), store, rec.publish, onPaid, 5*time.Millisecond, zap.NewNop())
	w.Start()
	waitState(t, w, StatePaid)

	paidMu.Lock()
	defer paidMu.Unlock()
	if paidBet != "bet-1" {
		t.Fatalf("onPaid got bet %q", paidBet)
	}
	if !rec.has("payment_paid") {
		t.Fatal("expected payment_paid broadcast")
	}
	if store.expiredCount() != 0 {
		t.Fatal("paid watcher must not expire the charge")
	}
}

func TestWatcherExpiresUnpaidCharge(t *testing.T) {
	store := &fakeStatusStore{neverPaid: true}
	rec := &publishRecorder{}

	w := newWatcher(testRef(-time.Second), store, rec.publish, nil, 5*time.Millisecond, zap.NewNop())
	w.Start()
	waitState(t, w, StateExpired)

	if store.expiredCount() != 1 {
		t.Fatalf("want 1 expiry write, got %d", store.expiredCount())
	}
	if !rec.has("payment_expired") {
		t.Fatal("expected payment_expired broadcast")
	}
}

func TestWatcherExpiryBeatsLateConfirmation(t *testing.T) {
	// The store would report paid, but the charge is already past its TTL:
	// the expiry check runs first on every tick.
	store := &fakeStatusStore{alwaysPaid: true}
	rec := &publishRecorder{}

	w := newWatcher(testRef(-time.Second), store, rec.publish, nil, 5*time.Millisecond, zap.NewNop())
	w.Start()
	waitState(t, w, StateExpired)

	if rec.has("payment_paid") {
		t.Fatal("no paid broadcast after expiry")
	}
}

func TestWatcherCancelLeavesWagerPending(t *testing.T) {
	store := &fakeStatusStore{neverPaid: true}
	w := newWatcher(testRef(time.Hour), store, nil, nil, 5*time.Millisecond, zap.NewNop())
	w.Start()
	w.Cancel()
	waitState(t, w, StateCancelled)

	// Dismissal is local: no store writes of any kind.
	if store.expiredCount() != 0 {
		t.Fatal("cancel must not expire the charge")
	}
}

func TestWatcherFirstTerminalStateWins(t *testing.T) {
	store := &fakeStatusStore{neverPaid: true}
	w := newWatcher(testRef(time.Hour), store, nil, nil, 5*time.Millisecond, zap.NewNop())
	w.Start()

	if !w.enterTerminal(StateCancelled) {
		t.Fatal("first terminal transition should succeed")
	}
	if w.enterTerminal(StatePaid) {
		t.Fatal("second terminal transition should be refused")
	}
	if w.State() != StateCancelled {
		t.Fatalf("state moved to %s", w.State())
	}
}

func TestWatcherStartIsIdempotent(t *testing.T) {
	store := &fakeStatusStore{neverPaid: true}
	w := newWatcher(testRef(time.Hour), store, nil, nil, 5*time.Millisecond, zap.NewNop())
	w.Start()
	w.Start()
	if w.State() != StatePolling {
		t.Fatalf("want POLLING, got %s", w.State())
	}
	w.Cancel()
}

func TestRegistryWatchDeduplicates(t *testing.T) {
	store := &fakeStatusStore{neverPaid: true}
	r := NewRegistry(store, nil, nil, 5*time.Millisecond, zap.NewNop())

	ref := testRef(time.Hour)
	first := r.Watch(ref)
	second := r.Watch(ref)
	if first != second {
		t.Fatal("same charge must share one watcher")
	}
	if r.Get(ref.Charge.ID) != first {
		t.Fatal("Get returned a different watcher")
	}
	first.Cancel()
}

func TestRegistryCancel(t *testing.T) {
	store := &fakeStatusStore{neverPaid: true}
	r := NewRegistry(store, nil, nil, 5*time.Millisecond, zap.NewNop())

	ref := testRef(time.Hour)
	w := r.Watch(ref)
	if !r.Cancel(ref.Charge.ID) {
		t.Fatal("cancel should find the watcher")
	}
	waitState(t, w, StateCancelled)

	if r.Cancel("nope") {
		t.Fatal("cancel of unknown charge should report false")
	}
}

func TestRegistryCancelRemovesEntry(t *testing.T) {
	store := &fakeStatusStore{neverPaid: true}
	r := NewRegistry(store, nil, nil, 5*time.Millisecond, zap.NewNop())

	// Cancel immediately after Watch: the watcher must still be running by
	// then, so its cleanup fires and the registry entry goes away.
	ref := testRef(time.Hour)
	r.Watch(ref)
	if !r.Cancel(ref.Charge.ID) {
		t.Fatal("cancel should find the watcher")
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.Get(ref.Charge.ID) == nil {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("cancelled watcher still registered")
}

func TestRegistryResume(t *testing.T) {
	refA := testRef(time.Hour)
	refB := testRef(time.Hour)
	refB.Charge.ID = "charge-2"
	store := &fakeStatusStore{neverPaid: true, pending: []model.ChargeRef{refA, refB}}
	r := NewRegistry(store, nil, nil, 5*time.Millisecond, zap.NewNop())

	n, err := r.Resume(context.Background())
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if n != 2 {
		t.Fatalf("want 2 resumed, got %d", n)
	}
	for _, id := range []string{"charge-1", "charge-2"} {
		w := r.Get(id)
		if w == nil {
			t.Fatalf("watcher %s not registered", id)
		}
		w.Cancel()
	}
}
