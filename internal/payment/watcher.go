package payment

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"betpool/internal/metrics"
	"betpool/internal/model"
)

// StatusStore is what a watcher needs: the paid check (keyed the same way
// the confirmation is recorded) and the expiry transition.
type StatusStore interface {
	WagerPaid(ctx context.Context, betID, participantID, option string) (bool, error)
	ExpireCharge(ctx context.Context, chargeID, wagerID string) error
}

// PublishFunc broadcasts a WS message to a bet's room.
type PublishFunc func(betID, msgType string, data any)

type State string

const (
	StateIdle      State = "IDLE"
	StatePolling   State = "POLLING"
	StatePaid      State = "PAID"
	StateExpired   State = "EXPIRED"
	StateCancelled State = "CANCELLED"
)

func (s State) Terminal() bool {
	return s == StatePaid || s == StateExpired || s == StateCancelled
}

// Watcher is the per-charge polling loop: Idle → Polling → one of
// {Paid, Expired, Cancelled}, entered exactly once. It polls the paid check
// on a fixed interval and ticks the expiry countdown once per second for
// presentation. Cancelling stops the loop without touching the wager.
type Watcher struct {
	ref     model.ChargeRef
	store   StatusStore
	publish PublishFunc
	onPaid  func(betID string)
	onDone  func()

	interval  time.Duration
	countdown time.Duration
	now       func() time.Time
	log       *zap.Logger

	mu    sync.Mutex
	state State
	stop  chan struct{}
}

func newWatcher(ref model.ChargeRef, store StatusStore, publish PublishFunc, onPaid func(string), interval time.Duration, log *zap.Logger) *Watcher {
	if interval <= 0 {
		interval = 4 * time.Second
	}
	return &Watcher{
		ref:       ref,
		store:     store,
		publish:   publish,
		onPaid:    onPaid,
		interval:  interval,
		countdown: time.Second,
		now:       time.Now,
		log:       log.Named("watcher").With(zap.String("chargeId", ref.Charge.ID)),
		state:     StateIdle,
		stop:      make(chan struct{}),
	}
}

func (w *Watcher) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Start moves Idle → Polling and launches the loop. Calling it twice is a
// no-op.
func (w *Watcher) Start() {
	w.mu.Lock()
	if w.state != StateIdle {
		w.mu.Unlock()
		return
	}
	w.state = StatePolling
	w.mu.Unlock()
	go w.run()
}

// Cancel stops the loop without resolving the charge. The wager stays
// PENDING: a later webhook confirmation or manual reconciliation can still
// land, and the charge keeps its own TTL.
func (w *Watcher) Cancel() {
	if w.enterTerminal(StateCancelled) {
		w.log.Debug("watcher cancelled, wager left pending")
	}
}

// enterTerminal is the single-assignment guard: the first terminal state
// wins, every later attempt is a no-op.
func (w *Watcher) enterTerminal(st State) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state.Terminal() {
		return false
	}
	w.state = st
	close(w.stop)
	return true
}

func (w *Watcher) run() {
	metrics.ActiveWatchers.Inc()
	defer metrics.ActiveWatchers.Dec()
	if w.onDone != nil {
		defer w.onDone()
	}

	poll := time.NewTicker(w.interval)
	defer poll.Stop()
	tick := time.NewTicker(w.countdown)
	defer tick.Stop()

	for {
		select {
		case <-w.stop:
			return

		case <-tick.C:
			remaining := w.ref.Charge.RemainingSeconds(w.now())
			if remaining <= 0 {
				w.expire()
				return
			}
			if w.publish != nil {
				w.publish(w.ref.BetID, "payment_countdown", map[string]any{
					"charge_id":         w.ref.Charge.ID,
					"remaining_seconds": remaining,
				})
			}

		case <-poll.C:
			// Expiry wins over a late confirmation, always.
			if !w.now().Before(w.ref.Charge.ExpiresAt) {
				w.expire()
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), w.interval)
			paid, err := w.store.WagerPaid(ctx, w.ref.BetID, w.ref.ParticipantID, w.ref.Option)
			cancel()
			if err != nil {
				w.log.Warn("paid check failed", zap.Error(err))
				continue
			}
			if paid {
				w.markPaid()
				return
			}
		}
	}
}

func (w *Watcher) markPaid() {
	if !w.enterTerminal(StatePaid) {
		return
	}
	metrics.PaymentsConfirmed.WithLabelValues("poll").Inc()
	if w.onPaid != nil {
		w.onPaid(w.ref.BetID)
	}
	if w.publish != nil {
		w.publish(w.ref.BetID, "payment_paid", map[string]any{
			"charge_id": w.ref.Charge.ID,
			"wager_id":  w.ref.Charge.WagerID,
		})
	}
	w.log.Info("payment confirmed", zap.String("wagerId", w.ref.Charge.WagerID))
}

func (w *Watcher) expire() {
	if !w.enterTerminal(StateExpired) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.store.ExpireCharge(ctx, w.ref.Charge.ID, w.ref.Charge.WagerID); err != nil {
		w.log.Error("record expiry", zap.Error(err))
	}
	metrics.ChargesExpired.Inc()
	if w.publish != nil {
		w.publish(w.ref.BetID, "payment_expired", map[string]any{
			"charge_id": w.ref.Charge.ID,
			"wager_id":  w.ref.Charge.WagerID,
		})
	}
	w.log.Info("charge expired unpaid", zap.String("wagerId", w.ref.Charge.WagerID))
}

// ── Registry ─────────────────────────────────────────

// RegistryStore adds the boot-resume query to the watcher's store needs.
type RegistryStore interface {
	StatusStore
	ListPendingCharges(ctx context.Context) ([]model.ChargeRef, error)
}

// Registry tracks live watchers by charge id. One watcher per charge;
// watchers across different wagers run independently.
type Registry struct {
	store    RegistryStore
	publish  PublishFunc
	onPaid   func(betID string)
	interval time.Duration
	log      *zap.Logger

	mu       sync.RWMutex
	watchers map[string]*Watcher
}

func NewRegistry(store RegistryStore, publish PublishFunc, onPaid func(string), interval time.Duration, log *zap.Logger) *Registry {
	return &Registry{
		store:    store,
		publish:  publish,
		onPaid:   onPaid,
		interval: interval,
		log:      log.Named("payment"),
		watchers: make(map[string]*Watcher),
	}
}

// Watch starts a watcher for the charge, or returns the existing one. The
// watcher is started before the lock is released so a concurrent Cancel
// always finds it running and its cleanup callback always fires.
func (r *Registry) Watch(ref model.ChargeRef) *Watcher {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.watchers[ref.Charge.ID]; ok {
		return w
	}
	w := newWatcher(ref, r.store, r.publish, r.onPaid, r.interval, r.log)
	w.onDone = func() { r.remove(ref.Charge.ID) }
	r.watchers[ref.Charge.ID] = w
	w.Start()
	return w
}

func (r *Registry) Get(chargeID string) *Watcher {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.watchers[chargeID]
}

// Cancel dismisses the watcher for a charge, if any. Returns whether a
// watcher was found.
func (r *Registry) Cancel(chargeID string) bool {
	w := r.Get(chargeID)
	if w == nil {
		return false
	}
	w.Cancel()
	return true
}

func (r *Registry) remove(chargeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.watchers, chargeID)
}

// Resume restarts watchers for every pending unexpired charge. Called once
// at boot so confirmations and expiries survive a restart.
func (r *Registry) Resume(ctx context.Context) (int, error) {
	refs, err := r.store.ListPendingCharges(ctx)
	if err != nil {
		return 0, err
	}
	for _, ref := range refs {
		r.Watch(ref)
	}
	if len(refs) > 0 {
		r.log.Info("resumed pending charge watchers", zap.Int("count", len(refs)))
	}
	return len(refs), nil
}
