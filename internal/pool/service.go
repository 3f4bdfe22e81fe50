// Package pool owns the bet pool lifecycle: creation, wager placement,
// aggregate recomputation, and settlement. All money invariants live here;
// the HTTP layer only translates.
package pool

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"betpool/internal/metrics"
	"betpool/internal/model"
)

// Store is the persistence surface the pool service needs. *db.Store
// implements it; tests use an in-memory fake.
type Store interface {
	GetProfile(ctx context.Context, id string) (*model.Profile, error)

	InsertBet(ctx context.Context, b *model.Bet) error
	GetBet(ctx context.Context, id string) (*model.Bet, error)
	ListPublicBets(ctx context.Context) ([]model.Bet, error)
	ListBetsByOwner(ctx context.Context, ownerID string) ([]model.Bet, error)
	ListBetsByParticipant(ctx context.Context, participantID string) ([]model.Bet, error)
	UpdateBetSpec(ctx context.Context, b *model.Bet) error
	SettleBet(ctx context.Context, betID, winningOption, resultNote string) (bool, error)
	CancelBet(ctx context.Context, betID string) (bool, error)
	DeleteBetCascade(ctx context.Context, betID string) error
	RecomputeBetAggregates(ctx context.Context, betID string) (*model.Bet, error)

	InsertWager(ctx context.Context, w *model.Wager) error
	GetWager(ctx context.Context, id string) (*model.Wager, error)
	ListBetWagers(ctx context.Context, betID string) ([]model.WagerEntry, error)
	CountPaidWagers(ctx context.Context, betID string) (int, error)
	HasPaidWager(ctx context.Context, betID, participantID string) (bool, error)
	MarkWagerPaid(ctx context.Context, wagerID string) (bool, error)
	CancelWager(ctx context.Context, wagerID string) error

	GetChargeByTxID(ctx context.Context, txid string) (*model.PaymentCharge, error)
	ConfirmChargePaid(ctx context.Context, chargeID string) (bool, error)
	ExpireCharge(ctx context.Context, chargeID, wagerID string) error
	FlagChargeError(ctx context.Context, chargeID, reason string) error
}

// ChargeCreator is the payment orchestrator boundary (§ charge creation).
type ChargeCreator interface {
	CreateCharge(ctx context.Context, wager *model.Wager, payer model.PayerSnapshot) (*model.PaymentCharge, error)
}

// PublishFunc broadcasts a WS message to a bet's room.
type PublishFunc func(betID, msgType string, data any)

type Service struct {
	store   Store
	charges ChargeCreator
	publish PublishFunc
	log     *zap.Logger
	now     func() time.Time
}

func NewService(store Store, charges ChargeCreator, publish PublishFunc, log *zap.Logger) *Service {
	return &Service{
		store:   store,
		charges: charges,
		publish: publish,
		log:     log.Named("pool"),
		now:     time.Now,
	}
}

// ── Bet creation & queries ───────────────────────────

func (s *Service) CreateBet(ctx context.Context, ownerID string, spec model.BetSpec) (*model.Bet, error) {
	if strings.TrimSpace(spec.Title) == "" {
		return nil, fmt.Errorf("%w: title required", model.ErrInvalidSpec)
	}
	opts, err := normalizeOptions(spec.Options)
	if err != nil {
		return nil, err
	}
	if spec.EntryFee.IsNegative() {
		return nil, fmt.Errorf("%w: entry fee must not be negative", model.ErrInvalidSpec)
	}
	if !spec.CloseDate.After(s.now()) {
		return nil, fmt.Errorf("%w: close date must be in the future", model.ErrInvalidSpec)
	}
	if spec.MaxParticipants != nil && *spec.MaxParticipants < 2 {
		return nil, fmt.Errorf("%w: participant cap must allow at least 2", model.ErrInvalidSpec)
	}

	visibility := spec.Visibility
	if visibility == "" {
		visibility = model.VisibilityPublic
	}
	accessHash := ""
	if visibility == model.VisibilityPrivate {
		if len(spec.AccessCode) < 6 {
			return nil, model.ErrAccessCodeTooShort
		}
		h, err := bcrypt.GenerateFromPassword([]byte(spec.AccessCode), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash access code: %w", err)
		}
		accessHash = string(h)
	}

	bet := &model.Bet{
		ID:              uuid.NewString(),
		OwnerID:         ownerID,
		Title:           spec.Title,
		Description:     spec.Description,
		Category:        spec.Category,
		Options:         opts,
		EntryFee:        spec.EntryFee,
		MaxParticipants: spec.MaxParticipants,
		CloseDate:       spec.CloseDate.UTC(),
		Status:          model.BetOpen,
		Visibility:      visibility,
		AccessCodeHash:  accessHash,
		PrizePool:       decimal.Zero,
	}
	if err := s.store.InsertBet(ctx, bet); err != nil {
		return nil, fmt.Errorf("insert bet: %w", err)
	}
	metrics.BetsCreated.Inc()
	s.log.Info("bet created", zap.String("betId", bet.ID), zap.String("ownerId", ownerID))
	return s.store.GetBet(ctx, bet.ID)
}

// normalizeOptions enforces ≥2 options with unique non-empty values.
func normalizeOptions(opts []model.Option) ([]model.Option, error) {
	if len(opts) < 2 {
		return nil, fmt.Errorf("%w: at least 2 options required", model.ErrInvalidSpec)
	}
	seen := make(map[string]bool, len(opts))
	out := make([]model.Option, 0, len(opts))
	for _, o := range opts {
		o.Value = strings.TrimSpace(o.Value)
		if o.Name = strings.TrimSpace(o.Name); o.Name == "" {
			o.Name = o.Value
		}
		if o.Value == "" {
			return nil, fmt.Errorf("%w: option value must not be empty", model.ErrInvalidSpec)
		}
		if seen[o.Value] {
			return nil, fmt.Errorf("%w: duplicate option %q", model.ErrInvalidSpec, o.Value)
		}
		seen[o.Value] = true
		out = append(out, o)
	}
	return out, nil
}

func (s *Service) GetBet(ctx context.Context, id string) (*model.Bet, error) {
	bet, err := s.store.GetBet(ctx, id)
	if err != nil {
		return nil, err
	}
	if bet == nil {
		return nil, model.ErrBetNotFound
	}
	return bet, nil
}

func (s *Service) ListBets(ctx context.Context) ([]model.Bet, error) {
	return s.store.ListPublicBets(ctx)
}

func (s *Service) BetRoster(ctx context.Context, betID string) ([]model.WagerEntry, error) {
	if _, err := s.GetBet(ctx, betID); err != nil {
		return nil, err
	}
	return s.store.ListBetWagers(ctx, betID)
}

// ListUserBets returns the bets a user placed wagers on plus the bets they
// manage, deduplicated, newest first.
func (s *Service) ListUserBets(ctx context.Context, userID string) ([]model.Bet, error) {
	placed, err := s.store.ListBetsByParticipant(ctx, userID)
	if err != nil {
		return nil, err
	}
	managed, err := s.store.ListBetsByOwner(ctx, userID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(placed))
	out := placed
	for _, b := range placed {
		seen[b.ID] = true
	}
	for _, b := range managed {
		if !seen[b.ID] {
			out = append(out, b)
		}
	}
	return out, nil
}

// UpdateBet lets the owner edit an OPEN bet's presentational fields and
// rules. Aggregates and status are not editable here.
func (s *Service) UpdateBet(ctx context.Context, betID, callerID string, spec model.BetSpec) (*model.Bet, error) {
	bet, err := s.GetBet(ctx, betID)
	if err != nil {
		return nil, err
	}
	if bet.OwnerID != callerID {
		return nil, model.ErrNotOwner
	}
	if bet.Status != model.BetOpen {
		return nil, model.ErrBetNotOpen
	}
	opts, err := normalizeOptions(spec.Options)
	if err != nil {
		return nil, err
	}
	if spec.EntryFee.IsNegative() {
		return nil, fmt.Errorf("%w: entry fee must not be negative", model.ErrInvalidSpec)
	}

	bet.Title = spec.Title
	bet.Description = spec.Description
	bet.Category = spec.Category
	bet.Options = opts
	bet.EntryFee = spec.EntryFee
	bet.MaxParticipants = spec.MaxParticipants
	if !spec.CloseDate.IsZero() {
		bet.CloseDate = spec.CloseDate.UTC()
	}
	if spec.Visibility != "" {
		bet.Visibility = spec.Visibility
	}
	if bet.Visibility == model.VisibilityPrivate && spec.AccessCode != "" {
		if len(spec.AccessCode) < 6 {
			return nil, model.ErrAccessCodeTooShort
		}
		h, err := bcrypt.GenerateFromPassword([]byte(spec.AccessCode), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash access code: %w", err)
		}
		bet.AccessCodeHash = string(h)
	}
	if err := s.store.UpdateBetSpec(ctx, bet); err != nil {
		return nil, fmt.Errorf("update bet: %w", err)
	}
	return s.GetBet(ctx, betID)
}

// CheckAccessCode verifies a private bet's access code.
func (s *Service) CheckAccessCode(ctx context.Context, betID, code string) error {
	bet, err := s.GetBet(ctx, betID)
	if err != nil {
		return err
	}
	if bet.Visibility != model.VisibilityPrivate {
		return nil
	}
	if bcrypt.CompareHashAndPassword([]byte(bet.AccessCodeHash), []byte(code)) != nil {
		return model.ErrAccessCodeWrong
	}
	return nil
}

// DeleteBet removes a bet and its wagers (admin surface). Bets with paid
// wagers require cascade=true; nothing is ever removed implicitly.
func (s *Service) DeleteBet(ctx context.Context, betID string, cascade bool) error {
	bet, err := s.GetBet(ctx, betID)
	if err != nil {
		return err
	}
	paid, err := s.store.CountPaidWagers(ctx, bet.ID)
	if err != nil {
		return err
	}
	if paid > 0 && !cascade {
		return model.ErrHasPaidWagers
	}
	return s.store.DeleteBetCascade(ctx, betID)
}

// ── Profile gate ─────────────────────────────────────

// gate blocks wagering for incomplete or suspended profiles. Evaluated at
// the start of every placement and confirmation call, not at session start.
func (s *Service) gate(ctx context.Context, participantID string) (*model.Profile, error) {
	p, err := s.store.GetProfile(ctx, participantID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, model.ErrIncompleteProfile
	}
	if !p.Active {
		return nil, model.ErrProfileSuspended
	}
	if !p.Complete() {
		return nil, model.ErrIncompleteProfile
	}
	return p, nil
}

// ── Wager placement ──────────────────────────────────

func (s *Service) PlaceWager(ctx context.Context, betID, participantID, option string, amount decimal.Decimal, method model.PaymentMethod) (*model.PlaceWagerResult, error) {
	profile, err := s.gate(ctx, participantID)
	if err != nil {
		return nil, err
	}

	bet, err := s.GetBet(ctx, betID)
	if err != nil {
		return nil, err
	}
	if !bet.AcceptingWagers(s.now()) {
		return nil, model.ErrBetNotOpen
	}
	if !bet.HasOption(option) {
		return nil, model.ErrOptionInvalid
	}
	if amount.LessThan(bet.EntryFee) {
		return nil, fmt.Errorf("%w: wager %s below entry fee %s",
			model.ErrAmountTooLow, amount.StringFixed(2), bet.EntryFee.StringFixed(2))
	}
	paid, err := s.store.CountPaidWagers(ctx, betID)
	if err != nil {
		return nil, err
	}
	if bet.MaxParticipants != nil && paid >= *bet.MaxParticipants {
		return nil, model.ErrCapacityExceeded
	}
	dup, err := s.store.HasPaidWager(ctx, betID, participantID)
	if err != nil {
		return nil, err
	}
	if dup {
		return nil, model.ErrDuplicatePaidWager
	}

	wager := &model.Wager{
		ID:            uuid.NewString(),
		BetID:         betID,
		ParticipantID: participantID,
		Option:        option,
		Amount:        amount,
		Method:        method,
		Status:        model.WagerPending,
		CreatedAt:     s.now().UTC(),
	}
	if err := s.store.InsertWager(ctx, wager); err != nil {
		return nil, fmt.Errorf("insert wager: %w", err)
	}
	metrics.WagersPlaced.WithLabelValues(string(method)).Inc()

	if method == model.MethodManual {
		// Stays PENDING until the owner confirms cash in hand.
		s.log.Info("manual wager placed", zap.String("wagerId", wager.ID), zap.String("betId", betID))
		return &model.PlaceWagerResult{Wager: wager}, nil
	}

	charge, err := s.charges.CreateCharge(ctx, wager, model.PayerSnapshot{
		Name:   profile.DisplayName,
		PixKey: profile.PixKey,
	})
	if err != nil {
		// Terminal for this attempt: keep the wager for audit, cancelled.
		if cerr := s.store.CancelWager(ctx, wager.ID); cerr != nil {
			s.log.Error("cancel wager after charge failure", zap.String("wagerId", wager.ID), zap.Error(cerr))
		}
		return nil, fmt.Errorf("%w: %v", model.ErrGatewayUnavailable, err)
	}
	s.log.Info("gateway wager placed",
		zap.String("wagerId", wager.ID),
		zap.String("chargeId", charge.ID),
		zap.Time("expiresAt", charge.ExpiresAt),
	)
	return &model.PlaceWagerResult{Wager: wager, Charge: charge}, nil
}

// ── Aggregates ───────────────────────────────────────

// RecomputeAggregates re-derives participants_count and prize_pool from the
// PAID wagers on record and broadcasts the fresh pool. Safe to call from
// concurrent confirmations: last writer recomputes from source.
func (s *Service) RecomputeAggregates(ctx context.Context, betID string) (*model.Bet, error) {
	bet, err := s.store.RecomputeBetAggregates(ctx, betID)
	if err != nil {
		return nil, fmt.Errorf("recompute bet %s: %w", betID, err)
	}
	if bet == nil {
		return nil, model.ErrBetNotFound
	}
	if s.publish != nil {
		s.publish(betID, "pool_update", bet)
	}
	return bet, nil
}

// ── Gateway confirmation (webhook path) ──────────────

// ConfirmGatewayPayment records an out-of-band gateway confirmation for a
// charge. First confirmed charge per (participant, bet) wins; a losing
// charge is flagged ERROR for out-of-band refund.
func (s *Service) ConfirmGatewayPayment(ctx context.Context, txid string) (*model.Wager, error) {
	charge, err := s.store.GetChargeByTxID(ctx, txid)
	if err != nil {
		return nil, err
	}
	if charge == nil {
		return nil, model.ErrChargeNotFound
	}
	wager, err := s.store.GetWager(ctx, charge.WagerID)
	if err != nil {
		return nil, err
	}
	if wager == nil {
		return nil, model.ErrWagerNotFound
	}

	switch charge.Status {
	case model.ChargePaid:
		// Duplicate webhook delivery: already recorded.
		return wager, nil
	case model.ChargeExpired, model.ChargeError:
		return nil, model.ErrChargeExpired
	}

	// Settlement and cancellation are terminal for the pool: a charge that
	// confirms afterwards must never fund the frozen prize pool.
	bet, err := s.GetBet(ctx, wager.BetID)
	if err != nil {
		return nil, err
	}
	if bet.Status == model.BetSettled || bet.Status == model.BetCancelled {
		if err := s.store.FlagChargeError(ctx, charge.ID, "confirmed after bet "+strings.ToLower(string(bet.Status))); err != nil {
			s.log.Error("flag charge on closed bet", zap.String("chargeId", charge.ID), zap.Error(err))
		}
		if bet.Status == model.BetSettled {
			return nil, model.ErrAlreadySettled
		}
		return nil, model.ErrBetNotOpen
	}

	if !s.now().Before(charge.ExpiresAt) {
		if err := s.store.ExpireCharge(ctx, charge.ID, charge.WagerID); err != nil {
			s.log.Error("expire charge on late confirmation", zap.String("chargeId", charge.ID), zap.Error(err))
		}
		metrics.ChargesExpired.Inc()
		return nil, model.ErrChargeExpired
	}

	dup, err := s.store.HasPaidWager(ctx, wager.BetID, wager.ParticipantID)
	if err != nil {
		return nil, err
	}
	if dup {
		if err := s.store.FlagChargeError(ctx, charge.ID, "second charge confirmed after winner"); err != nil {
			s.log.Error("flag losing charge", zap.String("chargeId", charge.ID), zap.Error(err))
		}
		return nil, model.ErrAlreadySettled
	}

	ok, err := s.store.ConfirmChargePaid(ctx, charge.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Lost a race with expiry or a concurrent confirmation.
		return nil, model.ErrChargeExpired
	}
	metrics.PaymentsConfirmed.WithLabelValues("webhook").Inc()
	if _, err := s.RecomputeAggregates(ctx, wager.BetID); err != nil {
		s.log.Error("recompute after confirmation", zap.String("betId", wager.BetID), zap.Error(err))
	}
	return s.store.GetWager(ctx, wager.ID)
}
