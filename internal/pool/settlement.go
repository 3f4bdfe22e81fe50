package pool

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"betpool/internal/metrics"
	"betpool/internal/model"
)

// ── Settlement ───────────────────────────────────────

// EndBet settles a pool: only the creator may call it, exactly once. The
// winning option is recorded and the prize pool frozen; no wagers or
// confirmations are accepted afterwards.
func (s *Service) EndBet(ctx context.Context, betID, callerID, winningOption, resultNote string) (*model.Bet, error) {
	bet, err := s.GetBet(ctx, betID)
	if err != nil {
		return nil, err
	}
	if bet.OwnerID != callerID {
		return nil, model.ErrNotOwner
	}
	if bet.Status == model.BetSettled {
		return nil, model.ErrAlreadySettled
	}
	if bet.Status == model.BetCancelled {
		return nil, model.ErrBetNotOpen
	}
	if !bet.HasOption(winningOption) {
		return nil, model.ErrOptionInvalid
	}
	if resultNote == "" {
		resultNote = fmt.Sprintf("Winning option: %s", winningOption)
	}

	// Freeze aggregates from source before the terminal transition.
	if _, err := s.RecomputeAggregates(ctx, betID); err != nil {
		return nil, err
	}
	ok, err := s.store.SettleBet(ctx, betID, winningOption, resultNote)
	if err != nil {
		return nil, fmt.Errorf("settle bet: %w", err)
	}
	if !ok {
		// A concurrent call won the guarded update.
		return nil, model.ErrAlreadySettled
	}

	settled, err := s.GetBet(ctx, betID)
	if err != nil {
		return nil, err
	}
	if s.publish != nil {
		s.publish(betID, "bet_settled", settled)
	}
	s.log.Info("bet settled",
		zap.String("betId", betID),
		zap.String("winningOption", winningOption),
		zap.String("prizePool", settled.PrizePool.StringFixed(2)),
	)
	return settled, nil
}

// ConfirmManualPayment moves a cash wager from PENDING to PAID. Restricted
// to the bet's creator; the only path by which MANUAL wagers count.
func (s *Service) ConfirmManualPayment(ctx context.Context, wagerID, callerID string) (*model.Wager, error) {
	wager, err := s.store.GetWager(ctx, wagerID)
	if err != nil {
		return nil, err
	}
	if wager == nil {
		return nil, model.ErrWagerNotFound
	}
	bet, err := s.GetBet(ctx, wager.BetID)
	if err != nil {
		return nil, err
	}
	if bet.OwnerID != callerID {
		return nil, model.ErrNotOwner
	}
	if bet.Status == model.BetSettled {
		return nil, model.ErrAlreadySettled
	}
	if wager.Method != model.MethodManual {
		return nil, fmt.Errorf("%w: only manual wagers are confirmed here", model.ErrInvalidSpec)
	}
	if wager.Status == model.WagerPaid {
		return nil, model.ErrAlreadyPaid
	}
	if wager.Status != model.WagerPending {
		return nil, model.ErrBetNotOpen
	}

	// Capacity and duplicate checks re-run at confirmation time: only PAID
	// wagers consume capacity.
	dup, err := s.store.HasPaidWager(ctx, wager.BetID, wager.ParticipantID)
	if err != nil {
		return nil, err
	}
	if dup {
		return nil, model.ErrDuplicatePaidWager
	}
	paid, err := s.store.CountPaidWagers(ctx, wager.BetID)
	if err != nil {
		return nil, err
	}
	if bet.MaxParticipants != nil && paid >= *bet.MaxParticipants {
		return nil, model.ErrCapacityExceeded
	}

	ok, err := s.store.MarkWagerPaid(ctx, wagerID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, model.ErrAlreadyPaid
	}
	metrics.PaymentsConfirmed.WithLabelValues("manual").Inc()
	if _, err := s.RecomputeAggregates(ctx, wager.BetID); err != nil {
		s.log.Error("recompute after manual confirm", zap.String("betId", wager.BetID), zap.Error(err))
	}
	return s.store.GetWager(ctx, wagerID)
}

// CancelBet lets the owner withdraw an OPEN bet that has no paid wagers.
func (s *Service) CancelBet(ctx context.Context, betID, callerID string) (*model.Bet, error) {
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
	paid, err := s.store.CountPaidWagers(ctx, betID)
	if err != nil {
		return nil, err
	}
	if paid > 0 {
		return nil, model.ErrHasPaidWagers
	}
	ok, err := s.store.CancelBet(ctx, betID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, model.ErrBetNotOpen
	}
	cancelled, err := s.GetBet(ctx, betID)
	if err != nil {
		return nil, err
	}
	if s.publish != nil {
		s.publish(betID, "bet_cancelled", cancelled)
	}
	return cancelled, nil
}
