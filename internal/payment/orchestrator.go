package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"betpool/internal/metrics"
	"betpool/internal/model"
)

// ChargeStore persists new charges.
type ChargeStore interface {
	InsertCharge(ctx context.Context, c *model.PaymentCharge) error
}

// Orchestrator creates exactly one charge row per placement attempt. It
// never touches wager status — that is the watcher's job — and a failed
// attempt is terminal: retries go through a fresh wager + charge.
type Orchestrator struct {
	gw    Gateway
	store ChargeStore
	ttl   time.Duration
	now   func() time.Time
	log   *zap.Logger
}

func NewOrchestrator(gw Gateway, store ChargeStore, ttl time.Duration, log *zap.Logger) *Orchestrator {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Orchestrator{
		gw:    gw,
		store: store,
		ttl:   ttl,
		now:   time.Now,
		log:   log.Named("orchestrator"),
	}
}

// CreateCharge requests a gateway charge for the wager, snapshotting the
// payer identity. Amount and expiry are fixed at creation.
func (o *Orchestrator) CreateCharge(ctx context.Context, wager *model.Wager, payer model.PayerSnapshot) (*model.PaymentCharge, error) {
	if !payer.Valid() {
		return nil, model.ErrIncompleteProfile
	}

	resp, err := o.gw.CreateImmediateCharge(ctx, ChargeRequest{
		Amount:      wager.Amount,
		PayerName:   payer.Name,
		PayerKey:    payer.PixKey,
		Description: "Bet pool wager",
		TTL:         o.ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("create immediate charge: %w", err)
	}

	charge := &model.PaymentCharge{
		ID:            uuid.NewString(),
		WagerID:       wager.ID,
		TxID:          resp.TxID,
		CopyPasteCode: resp.CopyPasteCode,
		QRCodeImage:   resp.QRCodeImage,
		Amount:        wager.Amount,
		Payer:         payer,
		Status:        model.ChargePending,
		ExpiresAt:     o.now().Add(o.ttl).UTC(),
		CreatedAt:     o.now().UTC(),
	}
	if err := o.store.InsertCharge(ctx, charge); err != nil {
		return nil, fmt.Errorf("insert charge: %w", err)
	}
	metrics.ChargesCreated.Inc()
	o.log.Info("charge recorded",
		zap.String("chargeId", charge.ID),
		zap.String("txid", charge.TxID),
		zap.Time("expiresAt", charge.ExpiresAt),
	)
	return charge, nil
}
