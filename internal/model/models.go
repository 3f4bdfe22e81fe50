package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ── Enums ────────────────────────────────────────────

type Role string

const (
	RoleParticipant Role = "PARTICIPANT"
	RoleManager     Role = "MANAGER"
	RoleAdmin       Role = "ADMIN"
)

type BetStatus string

const (
	BetOpen      BetStatus = "OPEN"
	BetClosed    BetStatus = "CLOSED"
	BetSettled   BetStatus = "SETTLED"
	BetCancelled BetStatus = "CANCELLED"
)

type Visibility string

const (
	VisibilityPublic  Visibility = "PUBLIC"
	VisibilityPrivate Visibility = "PRIVATE"
)

type WagerStatus string

const (
	WagerPending   WagerStatus = "PENDING"
	WagerPaid      WagerStatus = "PAID"
	WagerExpired   WagerStatus = "EXPIRED"
	WagerCancelled WagerStatus = "CANCELLED"
)

type PaymentMethod string

const (
	MethodGateway PaymentMethod = "GATEWAY"
	MethodManual  PaymentMethod = "MANUAL"
)

type ChargeStatus string

const (
	ChargePending ChargeStatus = "PENDING"
	ChargePaid    ChargeStatus = "PAID"
	ChargeExpired ChargeStatus = "EXPIRED"
	ChargeError   ChargeStatus = "ERROR"
)

// ── Domain Objects ───────────────────────────────────

type Profile struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	DisplayName  string    `json:"display_name"`
	PixKey       string    `json:"pix_key"`
	AvatarURL    string    `json:"avatar_url,omitempty"`
	Role         Role      `json:"role"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

// Complete reports whether the profile carries the minimum identity data
// required before any wagering action: a display name and a payout key.
func (p Profile) Complete() bool {
	return strings.TrimSpace(p.DisplayName) != "" && strings.TrimSpace(p.PixKey) != ""
}

// Option is the canonical shape of a bet outcome. The JSON boundary accepts
// either a bare string or a {name, value} object and normalizes on decode;
// readers only ever see this struct.
type Option struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func (o *Option) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		o.Name, o.Value = s, s
		return nil
	}
	var obj struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return fmt.Errorf("option must be a string or {name,value}: %w", err)
	}
	if obj.Value == "" {
		obj.Value = obj.Name
	}
	if obj.Name == "" {
		obj.Name = obj.Value
	}
	o.Name, o.Value = obj.Name, obj.Value
	return nil
}

type Bet struct {
	ID              string          `json:"id"`
	OwnerID         string          `json:"owner_id"`
	Title           string          `json:"title"`
	Description     string          `json:"description"`
	Category        string          `json:"category"`
	Options         []Option        `json:"options"`
	EntryFee        decimal.Decimal `json:"entry_fee"`
	MaxParticipants *int            `json:"max_participants,omitempty"`
	CloseDate       time.Time       `json:"close_date"`
	Status          BetStatus       `json:"status"`
	Visibility      Visibility      `json:"visibility"`
	AccessCodeHash  string          `json:"-"`
	WinningOption   *string         `json:"winning_option,omitempty"`
	ResultNote      *string         `json:"result_note,omitempty"`

	// Derived from PAID wagers only, recomputed from source on every
	// wager transition.
	ParticipantsCount int             `json:"participants_count"`
	PrizePool         decimal.Decimal `json:"prize_pool"`

	CreatedAt time.Time  `json:"created_at"`
	SettledAt *time.Time `json:"settled_at,omitempty"`
}

// HasOption matches by exact value equality.
func (b *Bet) HasOption(value string) bool {
	for _, o := range b.Options {
		if o.Value == value {
			return true
		}
	}
	return false
}

// AcceptingWagers reports whether new wagers may be placed right now.
func (b *Bet) AcceptingWagers(now time.Time) bool {
	return b.Status == BetOpen && now.Before(b.CloseDate)
}

type Wager struct {
	ID            string          `json:"id"`
	BetID         string          `json:"bet_id"`
	ParticipantID string          `json:"participant_id"`
	Option        string          `json:"option"`
	Amount        decimal.Decimal `json:"amount"`
	Method        PaymentMethod   `json:"method"`
	Status        WagerStatus     `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	ConfirmedAt   *time.Time      `json:"confirmed_at,omitempty"`
}

// WagerEntry is a roster row: a wager joined with the participant's
// public profile fields.
type WagerEntry struct {
	Wager
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// PayerSnapshot is the payer identity captured at charge creation. It is
// immutable for the lifetime of the charge even if the profile changes.
type PayerSnapshot struct {
	Name   string `json:"name"`
	PixKey string `json:"pix_key"`
}

func (s PayerSnapshot) Valid() bool {
	return strings.TrimSpace(s.Name) != "" && strings.TrimSpace(s.PixKey) != ""
}

type PaymentCharge struct {
	ID            string          `json:"id"`
	WagerID       string          `json:"wager_id"`
	TxID          string          `json:"txid"`
	CopyPasteCode string          `json:"copy_paste_code"`
	QRCodeImage   string          `json:"qr_code_image,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Payer         PayerSnapshot   `json:"payer"`
	Status        ChargeStatus    `json:"status"`
	ExpiresAt     time.Time       `json:"expires_at"`
	CreatedAt     time.Time       `json:"created_at"`
}

// RemainingSeconds is the countdown shown while a charge is pending.
func (c *PaymentCharge) RemainingSeconds(now time.Time) int64 {
	d := c.ExpiresAt.Sub(now)
	if d <= 0 {
		return 0
	}
	return int64(d.Seconds())
}

// ChargeRef is a pending charge joined with the wager key the watcher polls
// on; used to resume watchers after a restart.
type ChargeRef struct {
	Charge        PaymentCharge
	BetID         string
	ParticipantID string
	Option        string
}

// ── API Types ────────────────────────────────────────

// BetSpec is the creation payload for a bet pool.
type BetSpec struct {
	Title           string          `json:"title"`
	Description     string          `json:"description"`
	Category        string          `json:"category"`
	Options         []Option        `json:"options"`
	EntryFee        decimal.Decimal `json:"entry_fee"`
	MaxParticipants *int            `json:"max_participants"`
	CloseDate       time.Time       `json:"close_date"`
	Visibility      Visibility      `json:"visibility"`
	AccessCode      string          `json:"access_code,omitempty"`
}

// PlaceWagerResult carries the new wager plus, for gateway wagers, the
// payment data the caller needs to present (copy-paste code, QR, expiry).
type PlaceWagerResult struct {
	Wager  *Wager         `json:"wager"`
	Charge *PaymentCharge `json:"charge,omitempty"`
}
