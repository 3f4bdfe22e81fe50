package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"betpool/internal/model"
)

type Store struct{ DB *sql.DB }

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Store{DB: db}, nil
}

func (s *Store) Migrate(dir string) error {
	driver, err := postgres.WithInstance(s.DB, &postgres.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+dir, "postgres", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return s.DB.PingContext(ctx) }

// ── Profiles ─────────────────────────────────────────

func (s *Store) CreateProfile(ctx context.Context, email, hash string) (*model.Profile, error) {
	p := &model.Profile{}
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO profiles (email, password_hash) VALUES ($1,$2)
		 RETURNING id, email, password_hash, display_name, pix_key, avatar_url, role, active, created_at`,
		email, hash,
	).Scan(&p.ID, &p.Email, &p.PasswordHash, &p.DisplayName, &p.PixKey, &p.AvatarURL, &p.Role, &p.Active, &p.CreatedAt)
	return p, err
}

const profileCols = `id, email, password_hash, display_name, pix_key, avatar_url, role, active, created_at`

func scanProfile(row *sql.Row) (*model.Profile, error) {
	p := &model.Profile{}
	err := row.Scan(&p.ID, &p.Email, &p.PasswordHash, &p.DisplayName, &p.PixKey, &p.AvatarURL, &p.Role, &p.Active, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

func (s *Store) GetProfile(ctx context.Context, id string) (*model.Profile, error) {
	return scanProfile(s.DB.QueryRowContext(ctx,
		`SELECT `+profileCols+` FROM profiles WHERE id=$1`, id))
}

func (s *Store) GetProfileByEmail(ctx context.Context, email string) (*model.Profile, error) {
	return scanProfile(s.DB.QueryRowContext(ctx,
		`SELECT `+profileCols+` FROM profiles WHERE email=$1`, email))
}

func (s *Store) UpdateProfileIdentity(ctx context.Context, id, displayName, pixKey, avatarURL string) (*model.Profile, error) {
	return scanProfile(s.DB.QueryRowContext(ctx,
		`UPDATE profiles SET display_name=$1, pix_key=$2, avatar_url=$3 WHERE id=$4
		 RETURNING `+profileCols, displayName, pixKey, avatarURL, id))
}

func (s *Store) SetProfileActive(ctx context.Context, id string, active bool) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE profiles SET active=$1 WHERE id=$2`, active, id)
	return err
}

func (s *Store) ListProfiles(ctx context.Context) ([]model.Profile, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, email, display_name, pix_key, avatar_url, role, active, created_at
		 FROM profiles ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Profile
	for rows.Next() {
		var p model.Profile
		if err := rows.Scan(&p.ID, &p.Email, &p.DisplayName, &p.PixKey, &p.AvatarURL, &p.Role, &p.Active, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ── Bets ─────────────────────────────────────────────

const betCols = `id, owner_id, title, description, category, options, entry_fee, max_participants,
	close_date, status, visibility, access_code_hash, winning_option, result_note,
	participants_count, prize_pool, created_at, settled_at`

func (s *Store) InsertBet(ctx context.Context, b *model.Bet) error {
	opts, err := json.Marshal(b.Options)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO bets (id, owner_id, title, description, category, options, entry_fee,
			max_participants, close_date, status, visibility, access_code_hash)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		b.ID, b.OwnerID, b.Title, b.Description, b.Category, opts, b.EntryFee,
		b.MaxParticipants, b.CloseDate, b.Status, b.Visibility, b.AccessCodeHash,
	)
	return err
}

func scanBet(sc interface{ Scan(...any) error }) (*model.Bet, error) {
	b := &model.Bet{}
	var opts []byte
	err := sc.Scan(&b.ID, &b.OwnerID, &b.Title, &b.Description, &b.Category, &opts, &b.EntryFee,
		&b.MaxParticipants, &b.CloseDate, &b.Status, &b.Visibility, &b.AccessCodeHash,
		&b.WinningOption, &b.ResultNote, &b.ParticipantsCount, &b.PrizePool, &b.CreatedAt, &b.SettledAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(opts, &b.Options); err != nil {
		return nil, fmt.Errorf("bet %s options: %w", b.ID, err)
	}
	return b, nil
}

func (s *Store) GetBet(ctx context.Context, id string) (*model.Bet, error) {
	b, err := scanBet(s.DB.QueryRowContext(ctx, `SELECT `+betCols+` FROM bets WHERE id=$1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return b, err
}

func (s *Store) queryBets(ctx context.Context, q string, args ...any) ([]model.Bet, error) {
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Bet
	for rows.Next() {
		b, err := scanBet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// ListPublicBets returns every public bet, newest first. Private bets are
// reachable only by id plus access code.
func (s *Store) ListPublicBets(ctx context.Context) ([]model.Bet, error) {
	return s.queryBets(ctx,
		`SELECT `+betCols+` FROM bets WHERE visibility='PUBLIC' ORDER BY created_at DESC`)
}

func (s *Store) ListBetsByOwner(ctx context.Context, ownerID string) ([]model.Bet, error) {
	return s.queryBets(ctx,
		`SELECT `+betCols+` FROM bets WHERE owner_id=$1 ORDER BY created_at DESC`, ownerID)
}

func (s *Store) ListBetsByParticipant(ctx context.Context, participantID string) ([]model.Bet, error) {
	return s.queryBets(ctx,
		`SELECT DISTINCT ON (b.id) `+prefixedBetCols("b")+`
		 FROM bets b JOIN wagers w ON w.bet_id=b.id
		 WHERE w.participant_id=$1 ORDER BY b.id, b.created_at DESC`, participantID)
}

func prefixedBetCols(alias string) string {
	return alias + `.id, ` + alias + `.owner_id, ` + alias + `.title, ` + alias + `.description, ` +
		alias + `.category, ` + alias + `.options, ` + alias + `.entry_fee, ` + alias + `.max_participants, ` +
		alias + `.close_date, ` + alias + `.status, ` + alias + `.visibility, ` + alias + `.access_code_hash, ` +
		alias + `.winning_option, ` + alias + `.result_note, ` + alias + `.participants_count, ` +
		alias + `.prize_pool, ` + alias + `.created_at, ` + alias + `.settled_at`
}

func (s *Store) UpdateBetSpec(ctx context.Context, b *model.Bet) error {
	opts, err := json.Marshal(b.Options)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx,
		`UPDATE bets SET title=$1, description=$2, category=$3, options=$4, entry_fee=$5,
			max_participants=$6, close_date=$7, visibility=$8, access_code_hash=$9
		 WHERE id=$10`,
		b.Title, b.Description, b.Category, opts, b.EntryFee,
		b.MaxParticipants, b.CloseDate, b.Visibility, b.AccessCodeHash, b.ID,
	)
	return err
}

// SettleBet is guarded: only OPEN or CLOSED bets settle, once. Returns false
// when the guard refused the transition.
func (s *Store) SettleBet(ctx context.Context, betID, winningOption, resultNote string) (bool, error) {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE bets SET status='SETTLED', winning_option=$1, result_note=$2, settled_at=now()
		 WHERE id=$3 AND status IN ('OPEN','CLOSED')`,
		winningOption, resultNote, betID,
	)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) CancelBet(ctx context.Context, betID string) (bool, error) {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE bets SET status='CANCELLED' WHERE id=$1 AND status='OPEN'`, betID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) DeleteBetCascade(ctx context.Context, betID string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM payment_charges WHERE wager_id IN (SELECT id FROM wagers WHERE bet_id=$1)`, betID); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM wagers WHERE bet_id=$1`, betID); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM bets WHERE id=$1`, betID); err != nil {
		return err
	}
	return tx.Commit()
}

// RecomputeBetAggregates derives participants_count and prize_pool by
// re-scanning PAID wagers. Always a full recompute, never an increment.
func (s *Store) RecomputeBetAggregates(ctx context.Context, betID string) (*model.Bet, error) {
	b, err := scanBet(s.DB.QueryRowContext(ctx,
		`UPDATE bets SET
			participants_count = (SELECT COUNT(*) FROM wagers WHERE bet_id=$1 AND status='PAID'),
			prize_pool = (SELECT COALESCE(SUM(amount),0) FROM wagers WHERE bet_id=$1 AND status='PAID')
		 WHERE id=$1
		 RETURNING `+betCols, betID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return b, err
}

// ── Wagers ───────────────────────────────────────────

const wagerCols = `id, bet_id, participant_id, option, amount, method, status, created_at, confirmed_at`

func (s *Store) InsertWager(ctx context.Context, w *model.Wager) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO wagers (id, bet_id, participant_id, option, amount, method, status)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		w.ID, w.BetID, w.ParticipantID, w.Option, w.Amount, w.Method, w.Status,
	)
	return err
}

func (s *Store) GetWager(ctx context.Context, id string) (*model.Wager, error) {
	w := &model.Wager{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT `+wagerCols+` FROM wagers WHERE id=$1`, id,
	).Scan(&w.ID, &w.BetID, &w.ParticipantID, &w.Option, &w.Amount, &w.Method, &w.Status, &w.CreatedAt, &w.ConfirmedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return w, err
}

func (s *Store) ListBetWagers(ctx context.Context, betID string) ([]model.WagerEntry, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT w.id, w.bet_id, w.participant_id, w.option, w.amount, w.method, w.status,
			w.created_at, w.confirmed_at, p.display_name, p.avatar_url
		 FROM wagers w JOIN profiles p ON p.id=w.participant_id
		 WHERE w.bet_id=$1 ORDER BY w.created_at`, betID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.WagerEntry
	for rows.Next() {
		var e model.WagerEntry
		if err := rows.Scan(&e.ID, &e.BetID, &e.ParticipantID, &e.Option, &e.Amount, &e.Method,
			&e.Status, &e.CreatedAt, &e.ConfirmedAt, &e.DisplayName, &e.AvatarURL); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) CountPaidWagers(ctx context.Context, betID string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM wagers WHERE bet_id=$1 AND status='PAID'`, betID).Scan(&n)
	return n, err
}

func (s *Store) HasPaidWager(ctx context.Context, betID, participantID string) (bool, error) {
	var ok bool
	err := s.DB.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM wagers WHERE bet_id=$1 AND participant_id=$2 AND status='PAID')`,
		betID, participantID).Scan(&ok)
	return ok, err
}

// WagerPaid is the watcher's poll check, keyed the same way the gateway
// confirmation is recorded: participant + bet + option.
func (s *Store) WagerPaid(ctx context.Context, betID, participantID, option string) (bool, error) {
	var ok bool
	err := s.DB.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM wagers
		 WHERE bet_id=$1 AND participant_id=$2 AND option=$3 AND status='PAID')`,
		betID, participantID, option).Scan(&ok)
	return ok, err
}

// MarkWagerPaid transitions a PENDING wager to PAID (the manual path).
// The partial unique index on (bet_id, participant_id) WHERE status='PAID'
// backs the one-paid-wager invariant against races.
func (s *Store) MarkWagerPaid(ctx context.Context, wagerID string) (bool, error) {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE wagers SET status='PAID', confirmed_at=now() WHERE id=$1 AND status='PENDING'`, wagerID)
	if err != nil {
		return false, uniquePaidViolation(err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) CancelWager(ctx context.Context, wagerID string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE wagers SET status='CANCELLED' WHERE id=$1 AND status='PENDING'`, wagerID)
	return err
}

func uniquePaidViolation(err error) error {
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return model.ErrDuplicatePaidWager
	}
	return err
}

// ── Payment Charges ──────────────────────────────────

const chargeCols = `id, wager_id, txid, copy_paste_code, qr_code_image, amount,
	payer_name, payer_pix_key, status, expires_at, created_at`

func (s *Store) InsertCharge(ctx context.Context, c *model.PaymentCharge) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO payment_charges (id, wager_id, txid, copy_paste_code, qr_code_image,
			amount, payer_name, payer_pix_key, status, expires_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		c.ID, c.WagerID, c.TxID, c.CopyPasteCode, c.QRCodeImage,
		c.Amount, c.Payer.Name, c.Payer.PixKey, c.Status, c.ExpiresAt,
	)
	return err
}

func scanCharge(sc interface{ Scan(...any) error }) (*model.PaymentCharge, error) {
	c := &model.PaymentCharge{}
	err := sc.Scan(&c.ID, &c.WagerID, &c.TxID, &c.CopyPasteCode, &c.QRCodeImage, &c.Amount,
		&c.Payer.Name, &c.Payer.PixKey, &c.Status, &c.ExpiresAt, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Store) GetCharge(ctx context.Context, id string) (*model.PaymentCharge, error) {
	c, err := scanCharge(s.DB.QueryRowContext(ctx,
		`SELECT `+chargeCols+` FROM payment_charges WHERE id=$1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

func (s *Store) GetChargeByTxID(ctx context.Context, txid string) (*model.PaymentCharge, error) {
	c, err := scanCharge(s.DB.QueryRowContext(ctx,
		`SELECT `+chargeCols+` FROM payment_charges WHERE txid=$1`, txid))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// ConfirmChargePaid marks charge and wager PAID in one transaction. The
// charge update is guarded against expiry so a late confirmation can never
// flip an expired charge; returns false when the guard refused it.
func (s *Store) ConfirmChargePaid(ctx context.Context, chargeID string) (bool, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var wagerID string
	err = tx.QueryRow(
		`UPDATE payment_charges SET status='PAID'
		 WHERE id=$1 AND status='PENDING' AND expires_at > now()
		 RETURNING wager_id`, chargeID,
	).Scan(&wagerID)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	res, err := tx.Exec(
		`UPDATE wagers SET status='PAID', confirmed_at=now() WHERE id=$1 AND status='PENDING'`, wagerID)
	if err != nil {
		return false, uniquePaidViolation(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}

	if err := recordChargeEvent(tx, chargeID, model.ChargePending, model.ChargePaid, "gateway confirmation"); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// ExpireCharge records the TTL elapsing: charge and wager both EXPIRED.
func (s *Store) ExpireCharge(ctx context.Context, chargeID, wagerID string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`UPDATE payment_charges SET status='EXPIRED' WHERE id=$1 AND status='PENDING'`, chargeID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Already terminal, nothing to record.
		return nil
	}
	if _, err := tx.Exec(
		`UPDATE wagers SET status='EXPIRED' WHERE id=$1 AND status='PENDING'`, wagerID); err != nil {
		return err
	}
	if err := recordChargeEvent(tx, chargeID, model.ChargePending, model.ChargeExpired, "ttl elapsed"); err != nil {
		return err
	}
	return tx.Commit()
}

// FlagChargeError marks a charge whose confirmation was rejected (e.g. a
// second charge confirming after the first already won). Needs out-of-band
// reconciliation/refund.
func (s *Store) FlagChargeError(ctx context.Context, chargeID, reason string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.Exec(
		`UPDATE payment_charges SET status='ERROR' WHERE id=$1 AND status='PENDING'`, chargeID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}
	if err := recordChargeEvent(tx, chargeID, model.ChargePending, model.ChargeError, reason); err != nil {
		return err
	}
	return tx.Commit()
}

func recordChargeEvent(tx *sql.Tx, chargeID string, old, new model.ChargeStatus, note string) error {
	_, err := tx.Exec(
		`INSERT INTO charge_events (charge_id, old_status, new_status, note) VALUES ($1,$2,$3,$4)`,
		chargeID, old, new, note)
	return err
}

// ── Admin ────────────────────────────────────────────

// Summary is the admin dashboard snapshot.
type Summary struct {
	TotalBets      int             `json:"total_bets"`
	OpenBets       int             `json:"open_bets"`
	TotalProfiles  int             `json:"total_profiles"`
	PaidWagers     int             `json:"paid_wagers"`
	PendingCharges int             `json:"pending_charges"`
	TotalCollected decimal.Decimal `json:"total_collected"`
}

func (s *Store) AdminSummary(ctx context.Context) (*Summary, error) {
	sum := &Summary{}
	err := s.DB.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM bets),
		(SELECT COUNT(*) FROM bets WHERE status='OPEN'),
		(SELECT COUNT(*) FROM profiles),
		(SELECT COUNT(*) FROM wagers WHERE status='PAID'),
		(SELECT COUNT(*) FROM payment_charges WHERE status='PENDING' AND expires_at > now()),
		(SELECT COALESCE(SUM(amount),0) FROM wagers WHERE status='PAID')`,
	).Scan(&sum.TotalBets, &sum.OpenBets, &sum.TotalProfiles,
		&sum.PaidWagers, &sum.PendingCharges, &sum.TotalCollected)
	if err != nil {
		return nil, err
	}
	return sum, nil
}

// ListPendingCharges returns unexpired PENDING charges with their wager keys,
// so watchers can resume after a restart.
func (s *Store) ListPendingCharges(ctx context.Context) ([]model.ChargeRef, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT c.id, c.wager_id, c.txid, c.copy_paste_code, c.qr_code_image, c.amount,
			c.payer_name, c.payer_pix_key, c.status, c.expires_at, c.created_at,
			w.bet_id, w.participant_id, w.option
		 FROM payment_charges c JOIN wagers w ON w.id=c.wager_id
		 WHERE c.status='PENDING' AND c.expires_at > now()`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ChargeRef
	for rows.Next() {
		var r model.ChargeRef
		c := &r.Charge
		if err := rows.Scan(&c.ID, &c.WagerID, &c.TxID, &c.CopyPasteCode, &c.QRCodeImage, &c.Amount,
			&c.Payer.Name, &c.Payer.PixKey, &c.Status, &c.ExpiresAt, &c.CreatedAt,
			&r.BetID, &r.ParticipantID, &r.Option); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
