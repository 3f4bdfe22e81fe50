// Package api is the HTTP edge: routing, auth, and translation between
// JSON requests and the pool service. No money rules live here.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"betpool/internal/db"
	"betpool/internal/model"
	"betpool/internal/payment"
	"betpool/internal/pool"
	"betpool/internal/ws"
)

type Server struct {
	store         *db.Store
	svc           *pool.Service
	watchers      *payment.Registry
	hub           *ws.Hub
	secret        []byte
	webhookSecret string
	log           *zap.Logger
}

func NewServer(store *db.Store, svc *pool.Service, watchers *payment.Registry, hub *ws.Hub, secret, webhookSecret string, log *zap.Logger) *Server {
	return &Server{
		store:         store,
		svc:           svc,
		watchers:      watchers,
		hub:           hub,
		secret:        []byte(secret),
		webhookSecret: webhookSecret,
		log:           log.Named("api"),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(corsMiddleware)

	// Health
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json200(w, map[string]string{"status": "ok"})
	})

	// Auth (public)
	r.Post("/api/register", s.register)
	r.Post("/api/login", s.login)

	// Gateway webhook (shared secret, not JWT)
	r.Post("/api/webhooks/pix", s.pixWebhook)

	// WebSocket
	r.Get("/ws", s.hub.HandleWS)

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		// Profile
		r.Get("/api/profile", s.getProfile)
		r.Put("/api/profile", s.updateProfile)

		// Bets
		r.Get("/api/bets", s.listBets)
		r.Post("/api/bets", s.createBet)
		r.Get("/api/bets/{id}", s.getBet)
		r.Put("/api/bets/{id}", s.updateBet)
		r.Post("/api/bets/{id}/join", s.joinBet)
		r.Get("/api/bets/{id}/wagers", s.listBetWagers)
		r.Get("/api/my/bets", s.listMyBets)

		// Wagers & payment
		r.Post("/api/bets/{id}/wagers", s.placeWager)
		r.Get("/api/charges/{id}", s.getCharge)
		r.Delete("/api/charges/{id}/watch", s.dismissCharge)

		// Lifecycle
		r.Post("/api/bets/{id}/settle", s.settleBet)
		r.Post("/api/wagers/{id}/confirm", s.confirmManual)
		r.Post("/api/bets/{id}/cancel", s.cancelBet)

		// Admin
		r.Group(func(r chi.Router) {
			r.Use(s.adminOnly)
			r.Get("/api/admin/users", s.listUsers)
			r.Post("/api/admin/users/{id}/suspend", s.suspendUser)
			r.Post("/api/admin/users/{id}/reactivate", s.reactivateUser)
			r.Delete("/api/admin/bets/{id}", s.adminDeleteBet)
			r.Get("/api/admin/metrics", s.adminMetrics)
		})
	})

	return r
}

// ── Auth ─────────────────────────────────────────────

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Email == "" || len(req.Password) < 6 {
		jsonErr(w, 400, "email and password (min 6 chars) required")
		return
	}

	existing, _ := s.store.GetProfileByEmail(r.Context(), req.Email)
	if existing != nil {
		jsonErr(w, 409, "email already registered")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		jsonErr(w, 500, "hash failed")
		return
	}
	profile, err := s.store.CreateProfile(r.Context(), req.Email, string(hash))
	if err != nil {
		jsonErr(w, 500, "create profile failed")
		return
	}

	token := s.makeToken(profile.ID, profile.Role)
	json200(w, map[string]any{"profile": profile, "token": token})
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}

	profile, err := s.store.GetProfileByEmail(r.Context(), strings.ToLower(strings.TrimSpace(req.Email)))
	if err != nil || profile == nil {
		jsonErr(w, 401, "invalid credentials")
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(profile.PasswordHash), []byte(req.Password)); err != nil {
		jsonErr(w, 401, "invalid credentials")
		return
	}
	if !profile.Active {
		jsonErr(w, 403, model.ErrProfileSuspended.Error())
		return
	}

	token := s.makeToken(profile.ID, profile.Role)
	json200(w, map[string]any{"profile": profile, "token": token})
}

func (s *Server) makeToken(userID string, role model.Role) string {
	claims := jwt.MapClaims{
		"sub":  userID,
		"role": string(role),
		"exp":  time.Now().Add(72 * time.Hour).Unix(),
	}
	t, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	return t
}

// ── Middleware ────────────────────────────────────────

type ctxKey string

const (
	ctxUserID ctxKey = "userID"
	ctxRole   ctxKey = "role"
)

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			jsonErr(w, 401, "missing token")
			return
		}
		tokenStr := strings.TrimPrefix(auth, "Bearer ")
		token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method")
			}
			return s.secret, nil
		})
		if err != nil || !token.Valid {
			jsonErr(w, 401, "invalid token")
			return
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			jsonErr(w, 401, "invalid claims")
			return
		}
		userID, _ := claims["sub"].(string)
		role, _ := claims["role"].(string)
		ctx := context.WithValue(r.Context(), ctxUserID, userID)
		ctx = context.WithValue(ctx, ctxRole, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role, _ := r.Context().Value(ctxRole).(string)
		if role != string(model.RoleAdmin) {
			jsonErr(w, 403, "admin only")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(204)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ── Profile ──────────────────────────────────────────

func (s *Server) getProfile(w http.ResponseWriter, r *http.Request) {
	uid := r.Context().Value(ctxUserID).(string)
	p, err := s.store.GetProfile(r.Context(), uid)
	if err != nil || p == nil {
		jsonErr(w, 404, "profile not found")
		return
	}
	json200(w, map[string]any{"profile": p, "complete": p.Complete()})
}

func (s *Server) updateProfile(w http.ResponseWriter, r *http.Request) {
	uid := r.Context().Value(ctxUserID).(string)
	var req struct {
		DisplayName string `json:"display_name"`
		PixKey      string `json:"pix_key"`
		AvatarURL   string `json:"avatar_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	p, err := s.store.UpdateProfileIdentity(r.Context(), uid, req.DisplayName, req.PixKey, req.AvatarURL)
	if err != nil {
		jsonErr(w, 500, "update profile failed")
		return
	}
	json200(w, map[string]any{"profile": p, "complete": p.Complete()})
}

// ── Bets ─────────────────────────────────────────────

func (s *Server) listBets(w http.ResponseWriter, r *http.Request) {
	bets, err := s.svc.ListBets(r.Context())
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	if bets == nil {
		bets = []model.Bet{}
	}
	json200(w, bets)
}

func (s *Server) createBet(w http.ResponseWriter, r *http.Request) {
	uid := r.Context().Value(ctxUserID).(string)
	var spec model.BetSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	bet, err := s.svc.CreateBet(r.Context(), uid, spec)
	if err != nil {
		s.domainErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(201)
	json.NewEncoder(w).Encode(bet)
}

func (s *Server) getBet(w http.ResponseWriter, r *http.Request) {
	bet, err := s.svc.GetBet(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.domainErr(w, err)
		return
	}
	json200(w, bet)
}

func (s *Server) updateBet(w http.ResponseWriter, r *http.Request) {
	uid := r.Context().Value(ctxUserID).(string)
	var spec model.BetSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	bet, err := s.svc.UpdateBet(r.Context(), chi.URLParam(r, "id"), uid, spec)
	if err != nil {
		s.domainErr(w, err)
		return
	}
	json200(w, bet)
}

func (s *Server) joinBet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccessCode string `json:"access_code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	if err := s.svc.CheckAccessCode(r.Context(), chi.URLParam(r, "id"), req.AccessCode); err != nil {
		s.domainErr(w, err)
		return
	}
	json200(w, map[string]string{"status": "ok"})
}

func (s *Server) listBetWagers(w http.ResponseWriter, r *http.Request) {
	entries, err := s.svc.BetRoster(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.domainErr(w, err)
		return
	}
	if entries == nil {
		entries = []model.WagerEntry{}
	}
	json200(w, entries)
}

func (s *Server) listMyBets(w http.ResponseWriter, r *http.Request) {
	uid := r.Context().Value(ctxUserID).(string)
	bets, err := s.svc.ListUserBets(r.Context(), uid)
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	if bets == nil {
		bets = []model.Bet{}
	}
	json200(w, bets)
}

// ── Wagers & payment ─────────────────────────────────

func (s *Server) placeWager(w http.ResponseWriter, r *http.Request) {
	betID := chi.URLParam(r, "id")
	uid := r.Context().Value(ctxUserID).(string)

	var req struct {
		Option string          `json:"option"`
		Amount decimal.Decimal `json:"amount"`
		Method string          `json:"method"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	method := model.PaymentMethod(strings.ToUpper(req.Method))
	if method == "" {
		method = model.MethodGateway
	}
	if method != model.MethodGateway && method != model.MethodManual {
		jsonErr(w, 400, "method must be GATEWAY or MANUAL")
		return
	}

	result, err := s.svc.PlaceWager(r.Context(), betID, uid, req.Option, req.Amount, method)
	if err != nil {
		s.domainErr(w, err)
		return
	}
	if result.Charge != nil {
		s.watchers.Watch(model.ChargeRef{
			Charge:        *result.Charge,
			BetID:         betID,
			ParticipantID: uid,
			Option:        req.Option,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(201)
	json.NewEncoder(w).Encode(result)
}

func (s *Server) getCharge(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	charge, err := s.store.GetCharge(r.Context(), id)
	if err != nil || charge == nil {
		jsonErr(w, 404, model.ErrChargeNotFound.Error())
		return
	}
	out := map[string]any{
		"charge":            charge,
		"remaining_seconds": charge.RemainingSeconds(time.Now()),
	}
	if wt := s.watchers.Get(id); wt != nil {
		out["watcher_state"] = wt.State()
	}
	json200(w, out)
}

// dismissCharge stops the local watcher only. The wager stays PENDING and
// the charge keeps its TTL; a webhook can still confirm it later.
func (s *Server) dismissCharge(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.watchers.Cancel(id) {
		jsonErr(w, 404, "no active watcher for charge")
		return
	}
	json200(w, map[string]string{"status": "dismissed"})
}

// ── Lifecycle ────────────────────────────────────────

func (s *Server) settleBet(w http.ResponseWriter, r *http.Request) {
	uid := r.Context().Value(ctxUserID).(string)
	var req struct {
		WinningOption string `json:"winning_option"`
		ResultNote    string `json:"result_note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	bet, err := s.svc.EndBet(r.Context(), chi.URLParam(r, "id"), uid, req.WinningOption, req.ResultNote)
	if err != nil {
		s.domainErr(w, err)
		return
	}
	json200(w, bet)
}

func (s *Server) confirmManual(w http.ResponseWriter, r *http.Request) {
	uid := r.Context().Value(ctxUserID).(string)
	wager, err := s.svc.ConfirmManualPayment(r.Context(), chi.URLParam(r, "id"), uid)
	if err != nil {
		s.domainErr(w, err)
		return
	}
	json200(w, wager)
}

func (s *Server) cancelBet(w http.ResponseWriter, r *http.Request) {
	uid := r.Context().Value(ctxUserID).(string)
	bet, err := s.svc.CancelBet(r.Context(), chi.URLParam(r, "id"), uid)
	if err != nil {
		s.domainErr(w, err)
		return
	}
	json200(w, bet)
}

// ── Webhook ──────────────────────────────────────────

// pixWebhook receives the gateway's payment notifications. Body shape is
// the Efí callback: {"pix":[{"txid":"..."}, ...]}.
func (s *Server) pixWebhook(w http.ResponseWriter, r *http.Request) {
	if s.webhookSecret == "" || r.Header.Get("X-Webhook-Secret") != s.webhookSecret {
		jsonErr(w, 401, "bad webhook secret")
		return
	}
	var req struct {
		Pix []struct {
			TxID string `json:"txid"`
		} `json:"pix"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	confirmed := 0
	for _, p := range req.Pix {
		if p.TxID == "" {
			continue
		}
		if _, err := s.svc.ConfirmGatewayPayment(r.Context(), p.TxID); err != nil {
			// Duplicate deliveries and expired charges are expected here.
			s.log.Warn("webhook confirmation rejected", zap.String("txid", p.TxID), zap.Error(err))
			continue
		}
		confirmed++
	}
	json200(w, map[string]int{"confirmed": confirmed})
}

// ── Admin ────────────────────────────────────────────

func (s *Server) listUsers(w http.ResponseWriter, r *http.Request) {
	profiles, err := s.store.ListProfiles(r.Context())
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	if profiles == nil {
		profiles = []model.Profile{}
	}
	json200(w, profiles)
}

func (s *Server) suspendUser(w http.ResponseWriter, r *http.Request) {
	if err := s.store.SetProfileActive(r.Context(), chi.URLParam(r, "id"), false); err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	json200(w, map[string]string{"status": "suspended"})
}

func (s *Server) reactivateUser(w http.ResponseWriter, r *http.Request) {
	if err := s.store.SetProfileActive(r.Context(), chi.URLParam(r, "id"), true); err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	json200(w, map[string]string{"status": "active"})
}

func (s *Server) adminDeleteBet(w http.ResponseWriter, r *http.Request) {
	cascade := r.URL.Query().Get("cascade") == "true"
	if err := s.svc.DeleteBet(r.Context(), chi.URLParam(r, "id"), cascade); err != nil {
		s.domainErr(w, err)
		return
	}
	json200(w, map[string]string{"status": "deleted"})
}

func (s *Server) adminMetrics(w http.ResponseWriter, r *http.Request) {
	sum, err := s.store.AdminSummary(r.Context())
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	json200(w, sum)
}

// ── Helpers ──────────────────────────────────────────

// domainErr maps a sentinel error class to an HTTP status. The message
// always names the violated rule.
func (s *Server) domainErr(w http.ResponseWriter, err error) {
	switch {
	case model.IsNotFound(err):
		jsonErr(w, 404, err.Error())
	case model.IsValidation(err):
		jsonErr(w, 400, err.Error())
	case model.IsAuthorization(err):
		jsonErr(w, 403, err.Error())
	case model.IsStateConflict(err):
		jsonErr(w, 409, err.Error())
	case errors.Is(err, model.ErrGatewayUnavailable):
		jsonErr(w, 502, err.Error())
	default:
		s.log.Error("unhandled domain error", zap.Error(err))
		jsonErr(w, 500, err.Error())
	}
}

func json200(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
