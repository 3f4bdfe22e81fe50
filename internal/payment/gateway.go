// Package payment covers the gateway boundary: charge creation against the
// Efí PIX API and the per-charge status watcher that reconciles wagers.
package payment

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	authPath         = "/oauth/token"
	createChargePath = "/v2/gn/cob"

	// Renew the OAuth token a minute before the gateway's stated expiry.
	tokenExpirySlack = time.Minute
)

// ChargeRequest is what the orchestrator sends to the gateway.
type ChargeRequest struct {
	Amount      decimal.Decimal
	PayerName   string
	PayerKey    string
	Description string
	TTL         time.Duration
}

// ChargeResponse is the gateway's answer: the transaction reference plus the
// presentational payment data (copy-paste code, QR image).
type ChargeResponse struct {
	TxID          string
	CopyPasteCode string
	QRCodeImage   string
}

// Gateway creates immediate charges. Status is NOT checked here: the
// confirmation signal arrives out of band (webhook) and the watcher polls
// the persistence layer instead.
type Gateway interface {
	CreateImmediateCharge(ctx context.Context, req ChargeRequest) (*ChargeResponse, error)
}

// EfiClient talks to the Efí PIX REST API with client-credentials auth.
type EfiClient struct {
	baseURL      string
	clientID     string
	clientSecret string
	pixKey       string
	http         *http.Client
	log          *zap.Logger

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

func NewEfiClient(baseURL, clientID, clientSecret, pixKey string, log *zap.Logger) *EfiClient {
	return &EfiClient{
		baseURL:      baseURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		pixKey:       pixKey,
		http:         &http.Client{Timeout: 30 * time.Second},
		log:          log.Named("efi"),
	}
}

func (c *EfiClient) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && time.Now().Before(c.tokenExp) {
		return c.token, nil
	}

	body, _ := json.Marshal(map[string]string{"grant_type": "client_credentials"})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+authPath, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	creds := base64.StdEncoding.EncodeToString([]byte(c.clientID + ":" + c.clientSecret))
	req.Header.Set("Authorization", "Basic "+creds)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("efi auth: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("efi auth: http %s", resp.Status)
	}
	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("efi auth decode: %w", err)
	}
	c.token = out.AccessToken
	c.tokenExp = time.Now().Add(time.Duration(out.ExpiresIn)*time.Second - tokenExpirySlack)
	return c.token, nil
}

func (c *EfiClient) CreateImmediateCharge(ctx context.Context, cr ChargeRequest) (*ChargeResponse, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"calendario": map[string]any{"expiracao": int(cr.TTL.Seconds())},
		"devedor": map[string]any{
			"cpf":  cr.PayerKey,
			"nome": cr.PayerName,
		},
		"valor":              map[string]any{"original": cr.Amount.StringFixed(2)},
		"chave":              c.pixKey,
		"solicitacaoPagador": cr.Description,
	}
	body, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+createChargePath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("efi create charge: %w", err)
	}
	defer resp.Body.Close()
	var created struct {
		TxID string `json:"txid"`
		Loc  struct {
			ID int64 `json:"id"`
		} `json:"loc"`
		Mensagem string `json:"mensagem"`
		Title    string `json:"title"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return nil, fmt.Errorf("efi create charge decode: %w", err)
	}
	if resp.StatusCode >= 300 {
		msg := created.Mensagem
		if msg == "" {
			msg = created.Title
		}
		return nil, fmt.Errorf("efi create charge: http %s: %s", resp.Status, msg)
	}

	qr, err := c.qrCode(ctx, token, created.Loc.ID)
	if err != nil {
		return nil, err
	}
	c.log.Debug("charge created at gateway", zap.String("txid", created.TxID))
	return &ChargeResponse{
		TxID:          created.TxID,
		CopyPasteCode: qr.code,
		QRCodeImage:   qr.image,
	}, nil
}

type qrData struct{ code, image string }

func (c *EfiClient) qrCode(ctx context.Context, token string, locID int64) (*qrData, error) {
	url := fmt.Sprintf("%s/v2/gn/loc/%d/qrcode", c.baseURL, locID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("efi qrcode: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("efi qrcode: http %s", resp.Status)
	}
	var out struct {
		QRCode       string `json:"qrcode"`
		ImagemQRCode string `json:"imagemQrcode"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("efi qrcode decode: %w", err)
	}
	return &qrData{code: out.QRCode, image: out.ImagemQRCode}, nil
}
