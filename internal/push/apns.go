package push

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kibshh/wallet-pass-service/backend/internal/errs"
)

const (
	ProductionEndpoint = "https://api.push.apple.com"
	SandboxEndpoint    = "https://api.sandbox.push.apple.com"

	// Provider tokens are valid for one hour; refresh well before that.
	providerTokenTTL = 50 * time.Minute
	defaultTimeout   = 10 * time.Second
)

var (
	ErrMissingKey        = errors.New("apns signing key is required")
	ErrMissingIdentifier = errors.New("apns key id and team id are required")
)

// APNsConfig configures token based authentication against APNs.
type APNsConfig struct {
	Endpoint   string
	KeyID      string
	TeamID     string
	Key        *ecdsa.PrivateKey
	HTTPClient *http.Client
}

// APNsGateway sends notifications through the APNs provider API.
type APNsGateway struct {
	endpoint string
	keyID    string
	teamID   string
	key      *ecdsa.PrivateKey
	client   *http.Client
	now      func() time.Time

	mu       sync.Mutex
	token    string
	issuedAt time.Time
}

var _ Gateway = (*APNsGateway)(nil)

func NewAPNsGateway(cfg APNsConfig) (*APNsGateway, error) {
	if cfg.Key == nil {
		return nil, ErrMissingKey
	}
	if cfg.KeyID == "" || cfg.TeamID == "" {
		return nil, ErrMissingIdentifier
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = ProductionEndpoint
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &APNsGateway{
		endpoint: strings.TrimRight(endpoint, "/"),
		keyID:    cfg.KeyID,
		teamID:   cfg.TeamID,
		key:      cfg.Key,
		client:   client,
		now:      time.Now,
	}, nil
}

func (g *APNsGateway) Send(ctx context.Context, deviceToken string, n Notification) error {
	const op = "apns send"

	body, err := n.Payload()
	if err != nil {
		return errs.Wrap(errs.KindValidation, op, err)
	}
	token, err := g.providerToken()
	if err != nil {
		return errs.Wrap(errs.KindUpstream, op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint+"/3/device/"+deviceToken, bytes.NewReader(body))
	if err != nil {
		return errs.Wrap(errs.KindValidation, op, err)
	}
	req.Header.Set("Authorization", "bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apns-topic", n.Topic)
	if n.Background {
		req.Header.Set("apns-push-type", "background")
		req.Header.Set("apns-priority", "5")
	} else {
		req.Header.Set("apns-push-type", "alert")
		req.Header.Set("apns-priority", "10")
	}
	if !n.Expiry.IsZero() {
		req.Header.Set("apns-expiration", strconv.FormatInt(n.Expiry.Unix(), 10))
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return errs.Wrap(errs.KindUpstream, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	gwErr := &GatewayError{StatusCode: resp.StatusCode}
	var apnsBody struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&apnsBody); err == nil {
		gwErr.Reason = apnsBody.Reason
	}
	if gwErr.Reason == "ExpiredProviderToken" || gwErr.Reason == "InvalidProviderToken" {
		g.resetToken()
	}
	return errs.Wrap(errs.KindUpstream, op, gwErr)
}

// providerToken returns the cached ES256 provider token, signing a new
// one when it is older than providerTokenTTL.
func (g *APNsGateway) providerToken() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if g.token != "" && now.Sub(g.issuedAt) < providerTokenTTL {
		return g.token, nil
	}

	t := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iss": g.teamID,
		"iat": now.Unix(),
	})
	t.Header["kid"] = g.keyID

	signed, err := t.SignedString(g.key)
	if err != nil {
		return "", fmt.Errorf("sign provider token: %w", err)
	}
	g.token = signed
	g.issuedAt = now
	return signed, nil
}

func (g *APNsGateway) resetToken() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.token = ""
}
