package completion

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/lattice/internal/common"
)

// certCacheTTL bounds how long fetched signer certificates are reused
const certCacheTTL = time.Hour

// Verifier authenticates worker webhooks: the bearer token must be an OIDC
// identity token whose audience matches this service and whose email claim is
// the configured task-queue service identity. In development an HS256 token
// signed with the shared dev secret is accepted instead.
type Verifier struct {
	cfg    *common.OIDCConfig
	client *http.Client
	logger arbor.ILogger

	mu        sync.Mutex
	certs     map[string]*rsa.PublicKey
	fetchedAt time.Time
}

// NewVerifier creates the webhook token verifier
func NewVerifier(cfg *common.OIDCConfig, logger arbor.ILogger) *Verifier {
	return &Verifier{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

// Verify checks the bearer token and returns the authenticated principal
func (v *Verifier) Verify(ctx context.Context, tokenString string) (string, error) {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		switch t.Method.Alg() {
		case "RS256":
			kid, _ := t.Header["kid"].(string)
			return v.signerKey(ctx, kid)
		case "HS256":
			if v.cfg.DevSecret == "" {
				return nil, fmt.Errorf("HS256 tokens not accepted")
			}
			return []byte(v.cfg.DevSecret), nil
		default:
			return nil, fmt.Errorf("unsupported signing algorithm %s", t.Method.Alg())
		}
	}, jwt.WithAudience(v.cfg.Audience), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("token verification failed: %w", err)
	}
	if !token.Valid {
		return "", fmt.Errorf("token is not valid")
	}

	email, _ := claims["email"].(string)
	if token.Method.Alg() == "RS256" && email != v.cfg.ServiceAccount {
		return "", fmt.Errorf("token signed by %q, expected %q", email, v.cfg.ServiceAccount)
	}
	if email == "" {
		email, _ = claims["sub"].(string)
	}
	return email, nil
}

// signerKey resolves the RSA public key for a key id from the certs endpoint
func (v *Verifier) signerKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if key, ok := v.certs[kid]; ok && time.Since(v.fetchedAt) < certCacheTTL {
		return key, nil
	}

	if v.cfg.CertsURL == "" {
		return nil, fmt.Errorf("no certs endpoint configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.cfg.CertsURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch signer certs: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("certs endpoint returned %d", resp.StatusCode)
	}

	var pems map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&pems); err != nil {
		return nil, fmt.Errorf("failed to decode certs response: %w", err)
	}

	certs := make(map[string]*rsa.PublicKey, len(pems))
	for id, certPEM := range pems {
		key, err := parseRSAKey([]byte(certPEM))
		if err != nil {
			v.logger.Warn().Err(err).Str("kid", id).Msg("Skipping unparseable signer cert")
			continue
		}
		certs[id] = key
	}
	v.certs = certs
	v.fetchedAt = time.Now()

	key, ok := v.certs[kid]
	if !ok {
		return nil, fmt.Errorf("no signer cert for kid %q", kid)
	}
	return key, nil
}

// parseRSAKey accepts either an X.509 certificate or a bare public key PEM
func parseRSAKey(pemBytes []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	if cert, err := x509.ParseCertificate(block.Bytes); err == nil {
		if key, ok := cert.PublicKey.(*rsa.PublicKey); ok {
			return key, nil
		}
		return nil, fmt.Errorf("certificate does not carry an RSA key")
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}
	return key, nil
}
