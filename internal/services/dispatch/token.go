package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ternarybob/lattice/internal/common"
	"golang.org/x/oauth2"
)

// idTokenSource mints OIDC identity tokens for the configured service
// account. Tokens are stamped on every enqueue so the worker and the webhook
// path can verify the caller.
type idTokenSource struct {
	tokenURL       string
	serviceAccount string
	audience       string
	client         *http.Client
}

// newTokenSource returns a caching token source, or nil when no mint
// endpoint is configured (development: tasks go out unsigned).
func newTokenSource(cfg *common.OIDCConfig) oauth2.TokenSource {
	if cfg.TokenURL == "" {
		return nil
	}
	src := &idTokenSource{
		tokenURL:       cfg.TokenURL,
		serviceAccount: cfg.ServiceAccount,
		audience:       cfg.Audience,
		client:         &http.Client{Timeout: 10 * time.Second},
	}
	return oauth2.ReuseTokenSource(nil, src)
}

func (s *idTokenSource) Token() (*oauth2.Token, error) {
	form := url.Values{
		"service_account": {s.serviceAccount},
		"audience":        {s.audience},
	}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, s.tokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to mint identity token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("identity token endpoint returned %d", resp.StatusCode)
	}

	var body struct {
		Token     string `json:"token"`
		ExpiresIn int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode identity token response: %w", err)
	}

	expiresIn := body.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	return &oauth2.Token{
		AccessToken: body.Token,
		TokenType:   "Bearer",
		Expiry:      time.Now().Add(time.Duration(expiresIn) * time.Second),
	}, nil
}
