// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package githubapp exchanges a GitHub App's credentials for short-lived
// installation tokens.
//
// The provider signs an RS256 app JWT, resolves the installation id
// (auto-detecting it when unset), and exchanges the JWT for an
// installation access token. Tokens are cached and reused while more than
// ten minutes of validity remain. Deployments without an app fall back to
// a static personal access token.
package githubapp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

const defaultAPIBase = "https://api.github.com"

// refreshMargin is how much validity must remain for a cached token to be
// reused without a refresh.
const refreshMargin = 10 * time.Minute

// TokenSource yields a GitHub API token. Implementations must be safe for
// concurrent use.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Static wraps a fixed token (typically GITHUB_TOKEN) as a TokenSource.
type Static string

// Token returns the wrapped token.
func (s Static) Token(context.Context) (string, error) {
	if s == "" {
		return "", fmt.Errorf("no github token configured")
	}
	return string(s), nil
}

// Provider generates and caches installation tokens for a GitHub App.
type Provider struct {
	appID      string
	key        jwk.Key
	httpClient *http.Client
	apiBase    string

	mu          sync.Mutex
	installID   string
	cachedToken string
	expiresAt   time.Time
}

// Option configures a Provider.
type Option func(*Provider)

// WithAPIBase overrides the GitHub API base URL.
func WithAPIBase(base string) Option {
	return func(p *Provider) {
		p.apiBase = strings.TrimSuffix(base, "/")
	}
}

// WithHTTPClient overrides the HTTP client used for API calls.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// New creates a provider from an app id and a PEM-encoded RSA private key
// (PKCS#1 or PKCS#8). installID may be empty; it is then auto-detected on
// first use.
func New(appID, keyPEM, installID string, opts ...Option) (*Provider, error) {
	if appID == "" {
		return nil, fmt.Errorf("app id is required")
	}
	key, err := jwk.ParseKey([]byte(keyPEM), jwk.WithPEM(true))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	p := &Provider{
		appID:      appID,
		key:        key,
		installID:  installID,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		apiBase:    defaultAPIBase,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// NewFromEnv creates a provider from GITHUB_APP_ID, GITHUB_APP_PRIVATE_KEY
// (PEM content or a file path), and the optional GITHUB_APP_INSTALL_ID.
func NewFromEnv(opts ...Option) (*Provider, error) {
	appID := os.Getenv("GITHUB_APP_ID")
	if appID == "" {
		return nil, fmt.Errorf("GITHUB_APP_ID not set")
	}

	keyData := os.Getenv("GITHUB_APP_PRIVATE_KEY")
	if keyData == "" {
		return nil, fmt.Errorf("GITHUB_APP_PRIVATE_KEY not set")
	}
	if !strings.HasPrefix(keyData, "-----") {
		data, err := os.ReadFile(keyData)
		if err != nil {
			return nil, fmt.Errorf("read private key file: %w", err)
		}
		keyData = string(data)
	}

	return New(appID, keyData, os.Getenv("GITHUB_APP_INSTALL_ID"), opts...)
}

// Token returns a valid installation token, refreshing when the cached one
// is expired or near expiry.
func (p *Provider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cachedToken != "" && time.Until(p.expiresAt) > refreshMargin {
		return p.cachedToken, nil
	}

	token, expiresAt, err := p.exchange(ctx)
	if err != nil {
		return "", err
	}

	p.cachedToken = token
	p.expiresAt = expiresAt
	return token, nil
}

// exchange signs an app JWT, resolves the installation id if needed, and
// trades the JWT for an installation access token. Callers hold p.mu.
func (p *Provider) exchange(ctx context.Context) (string, time.Time, error) {
	signed, err := p.signJWT()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign app jwt: %w", err)
	}

	if p.installID == "" {
		id, err := p.detectInstallationID(ctx, signed)
		if err != nil {
			return "", time.Time{}, fmt.Errorf("detect installation: %w", err)
		}
		p.installID = id
		slog.Info("Auto-detected app installation", "installation_id", id)
	}

	url := fmt.Sprintf("%s/app/installations/%s/access_tokens", p.apiBase, p.installID)
	body, status, err := p.doAPI(ctx, http.MethodPost, url, signed)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("request token: %w", err)
	}
	if status != http.StatusCreated {
		return "", time.Time{}, fmt.Errorf("token exchange returned %d: %s", status, body)
	}

	var result struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", time.Time{}, fmt.Errorf("parse token response: %w", err)
	}
	if result.Token == "" {
		return "", time.Time{}, fmt.Errorf("empty token in response")
	}

	slog.Info("Obtained installation token", "expires_at", result.ExpiresAt.Format(time.RFC3339))
	return result.Token, result.ExpiresAt, nil
}

// signJWT builds the RS256 app JWT. IssuedAt is backdated 60s to absorb
// clock skew between the runner and GitHub.
func (p *Provider) signJWT() (string, error) {
	now := time.Now()
	tok, err := jwt.NewBuilder().
		Issuer(p.appID).
		IssuedAt(now.Add(-60 * time.Second)).
		Expiration(now.Add(10 * time.Minute)).
		Build()
	if err != nil {
		return "", err
	}

	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.RS256, p.key))
	if err != nil {
		return "", err
	}
	return string(signed), nil
}

// detectInstallationID returns the first installation of the app.
func (p *Provider) detectInstallationID(ctx context.Context, signed string) (string, error) {
	body, status, err := p.doAPI(ctx, http.MethodGet, p.apiBase+"/app/installations", signed)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("list installations returned %d: %s", status, body)
	}

	var installations []struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(body, &installations); err != nil {
		return "", fmt.Errorf("parse installations: %w", err)
	}
	if len(installations) == 0 {
		return "", fmt.Errorf("no installations found for app %s", p.appID)
	}
	return fmt.Sprintf("%d", installations[0].ID), nil
}

func (p *Provider) doAPI(ctx context.Context, method, url, bearer string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	return body, resp.StatusCode, nil
}
