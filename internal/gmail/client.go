package gmail

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/knowd/knowd/internal/sync"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

const defaultBaseURL = "https://gmail.googleapis.com/gmail/v1/users/me"

// Config holds the settings for a Gmail API client.
type Config struct {
	CredentialsFile string
	TokenFile       string
	RateLimitRPS    float64

	// BaseURL overrides the API endpoint, for tests.
	BaseURL string
	// HTTPClient overrides the authenticated client, for tests.
	HTTPClient *http.Client
}

// Client is a rate-limited Gmail REST API client.
type Client struct {
	http    *http.Client
	baseURL string
	limiter *rate.Limiter
}

// credentialsFile mirrors the installed-application OAuth client JSON
// downloaded from the Google Cloud console.
type credentialsFile struct {
	Installed struct {
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
		AuthURI      string `json:"auth_uri"`
		TokenURI     string `json:"token_uri"`
	} `json:"installed"`
}

// NewClient builds a client using the OAuth credentials and stored token
// from the configured files.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 5
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		oc, err := oauthConfig(cfg.CredentialsFile)
		if err != nil {
			return nil, err
		}
		tok, err := loadToken(cfg.TokenFile)
		if err != nil {
			return nil, err
		}
		base := &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
		ctx = context.WithValue(ctx, oauth2.HTTPClient, base)
		httpClient = oc.Client(ctx, tok)
	}

	return &Client{
		http:    httpClient,
		baseURL: baseURL,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), 1),
	}, nil
}

func oauthConfig(path string) (*oauth2.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credentials %s: %w", path, err)
	}
	var creds credentialsFile
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parse credentials %s: %w", path, err)
	}
	if creds.Installed.ClientID == "" {
		return nil, fmt.Errorf("credentials %s: missing installed client", path)
	}
	return &oauth2.Config{
		ClientID:     creds.Installed.ClientID,
		ClientSecret: creds.Installed.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  creds.Installed.AuthURI,
			TokenURL: creds.Installed.TokenURI,
		},
		Scopes: []string{"https://www.googleapis.com/auth/gmail.readonly"},
	}, nil
}

func loadToken(path string) (*oauth2.Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read token %s: %w", path, err)
	}
	tok := &oauth2.Token{}
	if err := json.Unmarshal(data, tok); err != nil {
		return nil, fmt.Errorf("parse token %s: %w", path, err)
	}
	return tok, nil
}

// getJSON performs a rate-limited GET against the API and decodes the
// response into out. API errors are classified: expired history cursors and
// revoked credentials map to the sync sentinels, everything retryable is
// wrapped as transient.
func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return sync.Transient(fmt.Errorf("gmail request %s: %w", path, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return sync.Transient(fmt.Errorf("read response %s: %w", path, err))
	}

	if resp.StatusCode != http.StatusOK {
		return classifyStatus(path, resp.StatusCode, body)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response %s: %w", path, err)
	}
	return nil
}

func classifyStatus(path string, status int, body []byte) error {
	var ae apiError
	_ = json.Unmarshal(body, &ae)
	msg := ae.Error.Message
	if msg == "" {
		msg = http.StatusText(status)
	}
	err := fmt.Errorf("gmail %s: %d %s", path, status, msg)

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: %v", sync.ErrAuthRevoked, err)
	case status == http.StatusNotFound && path == "/history":
		// history.list returns 404 when startHistoryId is too old.
		return fmt.Errorf("%w: %v", sync.ErrCursorExpired, err)
	case status == http.StatusTooManyRequests || status >= 500:
		return sync.Transient(err)
	default:
		return err
	}
}
