package sensors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// HTTPConfig configures the sense data REST client
type HTTPConfig struct {
	Endpoint string        `json:"endpoint" yaml:"endpoint" env:"ENDPOINT"`
	Token    string        `json:"-" yaml:"token" env:"TOKEN"`
	Timeout  time.Duration `json:"timeout" yaml:"timeout" env:"TIMEOUT"`
}

// ApplyDefaults fills in default values
func (c *HTTPConfig) ApplyDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Second
	}
}

// Validate checks configuration
func (c *HTTPConfig) Validate() error {
	if c.Endpoint == "" {
		return errors.New("sensors: endpoint is required")
	}
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return fmt.Errorf("sensors: invalid endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("sensors: unsupported endpoint scheme %q", u.Scheme)
	}
	return nil
}

// HTTPProvider reads sense data from the platform's sense service.
// Requests carry the service token as an OAuth2 bearer credential.
type HTTPProvider struct {
	endpoint   string
	httpClient *http.Client
}

type senseResponse struct {
	Readings []Reading `json:"readings"`
}

// NewHTTPProvider creates a provider for the given endpoint
func NewHTTPProvider(config HTTPConfig) (*HTTPProvider, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	client := &http.Client{Timeout: config.Timeout}
	if config.Token != "" {
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, client)
		src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: config.Token, TokenType: "Bearer"})
		client = oauth2.NewClient(ctx, src)
		client.Timeout = config.Timeout
	}

	return &HTTPProvider{
		endpoint:   strings.TrimRight(config.Endpoint, "/"),
		httpClient: client,
	}, nil
}

// GetSenseData fetches GET {endpoint}/auras/{auraID}/senses?ids=a,b
func (p *HTTPProvider) GetSenseData(ctx context.Context, auraID string, senseIDs []string) ([]Reading, error) {
	if len(senseIDs) == 0 {
		return nil, nil
	}

	u := fmt.Sprintf("%s/auras/%s/senses?ids=%s",
		p.endpoint, url.PathEscape(auraID), url.QueryEscape(strings.Join(senseIDs, ",")))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("sensors: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sensors: fetch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("sensors: fetch returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out senseResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("sensors: decode response: %w", err)
	}
	return out.Readings, nil
}
