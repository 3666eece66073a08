// Package appinfo fetches self-published attestation material from running
// services: app info from any dstack-style guest endpoint, ACME domain
// material from gateways, and app info for third-party hosted apps via the
// hosting provider's attestation API.
package appinfo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aspect-build/trustgraph/internal/authtoken"
	"github.com/aspect-build/trustgraph/internal/ownership"
	"github.com/aspect-build/trustgraph/internal/quote"
)

// AppInfo is the self-reported identity and attestation material of one
// service instance. Every field is an unverified claim until the disciplines
// have checked it against the quote.
type AppInfo struct {
	AppID      string `json:"app_id"`
	InstanceID string `json:"instance_id"`
	DeviceID   string `json:"device_id"`
	AppCompose string `json:"app_compose"`
	VMConfig   string `json:"vm_config"`
	Quote      string `json:"quote"`
	EventLog   string `json:"event_log"`
}

// QuoteData bundles the quote and event log for the verifiers.
func (a *AppInfo) QuoteData() quote.Data {
	return quote.Data{Quote: a.Quote, EventLog: a.EventLog}
}

// Client talks to one service's public dstack endpoints.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 20 * time.Second},
	}
}

// AppInfo fetches the instance's identity and attestation material.
func (c *Client) AppInfo(ctx context.Context) (*AppInfo, error) {
	var info AppInfo
	if err := c.getJSON(ctx, c.BaseURL+"/.dstack/app-info", &info); err != nil {
		return nil, err
	}
	if info.Quote == "" {
		return nil, fmt.Errorf("app info from %s carries no quote", c.BaseURL)
	}
	return &info, nil
}

// AcmeInfo fetches a gateway's domain-control material.
func (c *Client) AcmeInfo(ctx context.Context) (*ownership.AcmeInfo, error) {
	var info ownership.AcmeInfo
	if err := c.getJSON(ctx, c.BaseURL+"/.dstack/acme-info", &info); err != nil {
		return nil, err
	}
	if info.AccountURI == "" {
		return nil, fmt.Errorf("acme info from %s carries no account uri", c.BaseURL)
	}
	return &info, nil
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request %s: %w", url, err)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s: %w", url, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parse %s: %w", url, err)
	}
	return nil
}

// HostedClient fetches app info from a hosting provider's attestation API,
// authenticating with a refreshing bearer token.
type HostedClient struct {
	BaseURL string
	HTTP    *http.Client
	Tokens  *authtoken.Source
}

func NewHostedClient(baseURL string, tokens *authtoken.Source) *HostedClient {
	return &HostedClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 20 * time.Second},
		Tokens:  tokens,
	}
}

// AppInfo fetches attestation material for a hosted app by id.
func (c *HostedClient) AppInfo(ctx context.Context, appID string) (*AppInfo, error) {
	url := fmt.Sprintf("%s/api/v1/apps/%s/attestation", c.BaseURL, appID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request %s: %w", url, err)
	}
	if c.Tokens != nil {
		tok, err := c.Tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("attestation api token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", url, err)
	}
	var info AppInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("parse %s: %w", url, err)
	}
	if info.Quote == "" {
		return nil, fmt.Errorf("attestation api returned no quote for app %s", appID)
	}
	return &info, nil
}
