package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/aspect-build/trustgraph/internal/authtoken"
	"github.com/aspect-build/trustgraph/internal/measure"
	"github.com/aspect-build/trustgraph/internal/ownership"
	"github.com/aspect-build/trustgraph/internal/quote"
	"github.com/aspect-build/trustgraph/internal/registry"
	"github.com/aspect-build/trustgraph/internal/roles"
)

// KMSTarget names the on-chain KMS to verify. Contract overrides the
// server-wide default; Endpoint is optional.
type KMSTarget struct {
	Contract string            `json:"contract,omitempty"`
	Endpoint string            `json:"endpoint,omitempty"`
	VMConfig *measure.VMConfig `json:"vm_config,omitempty"`
	Metadata *roles.Metadata   `json:"metadata"`
}

// GatewayTarget names a gateway instance to verify.
type GatewayTarget struct {
	Endpoint   string            `json:"endpoint"`
	BaseDomain string            `json:"base_domain,omitempty"`
	Controller string            `json:"controller,omitempty"`
	VMConfig   *measure.VMConfig `json:"vm_config,omitempty"`
	Metadata   *roles.Metadata   `json:"metadata"`
}

// AppTarget names an app instance to verify, either directly or through a
// hosting provider's attestation API.
type AppTarget struct {
	Endpoint   string            `json:"endpoint,omitempty"`
	HostedURL  string            `json:"hosted_url,omitempty"`
	AppID      string            `json:"app_id,omitempty"`
	Controller string            `json:"controller,omitempty"`
	VMConfig   *measure.VMConfig `json:"vm_config,omitempty"`
	Metadata   *roles.Metadata   `json:"metadata"`
}

// TaskRequest is the JSON body of a verification task. Nil flags means all
// steps.
type TaskRequest struct {
	Flags   *roles.Flags   `json:"flags,omitempty"`
	KMS     *KMSTarget     `json:"kms,omitempty"`
	Gateway *GatewayTarget `json:"gateway,omitempty"`
	App     *AppTarget     `json:"app,omitempty"`
}

// Validate rejects requests no chain could run.
func (r *TaskRequest) Validate() error {
	if r.KMS == nil && r.Gateway == nil && r.App == nil {
		return fmt.Errorf("at least one of kms, gateway, app is required")
	}
	if r.Gateway != nil && r.Gateway.Endpoint == "" {
		return fmt.Errorf("gateway.endpoint is required")
	}
	if r.App != nil && r.App.Endpoint == "" && r.App.HostedURL == "" {
		return fmt.Errorf("app.endpoint or app.hosted_url is required")
	}
	if r.App != nil && r.App.HostedURL != "" && r.App.AppID == "" {
		return fmt.Errorf("app.app_id is required with app.hosted_url")
	}
	return nil
}

// Runtime carries the long-lived verification dependencies shared by every
// task: subprocess tooling, the ownership checker, and cached registry
// clients per contract address.
type Runtime struct {
	cfg     *Config
	quotes  quote.Verifier
	replay  measure.Replayer
	checker *ownership.Checker
	tokens  *authtoken.Source

	mu      sync.Mutex
	clients map[string]*registry.Client
}

// NewRuntime builds the shared task runtime from server configuration.
func NewRuntime(cfg *Config) *Runtime {
	qv := &quote.QVLTool{Bin: cfg.QVLBin, PCCSURL: cfg.PCCSURL}
	return &Runtime{
		cfg:     cfg,
		quotes:  qv,
		replay:  &measure.MrTool{Bin: cfg.MrBin},
		checker: ownership.NewChecker(qv),
		tokens:  apiTokens(cfg),
		clients: map[string]*registry.Client{},
	}
}

// apiTokens builds the hosted-API token source: client-credentials refresh
// when a token URL is configured, with the static token as fallback (or as
// the sole credential when no token URL is set).
func apiTokens(cfg *Config) *authtoken.Source {
	if cfg.APITokenURL != "" {
		cc := &clientcredentials.Config{
			ClientID:     cfg.APIClientID,
			ClientSecret: cfg.APIClientSecret,
			TokenURL:     cfg.APITokenURL,
		}
		var opts []authtoken.Option
		if cfg.APIToken != "" {
			opts = append(opts, authtoken.WithStaticFallback(cfg.APIToken))
		}
		return authtoken.New(cc.Token, opts...)
	}
	if cfg.APIToken != "" {
		static := cfg.APIToken
		return authtoken.New(func(context.Context) (*oauth2.Token, error) {
			return &oauth2.Token{AccessToken: static}, nil
		})
	}
	return nil
}

func (rt *Runtime) registryClient(ctx context.Context, contract string) (*registry.Client, error) {
	if contract == "" {
		contract = rt.cfg.KMSContract
	}
	if contract == "" {
		return nil, fmt.Errorf("no KMS contract configured")
	}
	if rt.cfg.RPCURL == "" {
		return nil, fmt.Errorf("no RPC endpoint configured")
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if c, ok := rt.clients[contract]; ok {
		return c, nil
	}
	c, err := registry.Dial(ctx, rt.cfg.RPCURL, contract)
	if err != nil {
		return nil, err
	}
	rt.clients[contract] = c
	return c, nil
}

// Run executes one verification task.
func (rt *Runtime) Run(ctx context.Context, raw []byte) (*roles.Result, error) {
	var req TaskRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("parse task request: %w", err)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	flags := roles.AllFlags()
	if req.Flags != nil {
		flags = *req.Flags
	}
	cfg := roles.ChainConfig{
		Quotes:  rt.quotes,
		Replay:  rt.replay,
		Checker: rt.checker,
		Flags:   flags,
	}

	if req.KMS != nil {
		reg, err := rt.registryClient(ctx, req.KMS.Contract)
		if err != nil {
			return nil, fmt.Errorf("kms registry: %w", err)
		}
		cfg.KMS = &roles.KMSConfig{
			Registry: reg,
			Endpoint: req.KMS.Endpoint,
			ImageDir: rt.cfg.ImageDir,
			VMConfig: req.KMS.VMConfig,
			Metadata: req.KMS.Metadata,
		}
	}
	if req.Gateway != nil {
		gw := &roles.GatewayConfig{
			Endpoint:   req.Gateway.Endpoint,
			BaseDomain: req.Gateway.BaseDomain,
			ImageDir:   rt.cfg.ImageDir,
			VMConfig:   req.Gateway.VMConfig,
			Controller: req.Gateway.Controller,
			Metadata:   req.Gateway.Metadata,
		}
		if gw.Controller != "" {
			reg, err := rt.registryClient(ctx, "")
			if err != nil {
				return nil, fmt.Errorf("gateway registry: %w", err)
			}
			gw.Registry = reg
		}
		cfg.Gateway = gw
	}
	if req.App != nil {
		app := &roles.AppConfig{
			Endpoint:   req.App.Endpoint,
			ImageDir:   rt.cfg.ImageDir,
			VMConfig:   req.App.VMConfig,
			Controller: req.App.Controller,
			Metadata:   req.App.Metadata,
		}
		if req.App.HostedURL != "" {
			app.Hosted = &roles.HostedConfig{
				BaseURL: req.App.HostedURL,
				AppID:   req.App.AppID,
				Tokens:  rt.tokens,
			}
		}
		if app.Controller != "" {
			reg, err := rt.registryClient(ctx, "")
			if err != nil {
				return nil, fmt.Errorf("app registry: %w", err)
			}
			app.Registry = reg
		}
		cfg.App = app
	}

	chain, err := roles.NewChain(cfg)
	if err != nil {
		return nil, err
	}
	return chain.Run(ctx)
}
