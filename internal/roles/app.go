package roles

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/aspect-build/trustgraph/internal/appinfo"
	"github.com/aspect-build/trustgraph/internal/authtoken"
	"github.com/aspect-build/trustgraph/internal/graph"
	"github.com/aspect-build/trustgraph/internal/measure"
	"github.com/aspect-build/trustgraph/internal/quote"
	"github.com/aspect-build/trustgraph/internal/registry"
)

// HostedConfig points at a hosting platform's attestation API instead of a
// directly reachable guest endpoint.
type HostedConfig struct {
	BaseURL string
	AppID   string
	Tokens  *authtoken.Source
}

// AppConfig wires up an App verifier. Exactly one of Endpoint or Hosted
// must be set.
type AppConfig struct {
	Endpoint   string
	Hosted     *HostedConfig
	ImageDir   string
	VMConfig   *measure.VMConfig
	Controller string // compose-registry contract, hex address; optional
	Registry   *registry.Client
	Metadata   *Metadata
}

// App verifies an application workload deployed behind the gateway.
type App struct {
	service
}

// NewApp builds an App verifier emitting into g.
func NewApp(g *graph.Graph, quotes quote.Verifier, replay measure.Replayer, cfg AppConfig) (*App, error) {
	if cfg.Endpoint == "" && cfg.Hosted == nil {
		return nil, fmt.Errorf("app: endpoint or hosted config is required")
	}
	if cfg.Endpoint != "" && cfg.Hosted != nil {
		return nil, fmt.Errorf("app: endpoint and hosted config are mutually exclusive")
	}
	if cfg.Metadata == nil {
		return nil, fmt.Errorf("app: metadata is required")
	}
	a := &App{}
	a.service = service{
		role:     RoleApp,
		gen:      NewGenerator(g, graph.OriginApp, cfg.Metadata),
		quotes:   quotes,
		replay:   replay,
		imageDir: cfg.ImageDir,
		vmConfig: cfg.VMConfig,
	}
	if cfg.Registry != nil && cfg.Controller != "" {
		a.service.registry = &composeRegistry{
			client:     cfg.Registry,
			controller: common.HexToAddress(cfg.Controller),
		}
	}
	switch {
	case cfg.Endpoint != "":
		client := appinfo.NewClient(cfg.Endpoint)
		a.service.fetchInfo = func(ctx context.Context) (*appinfo.AppInfo, error) {
			return client.AppInfo(ctx)
		}
	default:
		hosted := appinfo.NewHostedClient(cfg.Hosted.BaseURL, cfg.Hosted.Tokens)
		appID := cfg.Hosted.AppID
		a.service.fetchInfo = func(ctx context.Context) (*appinfo.AppInfo, error) {
			return hosted.AppInfo(ctx, appID)
		}
	}
	a.service.fetchQuote = func(ctx context.Context) (quote.Data, error) {
		info, err := a.AppInfo(ctx)
		if err != nil {
			return quote.Data{}, err
		}
		return info.QuoteData(), nil
	}
	a.service.mainFields = func(info *appinfo.AppInfo, _ quote.Data) map[string]any {
		if info == nil {
			return nil
		}
		return map[string]any{
			"app_id":      info.AppID,
			"instance_id": info.InstanceID,
			"device_id":   info.DeviceID,
		}
	}
	return a, nil
}
