package roles

import (
	"context"
	"fmt"
	"sync"

	"github.com/aspect-build/trustgraph/internal/appinfo"
	"github.com/aspect-build/trustgraph/internal/graph"
	"github.com/aspect-build/trustgraph/internal/measure"
	"github.com/aspect-build/trustgraph/internal/quote"
	"github.com/aspect-build/trustgraph/internal/registry"
)

// KMSConfig wires up a KMS verifier. The quote comes from the on-chain
// registry, never from the service itself; Endpoint is optional and only
// supplies the self-reported compose and VM config.
type KMSConfig struct {
	Registry *registry.Client
	Endpoint string
	ImageDir string
	VMConfig *measure.VMConfig
	Metadata *Metadata
}

// KMS verifies the root-of-trust key management service.
type KMS struct {
	service
	reg *registry.Client

	kmu sync.Mutex
	kms *registry.KmsInfo
}

// NewKMS builds a KMS verifier emitting into g.
func NewKMS(g *graph.Graph, quotes quote.Verifier, replay measure.Replayer, cfg KMSConfig) (*KMS, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("kms: registry client is required")
	}
	if cfg.Metadata == nil {
		return nil, fmt.Errorf("kms: metadata is required")
	}
	k := &KMS{reg: cfg.Registry}
	k.service = service{
		role:     RoleKMS,
		gen:      NewGenerator(g, graph.OriginKMS, cfg.Metadata),
		quotes:   quotes,
		replay:   replay,
		imageDir: cfg.ImageDir,
		vmConfig: cfg.VMConfig,
	}
	k.service.fetchQuote = func(ctx context.Context) (quote.Data, error) {
		info, err := k.kmsInfo(ctx)
		if err != nil {
			return quote.Data{}, err
		}
		return info.Quote, nil
	}
	if cfg.Endpoint != "" {
		client := appinfo.NewClient(cfg.Endpoint)
		k.service.fetchInfo = func(ctx context.Context) (*appinfo.AppInfo, error) {
			return client.AppInfo(ctx)
		}
	}
	k.service.mainFields = func(info *appinfo.AppInfo, _ quote.Data) map[string]any {
		fields := map[string]any{}
		k.kmu.Lock()
		if k.kms != nil {
			fields["k256_pubkey"] = k.kms.K256Pubkey
			fields["ca_pubkey"] = k.kms.CAPubkey
		}
		k.kmu.Unlock()
		if info != nil {
			fields["app_id"] = info.AppID
			fields["instance_id"] = info.InstanceID
		}
		return fields
	}
	return k, nil
}

func (k *KMS) kmsInfo(ctx context.Context) (*registry.KmsInfo, error) {
	k.kmu.Lock()
	cached := k.kms
	k.kmu.Unlock()
	if cached != nil {
		return cached, nil
	}
	info, err := k.reg.KmsInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("kms: read registry: %w", err)
	}
	k.kmu.Lock()
	k.kms = info
	k.kmu.Unlock()
	return info, nil
}

// GatewayAppID resolves the application id the registry says the trusted
// gateway runs under.
func (k *KMS) GatewayAppID(ctx context.Context) (string, error) {
	return k.reg.GatewayAppID(ctx)
}
