package roles

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/aspect-build/trustgraph/internal/appinfo"
	"github.com/aspect-build/trustgraph/internal/graph"
	"github.com/aspect-build/trustgraph/internal/measure"
	"github.com/aspect-build/trustgraph/internal/ownership"
	"github.com/aspect-build/trustgraph/internal/quote"
	"github.com/aspect-build/trustgraph/internal/registry"
)

// GatewayConfig wires up a Gateway verifier. The gateway publishes its own
// evidence over its endpoint; BaseDomain overrides the self-reported domain
// when set.
type GatewayConfig struct {
	Endpoint   string
	BaseDomain string
	ImageDir   string
	VMConfig   *measure.VMConfig
	Controller string // compose-registry contract, hex address; optional
	Registry   *registry.Client
	Metadata   *Metadata
}

// Gateway verifies the TLS-terminating ingress service, including the four
// domain-ownership checks no other role carries.
type Gateway struct {
	service
	client  *appinfo.Client
	checker *ownership.Checker

	domainOverride string

	amu  sync.Mutex
	acme *ownership.AcmeInfo
}

// NewGateway builds a Gateway verifier emitting into g.
func NewGateway(g *graph.Graph, quotes quote.Verifier, replay measure.Replayer, checker *ownership.Checker, cfg GatewayConfig) (*Gateway, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("gateway: endpoint is required")
	}
	if cfg.Metadata == nil {
		return nil, fmt.Errorf("gateway: metadata is required")
	}
	if checker == nil {
		checker = ownership.NewChecker(quotes)
	}
	gw := &Gateway{
		client:         appinfo.NewClient(cfg.Endpoint),
		checker:        checker,
		domainOverride: cfg.BaseDomain,
	}
	gw.service = service{
		role:     RoleGateway,
		gen:      NewGenerator(g, graph.OriginGateway, cfg.Metadata),
		quotes:   quotes,
		replay:   replay,
		imageDir: cfg.ImageDir,
		vmConfig: cfg.VMConfig,
	}
	if cfg.Registry != nil && cfg.Controller != "" {
		gw.service.registry = &composeRegistry{
			client:     cfg.Registry,
			controller: common.HexToAddress(cfg.Controller),
		}
	}
	gw.service.fetchQuote = func(ctx context.Context) (quote.Data, error) {
		info, err := gw.AppInfo(ctx)
		if err != nil {
			return quote.Data{}, err
		}
		return info.QuoteData(), nil
	}
	gw.service.fetchInfo = func(ctx context.Context) (*appinfo.AppInfo, error) {
		return gw.client.AppInfo(ctx)
	}
	gw.service.mainFields = func(info *appinfo.AppInfo, _ quote.Data) map[string]any {
		if info == nil {
			return nil
		}
		return map[string]any{
			"app_id":      info.AppID,
			"instance_id": info.InstanceID,
			"device_id":   info.DeviceID,
		}
	}
	return gw, nil
}

func (gw *Gateway) acmeInfo(ctx context.Context) (*ownership.AcmeInfo, error) {
	gw.amu.Lock()
	cached := gw.acme
	gw.amu.Unlock()
	if cached != nil {
		return cached, nil
	}
	info, err := gw.client.AcmeInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("gateway: fetch acme info: %w", err)
	}
	gw.amu.Lock()
	gw.acme = info
	gw.amu.Unlock()
	return info, nil
}

// Domain returns the public base domain under verification.
func (gw *Gateway) Domain(ctx context.Context) (string, error) {
	if gw.domainOverride != "" {
		return gw.domainOverride, nil
	}
	info, err := gw.acmeInfo(ctx)
	if err != nil {
		return "", err
	}
	if info.BaseDomain == "" {
		return "", fmt.Errorf("gateway: acme info reports no base domain")
	}
	return info.BaseDomain, nil
}

// VerifyTeeControlledKey proves the gateway's ACME account key lives inside
// the attested TEE.
func (gw *Gateway) VerifyTeeControlledKey(ctx context.Context) (bool, error) {
	if err := gw.ensureMain(ctx); err != nil {
		return false, err
	}
	domain, err := gw.Domain(ctx)
	if err != nil {
		return false, err
	}
	info, err := gw.acmeInfo(ctx)
	if err != nil {
		return false, err
	}
	ok, _, err := gw.checker.VerifyTeeControlledKey(ctx, info)
	gw.gen.EmitDomain(domain, info, map[string]any{"tee_controlled_key": ok})
	return ok, err
}

// VerifyCertificateKey checks the served certificate chain and that its leaf
// key is the current TEE-held ACME key.
func (gw *Gateway) VerifyCertificateKey(ctx context.Context) (bool, error) {
	if err := gw.ensureMain(ctx); err != nil {
		return false, err
	}
	domain, err := gw.Domain(ctx)
	if err != nil {
		return false, err
	}
	info, err := gw.acmeInfo(ctx)
	if err != nil {
		return false, err
	}
	ok, err := gw.checker.VerifyCertificateKey(info)
	gw.gen.EmitDomain(domain, info, map[string]any{"certificate_key": ok})
	return ok, err
}

// VerifyDnsCAA checks that DNS restricts certificate issuance to the
// gateway's own ACME account.
func (gw *Gateway) VerifyDnsCAA(ctx context.Context) (bool, error) {
	if err := gw.ensureMain(ctx); err != nil {
		return false, err
	}
	domain, err := gw.Domain(ctx)
	if err != nil {
		return false, err
	}
	info, err := gw.acmeInfo(ctx)
	if err != nil {
		return false, err
	}
	ok, err := gw.checker.VerifyDnsCAA(ctx, domain, info.AccountURI)
	gw.gen.EmitDomain(domain, info, map[string]any{"dns_caa": ok})
	return ok, err
}

// VerifyCTLog scans certificate-transparency history for certificates whose
// keys were never TEE-held.
func (gw *Gateway) VerifyCTLog(ctx context.Context) (bool, error) {
	if err := gw.ensureMain(ctx); err != nil {
		return false, err
	}
	domain, err := gw.Domain(ctx)
	if err != nil {
		return false, err
	}
	info, err := gw.acmeInfo(ctx)
	if err != nil {
		return false, err
	}
	res, err := gw.checker.VerifyCTLog(ctx, domain, info.HistKeys)
	if err != nil {
		return false, err
	}
	gw.gen.EmitDomain(domain, info, map[string]any{
		"ct_log_controlled":   res.TeeControlled,
		"certificates_logged": res.CertificatesChecked,
		"tee_certificates":    res.TeeCertificates,
		"non_tee_certs":       res.NonTeeCertificates,
	})
	return res.TeeControlled, nil
}
